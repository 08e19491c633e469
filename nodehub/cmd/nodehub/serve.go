package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/craftec/nodehub/nodehub/controlapi"
	"github.com/craftec/nodehub/nodehub/journal"
	"github.com/craftec/nodehub/nodehub/logcapture"
	"github.com/craftec/nodehub/nodehub/node"
	"github.com/craftec/nodehub/nodehub/processes"
	"github.com/craftec/nodehub/nodehub/settings"
)

const journalRetention = 30 * 24 * time.Hour

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator and its control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), s)
		},
	}
	cmd.Flags().String("mode", "", `Instance backend, "task" or "process"`)
	cmd.Flags().Int("autostart", 0, "Number of instances to start at boot")
	cmd.Flags().String("api-listen", "", "Control API listen address")
	cmd.Flags().String("log-level", "", "Minimum log level (debug, info, warn, error)")
	return cmd
}

func newLogger(s settings.Settings, logs *logcapture.Store) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", s.LogLevel, err)
	}
	var out io.Writer = os.Stdout
	if s.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   s.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
		})
	}
	base := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(logcapture.NewHandler(logs, base, &logcapture.HandlerOptions{Level: level})), nil
}

func newSpawner(s settings.Settings) processes.Spawner {
	if s.Mode == string(processes.ModeProcess) {
		return &processes.ProcessSpawner{Binary: s.NodeBinary, Args: s.NodeArgs}
	}
	return &processes.TaskSpawner{Run: node.Run}
}

func serve(ctx context.Context, s settings.Settings) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// 1. Setup logger. Tagged records also land in the instance buffers.
	logs := logcapture.NewStore(logcapture.DefaultCapacity)
	logger, err := newLogger(s, logs)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("Starting nodehub", "mode", s.Mode, "stateDir", s.StateDir)

	if err := os.MkdirAll(s.StateDir, 0o700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	// 2. Initialize the lifecycle journal
	journalDatabase := sqlx.MustConnect("sqlite3", filepath.Join(s.StateDir, "journal.db"))
	defer journalDatabase.Close()
	events, err := journal.NewJournal(journalDatabase)
	if err != nil {
		return fmt.Errorf("failed to initialize journal: %w", err)
	}
	if n, err := events.DeleteOldEvents(journalRetention); err != nil {
		logger.Warn("Failed to prune journal", "error", err)
	} else if n > 0 {
		logger.Info("Pruned journal", "deleted", n)
	}

	// 3. Configure and create the instance manager
	manager, err := processes.NewManager(processes.Config{
		Spawner: newSpawner(s),
		Logs:    logs,
		Journal: events,
		Logger:  logger,
		Defaults: processes.Defaults{
			Product:        s.Product,
			DefaultDirName: s.DefaultDir,
			BaseWSPort:     s.BaseWSPort,
			BaseListenPort: s.BaseListenPort,
		},
		ProbeTimeout: s.ProbeTimeout.Duration,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Error("Manager did not shut down cleanly", "error", err)
		}
	}()

	// 4. Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 5. Start the requested instances
	for i := 0; i < s.Autostart; i++ {
		inst, err := manager.Start(ctx, processes.StartRequest{})
		if err != nil {
			logger.Error("Autostart failed", "index", i, "error", err)
			continue
		}
		logger.Info("Autostarted instance", "instanceID", inst.ID, "port", inst.WSPort)
	}

	// 6. Serve the control API
	secret, err := controlapi.LoadSecret(s.APISecretPath)
	if err != nil {
		return err
	}
	api := controlapi.NewServer(manager, secret, controlapi.Options{Events: events, Logger: logger})
	server := &http.Server{
		Addr:              s.APIListen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Control API listening", "addr", s.APIListen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down control API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("Stopping instances", "count", len(manager.List()))
	return err
}
