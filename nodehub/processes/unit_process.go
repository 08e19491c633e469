package processes

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	maxLogLineBytes = 64 * 1024
	truncatedSuffix = "…(truncated)"
)

// ProcessSpawner runs each instance as a child process of the node binary,
// with stdout and stderr piped into the instance's log buffer.
type ProcessSpawner struct {
	Binary  string   // Path of the node executable
	Args    []string // Optional, passed before the generated flags
	WorkDir string   // Optional, defaults to the instance data directory
	Env     []string // Optional, appended to the orchestrator's environment
}

func (s *ProcessSpawner) Mode() Mode { return ModeProcess }

// Command builds the command line for cfg without starting it.
func (s *ProcessSpawner) Command(ctx context.Context, cfg UnitConfig) *exec.Cmd {
	args := append([]string{}, s.Args...)
	args = append(args,
		"--data-dir", cfg.DataDir,
		"--socket", cfg.SocketPath,
		"--ws-port", strconv.Itoa(cfg.WSPort),
		"--listen", cfg.ListenAddr,
	)
	if cfg.ConfigPath != "" {
		args = append(args, "--config", cfg.ConfigPath)
	}

	cmd := exec.CommandContext(ctx, s.Binary, args...)
	cmd.Dir = s.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = cfg.DataDir
	}
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env,
		"NODE_INSTANCE_ID="+strconv.FormatUint(uint64(cfg.InstanceID), 10),
		"NODE_PEER_ID="+cfg.PeerID,
		"NODE_BOOT_PEERS="+strings.Join(cfg.BootPeers, ","),
	)
	return cmd
}

func (s *ProcessSpawner) Spawn(ctx context.Context, cfg UnitConfig) (Unit, error) {
	if s.Binary == "" {
		return nil, errors.New("process spawner has no binary configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	cmd := s.Command(ctx, cfg)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		stdoutPipe.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s: %w", s.Binary, err)
	}

	logger := cfg.Logger
	if logger != nil {
		logger = logger.With("instanceID", cfg.InstanceID, "pid", cmd.Process.Pid)
		logger.Info("Node process started", "command", cmd.String())
	}

	u := &processUnit{cancel: cancel, done: make(chan struct{})}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		pipeLines(stdoutPipe, cfg, false)
	}()
	go func() {
		defer readers.Done()
		pipeLines(stderrPipe, cfg, true)
	}()

	go func() {
		defer close(u.done)
		// The exit line must be in the buffer before the unit reports finished,
		// or a concurrent prune would journal and drop the buffer without it.
		defer u.finished.Store(true)
		// Wait closes the pipes, so it must not run before the readers hit EOF.
		readers.Wait()
		err := cmd.Wait()
		if ctx.Err() != nil {
			if logger != nil {
				logger.Info("Node process killed")
			}
			return
		}
		cancel()
		if err != nil {
			cfg.Logs.Append(cfg.InstanceID, fmt.Sprintf("Daemon exited: %v", err), true)
			if logger != nil {
				logger.Error("Node process exited", "error", err)
			}
			return
		}
		if logger != nil {
			logger.Info("Node process exited")
		}
	}()
	return u, nil
}

// pipeLines appends every line read from r to the instance's buffer. Lines
// longer than maxLogLineBytes are cut at the limit and marked, and reading
// resumes at the next newline.
func pipeLines(r io.Reader, cfg UnitConfig, isError bool) {
	reader := bufio.NewReaderSize(r, 4096)
	var line []byte
	truncated := false
	for {
		chunk, err := reader.ReadSlice('\n')
		if err == nil {
			chunk = chunk[:len(chunk)-1]
		}
		if !truncated {
			line = append(line, chunk...)
			if len(line) > maxLogLineBytes {
				line = line[:maxLogLineBytes]
				truncated = true
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if err == nil || len(line) > 0 {
			text := strings.TrimSuffix(string(line), "\r")
			if truncated {
				text += truncatedSuffix
			}
			cfg.Logs.Append(cfg.InstanceID, text, isError)
		}
		line = line[:0]
		truncated = false

		if err != nil {
			if !errors.Is(err, io.EOF) && cfg.Logger != nil {
				cfg.Logger.Warn("Error reading node output", "instanceID", cfg.InstanceID, "stderr", isError, "error", err)
			}
			return
		}
	}
}

type processUnit struct {
	cancel   context.CancelFunc
	done     chan struct{}
	finished atomic.Bool
}

func (u *processUnit) Finished() bool        { return u.finished.Load() }
func (u *processUnit) Cancel()               { u.cancel() }
func (u *processUnit) Done() <-chan struct{} { return u.done }
