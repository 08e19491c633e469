// Package controlapi exposes the instance manager over HTTP.
//
// Every route requires a bearer token signed with the orchestrator's API
// secret. Log tails are served over a WebSocket that the server feeds by
// polling the instance's ring buffer.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/craftec/nodehub/nodehub/journal"
	"github.com/craftec/nodehub/nodehub/logcapture"
	"github.com/craftec/nodehub/nodehub/processes"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
)

const (
	defaultTokenTTL   = time.Hour
	maxTokenTTL       = 24 * time.Hour
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Orchestrator is the part of the instance manager the API drives. Get must
// report ErrNotFound for an instance whose unit has exited; log streams end on
// it.
type Orchestrator interface {
	Start(ctx context.Context, req processes.StartRequest) (*processes.Instance, error)
	Stop(id uint32) error
	StopAll()
	List() []processes.Instance
	Get(id uint32) (processes.Instance, error)
	GetLogs(id uint32, since int) []logcapture.Line
	LogsAfterSeq(id uint32, seq uint64) []logcapture.Line
	IssueAPIToken(id uint32, ttl time.Duration) (string, error)
}

// EventSource lists recent lifecycle events.
type EventSource interface {
	Recent(limit int) ([]journal.Event, error)
}

type Options struct {
	Events       EventSource // Optional; /events answers 404 without it
	Logger       *slog.Logger
	PollInterval time.Duration // Log stream poll period, 250ms by default
}

type Server struct {
	orch     Orchestrator
	events   EventSource
	secret   []byte
	logger   *slog.Logger
	poll     time.Duration
	upgrader websocket.Upgrader
}

func NewServer(orch Orchestrator, secret []byte, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	return &Server{
		orch:   orch,
		events: opts.Events,
		secret: secret,
		logger: opts.Logger,
		poll:   opts.PollInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed API wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.POST("/instances", s.tokenRequired(s.handleStart))
	router.GET("/instances", s.tokenRequired(s.handleList))
	router.DELETE("/instances", s.tokenRequired(s.handleStopAll))
	router.GET("/instances/:id", s.tokenRequired(s.handleGet))
	router.DELETE("/instances/:id", s.tokenRequired(s.handleStop))
	router.GET("/instances/:id/logs", s.tokenRequired(s.handleLogs))
	router.GET("/instances/:id/logs/stream", s.tokenRequired(s.handleLogStream))
	router.GET("/instances/:id/token", s.tokenRequired(s.handleToken))
	router.GET("/events", s.tokenRequired(s.handleEvents))

	return cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(router)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, processes.ErrPortInUse):
		return http.StatusConflict
	case errors.Is(err, processes.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, processes.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, processes.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Control API request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func parseID(ps httprouter.Params) (uint32, error) {
	id, err := strconv.ParseUint(ps.ByName("id"), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req processes.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	inst, err := s.orch.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.orch.List())
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.orch.StopAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := parseID(ps)
	if err != nil {
		http.Error(w, "Invalid instance id", http.StatusBadRequest)
		return
	}
	inst, err := s.orch.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := parseID(ps)
	if err != nil {
		http.Error(w, "Invalid instance id", http.StatusBadRequest)
		return
	}
	if err := s.orch.Stop(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type logsResponse struct {
	Lines []logcapture.Line `json:"lines"`
	Next  int               `json:"next"` // Pass as ?since= to continue
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := parseID(ps)
	if err != nil {
		http.Error(w, "Invalid instance id", http.StatusBadRequest)
		return
	}
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		since, err = strconv.Atoi(v)
		if err != nil || since < 0 {
			http.Error(w, "Invalid since parameter", http.StatusBadRequest)
			return
		}
	}
	lines := s.orch.GetLogs(id, since)
	writeJSON(w, http.StatusOK, logsResponse{Lines: lines, Next: since + len(lines)})
}

// handleLogStream upgrades to a WebSocket and sends each new line of the
// instance as a JSON message until the instance goes away or the client
// disconnects.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := parseID(ps)
	if err != nil {
		http.Error(w, "Invalid instance id", http.StatusBadRequest)
		return
	}
	if _, err := s.orch.Get(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade log stream", "instanceID", id, "error", err)
		return
	}
	defer conn.Close()

	// Reads only serve to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("Log stream opened", "instanceID", id)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	var after uint64
	for {
		for _, line := range s.orch.LogsAfterSeq(id, after) {
			if err := conn.WriteJSON(line); err != nil {
				return
			}
			after = line.Seq
		}
		if _, err := s.orch.Get(id); err != nil {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "instance stopped"))
			return
		}
		select {
		case <-closed:
			s.logger.Debug("Log stream closed by client", "instanceID", id)
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := parseID(ps)
	if err != nil {
		http.Error(w, "Invalid instance id", http.StatusBadRequest)
		return
	}
	ttl := defaultTokenTTL
	if v := r.URL.Query().Get("ttl"); v != "" {
		ttl, err = time.ParseDuration(v)
		if err != nil || ttl <= 0 || ttl > maxTokenTTL {
			http.Error(w, "Invalid ttl parameter", http.StatusBadRequest)
			return
		}
	}
	expires := time.Now().Add(ttl)
	token, err := s.orch.IssueAPIToken(id, ttl)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expires})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.events == nil {
		http.Error(w, "Event journal disabled", http.StatusNotFound)
		return
	}
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}
	events, err := s.events.Recent(limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
