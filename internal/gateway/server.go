// Package gateway exposes the warden control plane over HTTP and WebSocket:
// state snapshots, arm/disarm and task commands, run history, and a live
// event stream for dashboards.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenhq/warden/internal/autopilot"
	"github.com/wardenhq/warden/internal/history"
	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/internal/permission"
	"github.com/wardenhq/warden/internal/runner"
)

// Config holds gateway server configuration including network binding options.
type Config struct {
	// Host is the network interface to bind to (e.g., "127.0.0.1" or "0.0.0.0").
	Host string `yaml:"host"`
	// Port is the TCP port number to listen on.
	Port int `yaml:"port"`
	// Auth configures API authentication. Nil means unrestricted access.
	Auth *AuthConfig `yaml:"auth"`
}

// Controller is the slice of the application the gateway commands. The warden
// app implements it.
type Controller interface {
	RunnerState() runner.State
	AutopilotState() autopilot.State
	AuditDegraded() (bool, string)
	Arm(ctx context.Context, reason string) error
	Disarm(reason string) error
	RequestPermission(ctx context.Context, class, reason string) permission.Decision
	StartTask(ctx context.Context, taskText string) error
	PauseTask() error
	ResumeTask() error
	StopTask(reason string) error
}

// HistoryReader serves past runs to the API.
type HistoryReader interface {
	RecentRuns(limit int) ([]*history.Run, error)
	Logs(runID string) ([]history.LogLine, error)
}

// EventSource is the bus subscription surface used by the WebSocket stream.
type EventSource interface {
	Subscribe() chan Event
	Unsubscribe(chan Event)
}

// Event mirrors events.Event for the wire; the warden app adapts its bus to
// this shape so the gateway stays decoupled from the bus implementation.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Snapshot is the combined state document served by /api/v1/state.
type Snapshot struct {
	Runner        runner.State    `json:"runner"`
	Autopilot     autopilot.State `json:"autopilot"`
	AuditDegraded bool            `json:"audit_degraded"`
	AuditReason   string          `json:"audit_reason,omitempty"`
}

// Server is the warden gateway handling WebSocket and HTTP connections.
// Server is safe for concurrent use.
type Server struct {
	config     *Config
	controller Controller
	hist       HistoryReader
	events     EventSource
	upgrader   websocket.Upgrader
	log        *slog.Logger

	mu      sync.RWMutex
	server  *http.Server
	running bool
}

// NewServer creates a new gateway server with the given configuration.
// The server is not started until Start is called.
func NewServer(config *Config, controller Controller, hist HistoryReader, events EventSource) *Server {
	return &Server{
		config:     config,
		controller: controller,
		hist:       hist,
		events:     events,
		log:        logging.WithComponent("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Allow requests with no origin (same-origin, CLI tools, etc.)
				if origin == "" {
					return true
				}
				// Allow localhost origins for development
				if strings.HasPrefix(origin, "http://localhost") ||
					strings.HasPrefix(origin, "http://127.0.0.1") ||
					strings.HasPrefix(origin, "https://localhost") ||
					strings.HasPrefix(origin, "https://127.0.0.1") {
					return true
				}
				// Reject all other origins - external sites cannot connect
				return false
			},
		},
	}
}

// Handler builds the HTTP handler. Exposed so tests can drive the mux with
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("/health", s.handleHealth)

	protect := func(h http.HandlerFunc) http.Handler {
		if s.config.Auth != nil {
			return NewAuthenticator(s.config.Auth).Middleware(h)
		}
		return h
	}

	// Live event stream for dashboards
	mux.Handle("/ws", protect(s.handleWebSocket))

	// State and history
	mux.Handle("/api/v1/state", protect(s.handleState))
	mux.Handle("/api/v1/runs", protect(s.handleRuns))
	mux.Handle("/api/v1/runs/logs", protect(s.handleRunLogs))

	// Commands
	mux.Handle("/api/v1/autopilot/arm", protect(s.handleArm))
	mux.Handle("/api/v1/autopilot/disarm", protect(s.handleDisarm))
	mux.Handle("/api/v1/permission", protect(s.handlePermission))
	mux.Handle("/api/v1/task/start", protect(s.handleTaskStart))
	mux.Handle("/api/v1/task/pause", protect(s.handleTaskPause))
	mux.Handle("/api/v1/task/resume", protect(s.handleTaskResume))
	mux.Handle("/api/v1/task/stop", protect(s.handleTaskStop))

	return mux
}

// Start starts the gateway server and blocks until the context is cancelled
// or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Unlock()

	s.log.Info("gateway starting", slog.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully shuts down the server with a 30-second timeout.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.running = false
	return s.server.Shutdown(ctx)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleState returns the combined runner, autopilot, and audit snapshot.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	degraded, reason := s.controller.AuditDegraded()
	writeJSON(w, http.StatusOK, Snapshot{
		Runner:        s.controller.RunnerState(),
		Autopilot:     s.controller.AutopilotState(),
		AuditDegraded: degraded,
		AuditReason:   reason,
	})
}

// handleRuns returns recent run history, newest first.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.hist.RecentRuns(limit)
	if err != nil {
		s.log.Error("history query failed", slog.Any("error", err))
		http.Error(w, "History unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleRunLogs returns the execution log of one run.
func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, "Missing run_id", http.StatusBadRequest)
		return
	}
	lines, err := s.hist.Logs(runID)
	if err != nil {
		s.log.Error("history query failed", slog.Any("error", err))
		http.Error(w, "History unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": lines})
}

type commandRequest struct {
	Reason string `json:"reason,omitempty"`
	Task   string `json:"task,omitempty"`
	Class  string `json:"class,omitempty"`
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	s.writeCommandResult(w, s.controller.Arm(r.Context(), req.Reason))
}

func (s *Server) handleDisarm(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	s.writeCommandResult(w, s.controller.Disarm(req.Reason))
}

// handlePermission resolves a capability request on behalf of the frontend.
// The decision itself is always 200; a denial is a valid decision, not an
// HTTP error.
func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	if req.Class == "" {
		http.Error(w, "Missing class", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.RequestPermission(r.Context(), req.Class, req.Reason))
}

func (s *Server) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	s.writeCommandResult(w, s.controller.StartTask(r.Context(), req.Task))
}

func (s *Server) handleTaskPause(w http.ResponseWriter, r *http.Request) {
	if _, ok := decodeCommand(w, r); !ok {
		return
	}
	s.writeCommandResult(w, s.controller.PauseTask())
}

func (s *Server) handleTaskResume(w http.ResponseWriter, r *http.Request) {
	if _, ok := decodeCommand(w, r); !ok {
		return
	}
	s.writeCommandResult(w, s.controller.ResumeTask())
}

func (s *Server) handleTaskStop(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	s.writeCommandResult(w, s.controller.StopTask(req.Reason))
}

// decodeCommand parses a POST command body. An empty body is allowed.
func decodeCommand(w http.ResponseWriter, r *http.Request) (commandRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return commandRequest{}, false
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return commandRequest{}, false
	}
	return req, true
}

// writeCommandResult maps domain errors to HTTP statuses. State-machine
// violations are conflicts; validation failures are bad requests; a refused
// capability is forbidden.
func (s *Server) writeCommandResult(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, runner.ErrEmptyTask), errors.Is(err, runner.ErrNoAPIKey):
		status = http.StatusBadRequest
	case errors.Is(err, runner.ErrAlreadyRunning), errors.Is(err, runner.ErrNotRunning),
		errors.Is(err, autopilot.ErrAlreadyArmed), errors.Is(err, autopilot.ErrNotArmed):
		status = http.StatusConflict
	case errors.Is(err, autopilot.ErrPermissionDenied):
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"status": "error", "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
