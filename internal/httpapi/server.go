// Package httpapi exposes the Orchestrator over HTTP: starting and stopping
// runs, reading a run's status, listing a thread's runs, and streaming a
// run's event feed over SSE with Last-Event-ID replay.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentrun/orchestrator/internal/eventbus"
	"github.com/agentrun/orchestrator/internal/observability"
	"github.com/agentrun/orchestrator/internal/ratelimit"
	"github.com/agentrun/orchestrator/internal/store"
	"github.com/agentrun/orchestrator/pkg/model"
)

// RunStarter is the subset of internal/orchestrator.Orchestrator the HTTP
// surface depends on, kept narrow so handlers are trivially testable with a
// fake.
type RunStarter interface {
	StartRun(ctx context.Context, threadID string, cfg model.RunConfig) (*model.Run, error)
	StopRun(runID string) error
	GetRun(runID string) (*model.Run, bool)
	ListRunsByThread(threadID string) []*model.Run
}

// Config configures the HTTP surface.
type Config struct {
	Addr          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration
	DefaultRun    model.RunConfig
	RunStart      ratelimit.Config
}

// Server is the agent run HTTP API.
type Server struct {
	cfg       Config
	orch      RunStarter
	bus       eventbus.Bus
	messages  store.MessageStore
	logger    *observability.Logger
	startRuns *ratelimit.Limiter

	httpServer *http.Server
	listener   net.Listener
}

// New builds a Server. Call Start to begin listening.
func New(cfg Config, orch RunStarter, bus eventbus.Bus, messages store.MessageStore, logger *observability.Logger) *Server {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.RunStart == (ratelimit.Config{}) {
		cfg.RunStart = ratelimit.DefaultConfig()
	}
	return &Server{cfg: cfg, orch: orch, bus: bus, messages: messages, logger: logger, startRuns: ratelimit.NewLimiter(cfg.RunStart)}
}

// Start begins serving in the background. It returns once the listener is
// bound; shutdown errors are logged, not returned.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/thread/", s.handleThreadRoutes)
	mux.HandleFunc("/agent-run/", s.handleRunRoutes)

	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()
	s.logger.Info(ctx, "http server listening", "addr", s.cfg.Addr)
	return nil
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn(ctx, "http server shutdown error", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleThreadRoutes dispatches:
//   POST /thread/{thread_id}/agent/start
//   GET  /thread/{thread_id}/agent-runs
func (s *Server) handleThreadRoutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/thread/"))
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	threadID := parts[0]

	switch {
	case len(parts) == 3 && parts[1] == "agent" && parts[2] == "start" && r.Method == http.MethodPost:
		s.startRun(w, r, threadID)
	case len(parts) == 2 && parts[1] == "agent-runs" && r.Method == http.MethodGet:
		s.listRuns(w, r, threadID)
	default:
		http.NotFound(w, r)
	}
}

// handleRunRoutes dispatches:
//   POST /agent-run/{run_id}/stop
//   GET  /agent-run/{run_id}/stream
//   GET  /agent-run/{run_id}
func (s *Server) handleRunRoutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/agent-run/"))
	if len(parts) < 1 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	runID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.getRun(w, r, runID)
	case len(parts) == 2 && parts[1] == "stop" && r.Method == http.MethodPost:
		s.stopRun(w, r, runID)
	case len(parts) == 2 && parts[1] == "stream" && r.Method == http.MethodGet:
		s.streamRun(w, r, runID)
	default:
		http.NotFound(w, r)
	}
}

type startRunRequest struct {
	Model            string `json:"model"`
	SystemPrompt     string `json:"system_prompt"`
	MaxIterations    int    `json:"max_iterations"`
	ToolMode         string `json:"tool_mode"`
	ExecuteOnStream  bool   `json:"execute_on_stream"`
	ParallelTools    *bool  `json:"parallel_tools"`
	TerminalToolName string `json:"terminal_tool_name"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request, threadID string) {
	if !s.startRuns.Allow(threadID) {
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", s.startRuns.WaitTime(threadID).Seconds()))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "agent run start rate limit exceeded for thread"})
		return
	}

	cfg := s.cfg.DefaultRun

	if r.Body != nil && r.ContentLength != 0 {
		var body startRunRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body: " + err.Error()})
			return
		}
		if body.Model != "" {
			cfg.Model = body.Model
		}
		if body.SystemPrompt != "" {
			cfg.SystemPrompt = body.SystemPrompt
		}
		if body.MaxIterations > 0 {
			cfg.MaxIterations = body.MaxIterations
		}
		if body.ToolMode == string(model.ToolModeXML) {
			cfg.ToolMode = model.ToolModeXML
		} else if body.ToolMode == string(model.ToolModeNative) {
			cfg.ToolMode = model.ToolModeNative
		}
		if body.ParallelTools != nil {
			cfg.ParallelTools = *body.ParallelTools
		}
		if body.TerminalToolName != "" {
			cfg.TerminalToolName = body.TerminalToolName
		}
		cfg.ExecuteOnStream = body.ExecuteOnStream
	}

	run, err := s.orch.StartRun(r.Context(), threadID, cfg)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) stopRun(w http.ResponseWriter, r *http.Request, runID string) {
	if _, ok := s.orch.GetRun(runID); !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "run not found"})
		return
	}
	if err := s.orch.StopRun(runID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "stop requested"})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, ok := s.orch.GetRun(runID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request, threadID string) {
	runs := s.orch.ListRunsByThread(threadID)
	if runs == nil {
		runs = []*model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// streamRun serves the run's event feed as SSE, replaying from the seq named
// by Last-Event-ID (or ?from_seq=) before joining the live stream.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, runID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	fromSeq := uint64(0)
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if v, err := strconv.ParseUint(lastID, 10, 64); err == nil {
			fromSeq = v + 1
		}
	} else if q := r.URL.Query().Get("from_seq"); q != "" {
		if v, err := strconv.ParseUint(q, 10, 64); err == nil {
			fromSeq = v
		}
	}

	ctx := r.Context()
	events, err := s.bus.Subscribe(ctx, runID, fromSeq)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				s.logger.Debug(ctx, "sse write failed", "run_id", runID, "error", err)
				return
			}
			flusher.Flush()
			if ev.Type == model.EventEnd {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
