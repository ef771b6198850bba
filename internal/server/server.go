// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the standupd control API: context injection,
// restart, health, and log inspection for the supervised moshi process.
//
// Context submission and restart are serialized on a single operation lock,
// so concurrent clients never interleave a prompt render with a process
// restart. A request holding the lock blocks later ones; each accepted
// submission still triggers its own restart, last writer wins.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/personaplex/standupd/internal/health"
	"github.com/personaplex/standupd/internal/history"
	"github.com/personaplex/standupd/internal/prompt"
	"github.com/personaplex/standupd/internal/store"
	"github.com/personaplex/standupd/internal/supervisor"
)

// Version is stamped by the build; surfaced on the root endpoint.
var Version = "dev"

// MaxRequestBodySize bounds the decoded request body. Context size limits
// are enforced separately by the store.
const MaxRequestBodySize = 1 << 20 // 1MB

// ============================================================================
// DEPENDENCIES
// ============================================================================

// ProcessManager is the slice of the supervisor the API needs.
// Satisfied by *supervisor.Supervisor.
type ProcessManager interface {
	Restart(ctx context.Context) error
	Snapshot() supervisor.Snapshot
	Logs(n int) []string
}

// HealthChecker produces point-in-time health reports.
// Satisfied by *health.Monitor.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP control API.
type Server struct {
	port     int
	store    *store.Store
	renderer *prompt.Renderer
	proc     ProcessManager
	checker  HealthChecker
	audit    *history.Log
	limiter  *RateLimiter

	// opMu serializes the render-write-restart critical section across
	// POST /context and POST /restart.
	opMu sync.Mutex

	router *http.ServeMux
	server *http.Server
}

// New creates a Server. History and rate limiting are attached with the
// With* helpers.
func New(port int, st *store.Store, renderer *prompt.Renderer, proc ProcessManager, checker HealthChecker) *Server {
	s := &Server{
		port:     port,
		store:    st,
		renderer: renderer,
		proc:     proc,
		checker:  checker,
		router:   http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// WithHistory attaches the audit log. Without it, history recording is
// skipped and GET /history returns 503.
func (s *Server) WithHistory(l *history.Log) *Server {
	s.audit = l
	return s
}

// WithRateLimit enables per-IP rate limiting.
func (s *Server) WithRateLimit(perMinute int) *Server {
	if perMinute > 0 {
		s.limiter = NewRateLimiter(perMinute)
	}
	return s
}

// Port returns the listen port.
func (s *Server) Port() int {
	return s.port
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /{$}", s.handleRoot)
	s.router.HandleFunc("GET /context", s.handleContextGet)
	s.router.HandleFunc("POST /context", s.handleContextUpdate)
	s.router.HandleFunc("POST /restart", s.handleRestart)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /logs", s.handleLogs)
	s.router.HandleFunc("GET /history", s.handleHistory)
}

// ============================================================================
// REQUEST / RESPONSE TYPES
// ============================================================================

// ContextUpdateRequest is the POST /context payload.
type ContextUpdateRequest struct {
	Markdown  string `json:"markdown"`
	AgentName string `json:"agent_name"`
}

// ContextUpdateResponse reports what happened to a submission. Accepted and
// Restarted are independent: a stored context whose restart failed reports
// accepted=true restarted=false alongside the process state.
type ContextUpdateResponse struct {
	Accepted     bool   `json:"accepted"`
	Restarted    bool   `json:"restarted"`
	AgentName    string `json:"agent_name,omitempty"`
	OpID         string `json:"op_id,omitempty"`
	Error        string `json:"error,omitempty"`
	ProcessState string `json:"process_state,omitempty"`
	LastExitCode *int   `json:"last_exit_code,omitempty"`
}

// ContextGetResponse describes the active context.
type ContextGetResponse struct {
	Markdown              string    `json:"markdown"`
	AgentName             string    `json:"agent_name"`
	ReceivedAt            time.Time `json:"received_at"`
	RenderedPromptPreview string    `json:"rendered_prompt_preview"`
}

// HealthResponse is the GET /health payload. Always served with 200; the
// verdict lives in the body.
type HealthResponse struct {
	Status       string `json:"status"`
	MoshiRunning bool   `json:"moshi_running"`
	ProcessState string `json:"process_state"`
	PortOpen     bool   `json:"port_open"`
	UptimeSecs   *int64 `json:"uptime_seconds"`
	LastExitCode *int   `json:"last_exit_code"`
}

// ============================================================================
// HANDLERS
// ============================================================================

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "standupd",
		"version": Version,
		"endpoints": []string{
			"GET /context", "POST /context", "POST /restart",
			"GET /health", "GET /logs", "GET /history",
		},
	})
}

func (s *Server) handleContextUpdate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req ContextUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}

	if _, err := s.store.Submit(req.Markdown, req.AgentName); err != nil {
		var verr *store.ValidationError
		if errors.As(err, &verr) {
			s.recordSubmission(req.AgentName, len(req.Markdown), false)
			s.writeError(w, http.StatusBadRequest, verr.Message)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to store context")
		return
	}
	s.recordSubmission(req.AgentName, len(req.Markdown), true)

	resp, status := s.applyCurrentContext(r.Context())
	s.writeJSON(w, status, resp)
}

// applyCurrentContext renders the latest stored context, persists the prompt
// and restarts moshi, all under the operation lock. It re-reads the store
// inside the lock, so a submission that lost the race still gets the newest
// context applied.
func (s *Server) applyCurrentContext(ctx context.Context) (ContextUpdateResponse, int) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cur, _ := s.store.Current()
	rendered := s.renderer.Render(cur)
	if err := s.renderer.Write(rendered); err != nil {
		log.Printf("PROMPT_WRITE_FAILED | error=%v", err)
		return ContextUpdateResponse{
			Accepted:  true,
			Restarted: false,
			AgentName: cur.AgentName,
			Error:     "failed to persist rendered prompt",
		}, http.StatusInternalServerError
	}

	opID := uuid.NewString()

	// The restart must not be abandoned half-way when the client
	// disconnects; the process would be left down.
	restartCtx := context.WithoutCancel(ctx)
	if err := s.proc.Restart(restartCtx); err != nil {
		snap := s.proc.Snapshot()
		log.Printf("RESTART_FAILED | op=%s state=%s error=%v", opID, snap.State, err)
		s.recordRestart(opID, "failed", err.Error())
		return ContextUpdateResponse{
			Accepted:     true,
			Restarted:    false,
			AgentName:    cur.AgentName,
			OpID:         opID,
			Error:        err.Error(),
			ProcessState: snap.State.String(),
			LastExitCode: snap.LastExitCode,
		}, http.StatusInternalServerError
	}

	log.Printf("CONTEXT_APPLIED | op=%s agent=%s bytes=%d", opID, cur.AgentName, len(cur.Markdown))
	s.recordRestart(opID, "ok", "")
	return ContextUpdateResponse{
		Accepted:  true,
		Restarted: true,
		AgentName: cur.AgentName,
		OpID:      opID,
	}, http.StatusOK
}

func (s *Server) handleContextGet(w http.ResponseWriter, r *http.Request) {
	cur, ok := s.store.Current()
	if !ok {
		s.writeError(w, http.StatusNotFound, "No context has been submitted")
		return
	}

	s.writeJSON(w, http.StatusOK, ContextGetResponse{
		Markdown:              cur.Markdown,
		AgentName:             cur.AgentName,
		ReceivedAt:            cur.ReceivedAt,
		RenderedPromptPreview: s.renderer.Render(cur).Preview(500),
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	opID := uuid.NewString()
	restartCtx := context.WithoutCancel(r.Context())
	if err := s.proc.Restart(restartCtx); err != nil {
		snap := s.proc.Snapshot()
		log.Printf("RESTART_FAILED | op=%s state=%s error=%v", opID, snap.State, err)
		s.recordRestart(opID, "failed", err.Error())
		s.writeJSON(w, http.StatusInternalServerError, ContextUpdateResponse{
			Restarted:    false,
			OpID:         opID,
			Error:        err.Error(),
			ProcessState: snap.State.String(),
			LastExitCode: snap.LastExitCode,
		})
		return
	}

	log.Printf("RESTART_OK | op=%s", opID)
	s.recordRestart(opID, "ok", "")
	s.writeJSON(w, http.StatusOK, ContextUpdateResponse{Restarted: true, OpID: opID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.checker.Check(r.Context())

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:       string(rep.Status),
		MoshiRunning: rep.Running,
		ProcessState: rep.ProcessState.String(),
		PortOpen:     rep.PortOpen,
		UptimeSecs:   rep.UptimeSeconds,
		LastExitCode: rep.LastExitCode,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "n", 100)
	lines := s.proc.Logs(n)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"lines": lines,
		"count": len(lines),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeError(w, http.StatusServiceUnavailable, "History is not enabled")
		return
	}

	entries, err := s.audit.Recent(queryInt(r, "n", 50))
	if err != nil {
		log.Printf("HISTORY_QUERY_FAILED | error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": entries,
		"count":  len(entries),
	})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Handler returns the fully wired handler, middleware included. Exposed for
// tests via httptest.
func (s *Server) Handler() http.Handler {
	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		CORSMiddleware(DefaultCORSConfig()),
		LoggingMiddleware(),
	}
	if s.limiter != nil {
		middlewares = append(middlewares, RateLimitMiddleware(s.limiter))
	}
	return Chain(middlewares...)(s.router)
}

// Start runs the HTTP server until Shutdown. Binds all interfaces; the
// daemon runs inside a container and the port mapping is the boundary.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // restart under a cold model load is slow
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("SERVER_START | addr=%s version=%s", addr, Version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// recordSubmission writes to the audit log, best-effort.
func (s *Server) recordSubmission(agent string, size int, accepted bool) {
	if s.audit == nil {
		return
	}
	if agent == "" {
		agent = store.DefaultAgentName
	}
	if err := s.audit.RecordSubmission(agent, size, accepted); err != nil {
		log.Printf("HISTORY_WRITE_FAILED | kind=submission error=%v", err)
	}
}

// recordRestart writes to the audit log, best-effort.
func (s *Server) recordRestart(opID, outcome, detail string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.RecordRestart(opID, outcome, detail); err != nil {
		log.Printf("HISTORY_WRITE_FAILED | kind=restart error=%v", err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"code":    status,
		},
	})
}
