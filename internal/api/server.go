// Package api implements the TaskBot HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"taskbot/internal/auth"
	"taskbot/internal/chat"
	"taskbot/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	orch     *chat.Orchestrator
	store    *store.SQLiteStore
	verifier *auth.Verifier
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, orch *chat.Orchestrator, st *store.SQLiteStore, verifier *auth.Verifier, logger *slog.Logger) *Server {
	return &Server{
		address:  address,
		port:     port,
		orch:     orch,
		store:    st,
		verifier: verifier,
		logger:   logger,
	}
}

// Handler builds the full route tree. Exposed for httptest-driven
// tests; Start uses it for the real listener.
func (s *Server) Handler() http.Handler {
	// Everything under /api requires a bearer token; the middleware
	// resolves the caller identity once and the handlers thread it
	// explicitly from there.
	api := http.NewServeMux()

	api.HandleFunc("POST /api/chat", s.handleChat)
	api.HandleFunc("GET /api/conversations", s.handleConversationList)
	api.HandleFunc("GET /api/conversations/{id}", s.handleConversationGet)
	api.HandleFunc("DELETE /api/conversations/{id}", s.handleConversationDelete)

	api.HandleFunc("POST /api/tasks", s.handleTaskCreate)
	api.HandleFunc("GET /api/tasks", s.handleTaskList)
	api.HandleFunc("GET /api/tasks/{id}", s.handleTaskGet)
	api.HandleFunc("PATCH /api/tasks/{id}", s.handleTaskUpdate)
	api.HandleFunc("POST /api/tasks/{id}/toggle", s.handleTaskToggle)
	api.HandleFunc("DELETE /api/tasks/{id}", s.handleTaskDelete)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.verifier.Middleware(api))
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // agent turns can run up to their 30s budget
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// identity pulls the authenticated caller from the request context.
// The middleware guarantees presence on /api routes; the guard is a
// backstop against future routing mistakes.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		s.errorResponse(w, http.StatusUnauthorized, "missing authentication")
		return auth.Identity{}, false
	}
	return id, true
}
