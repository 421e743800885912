// Package dashboard serves a JSON status API for the engine: the job queue
// and the latest market snapshot, for operator inspection while the
// interactive loop owns the terminal.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/mananvora/nifty_strangler/internal/engine"
)

// Server exposes the engine's job registry and latest snapshot over HTTP.
type Server struct {
	router *chi.Mux
	server *http.Server
	engine *engine.Engine
	logger *logrus.Logger
	port   int
}

// Config holds the dashboard server settings.
type Config struct {
	Port int
}

// NewServer creates a dashboard server over the given engine.
func NewServer(cfg Config, eng *engine.Engine, logger *logrus.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		engine: eng,
		logger: logger,
		port:   cfg.Port,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/jobs", s.handleJobs)
	s.router.Get("/api/snapshot", s.handleSnapshot)
}

// Start runs the HTTP server; it blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":  "ok",
		"pending": s.engine.Pending(),
		"time":    time.Now().UTC(),
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.engine.Jobs())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.engine.Snapshot()
	if snapshot == nil {
		http.Error(w, "no snapshot yet", http.StatusNotFound)
		return
	}
	s.writeJSON(w, snapshot)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
