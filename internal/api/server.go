// Package api exposes the engine over HTTP: event ingestion, enrollment
// cancellation, unenrollment, and read-only status endpoints.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/automation-engine/internal/automation"
	"github.com/ignite/automation-engine/internal/config"
)

// Server is the HTTP front of the engine.
type Server struct {
	config config.ServerConfig
	engine *automation.Engine
	db     *sql.DB
	server *http.Server
}

// NewServer creates the API server.
func NewServer(cfg config.ServerConfig, engine *automation.Engine, db *sql.DB) *Server {
	s := &Server{
		config: cfg,
		engine: engine,
		db:     db,
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.GetHost(), cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
