// Package api provides HTTP handlers and the main API server logic for FlowRelay.
//
// It exposes the narrow contracts consumed by channel adapters and
// cross-process callers: message ingestion, active-flow lookup, phone
// verification linking, and administrative flow cleanup.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/CanopyChat/FlowRelay/internal/identity"
	"github.com/CanopyChat/FlowRelay/internal/ingest"
	"github.com/CanopyChat/FlowRelay/internal/session"
)

// Server configuration constants
const (
	// DefaultAddr is the default listen address for the API server
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadHeaderTimeout bounds slow client headers
	DefaultReadHeaderTimeout = 5 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address for the API server.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// Server wires the front door, reconciler and resolver behind HTTP endpoints.
type Server struct {
	frontDoor  *ingest.FrontDoor
	reconciler *session.Reconciler
	resolver   *identity.Resolver
	httpServer *http.Server
}

// NewServer creates an API server over the given collaborators.
func NewServer(frontDoor *ingest.FrontDoor, reconciler *session.Reconciler, resolver *identity.Resolver, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	s := &Server{
		frontDoor:  frontDoor,
		reconciler: reconciler,
		resolver:   resolver,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", s.messageHandler)
	mux.HandleFunc("GET /sessions/{id}/flow", s.activeFlowHandler)
	mux.HandleFunc("POST /sessions/{id}/verify", s.verifyPhoneHandler)
	mux.HandleFunc("POST /admin/flows/cleanup", s.cleanupHandler)
	mux.HandleFunc("GET /health", s.healthHandler)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	return s
}

// Run starts the HTTP server and blocks until the context is canceled or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("FlowRelay API listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("FlowRelay API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Handler exposes the configured mux, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
