package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/heimgewebe/plexer/internal/dispatch"
	plexererrors "github.com/heimgewebe/plexer/internal/errors"
	"github.com/heimgewebe/plexer/internal/observability"
	"github.com/heimgewebe/plexer/internal/queue"
)

// Deps carries everything the HTTP surface reads or invokes.
type Deps struct {
	Env            string
	Dispatcher     *dispatch.Dispatcher
	Queue          *queue.Queue
	Metrics        *observability.Metrics
	Collector      *plexererrors.Collector
	MaxBodyBytes   int64
	DebugEndpoints bool
}

// Server is the ingress HTTP server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates the ingress server. Pass port=0 to let the OS pick a
// free port (useful for tests). When DebugEndpoints is set, the delivery
// error and queue state debug routes are registered.
func NewServer(host string, port int, deps Deps) *Server {
	h := &handlers{deps: deps}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requestLogger)
	r.Use(decompressBody)

	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)
	r.Get("/status", h.handleStatus)
	r.Post("/events", h.handleEvents)

	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	if deps.DebugEndpoints {
		r.Get("/debug/errors", h.handleDebugErrors)
		r.Get("/debug/queue", h.handleDebugQueue)
	}

	r.NotFound(h.handleNotFound)
	r.MethodNotAllowed(h.handleNotFound)

	return &Server{
		httpServer: &http.Server{
			Addr:           fmt.Sprintf("%s:%d", host, port),
			Handler:        r,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
	}
}

// Start begins listening and serving HTTP in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln
	// Update Addr to the actual address (important when port=0).
	s.httpServer.Addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("ingress server exited", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
