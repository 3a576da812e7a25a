// Package server provides the HTTP server for the posekit detector service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ayusman/posekit/internal/events"
	"github.com/ayusman/posekit/internal/logger"
	"github.com/ayusman/posekit/internal/metrics"
	"github.com/ayusman/posekit/internal/pipeline"
	"github.com/ayusman/posekit/internal/server/api"
	"github.com/ayusman/posekit/internal/session"
	"github.com/ayusman/posekit/internal/store"
	"github.com/ayusman/posekit/internal/transform"
)

// Config holds the server configuration. Nil components disable their
// routes.
type Config struct {
	StaticDir string
	Registry  *session.Registry
	Pipeline  *pipeline.Pipeline
	Hub       *events.Hub
	Store     *store.Store
	Metrics   *metrics.Manager
	Preview   Preview
	Logger    logger.Logger

	// DefaultView seeds the view parameters of sessions created over HTTP.
	DefaultView transform.Params
}

// Server represents the HTTP server for the posekit application.
type Server struct {
	config Config
	router *mux.Router
	log    logger.Logger
	start  time.Time
	http   *http.Server
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		router: mux.NewRouter(),
		log:    config.Logger,
		start:  time.Now(),
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/health", s.handleHealth)
	s.router.Handle("/metrics", s.config.Metrics.Handler()).Methods(http.MethodGet)

	if s.config.Registry != nil && s.config.Pipeline != nil {
		api.NewDetectorHandler(s.config.Registry, s.config.Pipeline, s.config.DefaultView).Register(s.router)
		api.NewDetectHandler(s.config.Pipeline, "").Register(s.router)
	}

	if s.config.Registry != nil && s.config.Hub != nil {
		eventsHandler := NewEventsHandler(s.config.Registry, s.config.Hub, s.log)
		s.router.Handle("/api/detectors/{handle:[0-9]+}/events", eventsHandler).Methods(http.MethodGet)
	}

	if s.config.Store != nil {
		api.NewHistoryHandler(s.config.Store).Register(s.router)
	}

	if s.config.Preview != nil {
		stream := NewStreamHandler(s.config.Preview)
		s.router.Handle("/api/stream", stream).Methods(http.MethodGet)
		s.router.HandleFunc("/api/stream/snapshot", stream.ServeSnapshot).Methods(http.MethodGet)
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.router.PathPrefix("/").Handler(fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(s.start)

	response := map[string]interface{}{
		"status": "ok",
		"uptime": uptime.String(),
	}
	if s.config.Registry != nil {
		response["detectors"] = s.config.Registry.Len()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// ListenAndServe starts the HTTP server on the given address. It returns
// nil after Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info(context.Background(), "http server listening", logger.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops a server started with ListenAndServe.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
