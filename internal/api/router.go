// Package api provides the HTTP control API of the automaker daemon.
package api

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/automaker/orchestrator/internal/events"
	"github.com/automaker/orchestrator/internal/scheduler"
	"github.com/automaker/orchestrator/internal/store"
)

// requestTimeout bounds every /api request. The websocket route is exempt.
const requestTimeout = 60 * time.Second

// Options wires the server to its collaborators.
type Options struct {
	Scheduler *scheduler.Scheduler
	Store     store.Store

	// Prepare runs before a project's loop starts, e.g. to begin watching
	// its feature files. Optional.
	Prepare func(ctx context.Context, projectPath string) error

	// History serves /api/history when set.
	History *events.History

	// Hub is mounted at /ws when set.
	Hub http.Handler

	// AllowedOrigins for CORS (default: localhost on any port).
	AllowedOrigins []string

	// Logger for request logs (default: stderr logger).
	Logger *log.Logger
}

// Server represents the API server.
type Server struct {
	opts   Options
	router chi.Router
	logger *log.Logger
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}

	s := &Server{opts: opts, logger: opts.Logger}
	s.setupRouter()
	return s
}

// setupRouter configures all routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	if s.opts.Hub != nil {
		r.Handle("/ws", s.opts.Hub)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Route("/auto", func(r chi.Router) {
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Get("/status", s.handleStatus)
			r.Post("/trigger", s.handleTrigger)
			r.Post("/resume-interrupted", s.handleResumeInterrupted)
		})

		r.Route("/features", func(r chi.Router) {
			r.Get("/", s.handleListFeatures)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetFeature)
				r.Post("/stop", s.handleStopFeature)
				r.Post("/resume", s.handleResumeFeature)
				r.Post("/discard", s.handleDiscardFeature)
			})
		})

		r.Get("/resolve", s.handleResolve)
		r.Get("/history", s.handleHistory)
	})

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}
