package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/compose/internal/blobstore"
	"github.com/seantiz/compose/internal/composite"
	"github.com/seantiz/compose/internal/dispatch"
	"github.com/seantiz/compose/internal/simrun"
	"github.com/seantiz/compose/internal/store"
	"github.com/seantiz/compose/internal/stream"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Deps are the collaborators the HTTP API serves.
type Deps struct {
	Store      store.Store
	Dispatcher *dispatch.Dispatcher
	Executor   *stream.Executor
	Nodes      *composite.Registry
	Simulators *simrun.Registry
	Blobs      blobstore.Store
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router     *chi.Mux
	store      store.Store
	dispatcher *dispatch.Dispatcher
	executor   *stream.Executor
	nodes      *composite.Registry
	sims       *simrun.Registry
	blobs      blobstore.Store
	logger     *slog.Logger
	addr       string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router:     chi.NewRouter(),
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		executor:   deps.Executor,
		nodes:      deps.Nodes,
		sims:       deps.Simulators,
		blobs:      deps.Blobs,
		logger:     logger,
		addr:       addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/addresses", s.handleListAddresses)
	s.router.Get("/v1/simulators", s.handleListSimulators)
	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/stream", s.handleStream)

	s.router.Route("/v1/compositions", func(r chi.Router) {
		r.Post("/", s.handleSubmitComposition)
		r.Post("/validate", s.handleValidate)
	})
	s.router.Post("/v1/runs", s.handleSubmitRun)
	s.router.Post("/v1/models", s.handleUploadModel)

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/result-state", s.handleGetResultState)
		r.Get("/{id}/updates", s.handleStreamUpdates)
		r.Get("/{id}/updates/history", s.handleGetUpdateHistory)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx))
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
