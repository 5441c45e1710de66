// Package api exposes the control plane's HTTP surface: task submission
// (which drives the agent loop), session history, pool status, and
// operational endpoints. Grounded on the teacher's internal/api package
// (server.go, health.go, metrics.go, stats.go, workload.go), generalized
// from workload submission/polling to task submission/session history.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/neurovisor/control-plane/internal/agent"
	"github.com/neurovisor/control-plane/internal/pool"
	"github.com/neurovisor/control-plane/internal/ratelimit"
	"github.com/neurovisor/control-plane/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 180 * time.Second // tasks can run the full agent loop inline
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router  *chi.Mux
	store   store.Store
	pool    *pool.Pool
	loop    *agent.Loop
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	addr    string
	model   string
	sysPrompt string
	maxIterations int
}

// New creates and configures a new HTTP server.
func New(addr string, s store.Store, p *pool.Pool, loop *agent.Loop, limiter *ratelimit.Limiter, modelName, systemPrompt string, maxIterations int, logger *slog.Logger) *Server {
	srv := &Server{
		router:        chi.NewRouter(),
		store:         s,
		pool:          p,
		loop:          loop,
		limiter:       limiter,
		logger:        logger,
		addr:          addr,
		model:         modelName,
		sysPrompt:     systemPrompt,
		maxIterations: maxIterations,
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

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/pool/status", s.handlePoolStatus)

	s.router.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleSubmitTask)
		r.Get("/", s.handleListSessions)
		r.Get("/{trace_id}", s.handleGetSession)
		r.Get("/{trace_id}/logs", s.handleStreamLogs)
	})
}

// Router returns the chi router, for tests that want to drive it directly.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal arrives.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

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
