// Package api assembles the read-only investigator HTTP server: the REST run
// views, the progress WebSocket and the Prometheus endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-investigator/internal/api/middleware"
	"github.com/kubilitics/kubilitics-investigator/internal/api/rest"
	"github.com/kubilitics/kubilitics-investigator/internal/api/ws"
)

// Options configures the server.
type Options struct {
	// Root is the workspace root holding one directory per run.
	Root string

	// Index is the optional SQL mirror used for run listings.
	Index rest.RunIndex

	AllowedOrigins     []string
	RateLimitPerMinute int
	EnableMetrics      bool
	Logger             *zap.Logger
}

// Server is the HTTP server of the investigator.
type Server struct {
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	logger     *zap.Logger
}

// NewServer builds the router and an http.Server listening on addr.
func NewServer(addr string, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	limiter := middleware.NewRateLimiter(opts.RateLimitPerMinute)
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      newHandler(opts, limiter),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		limiter: limiter,
		logger:  opts.Logger,
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	defer s.limiter.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func newHandler(opts Options, limiter *middleware.RateLimiter) http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.Correlation, middleware.Recover(opts.Logger), middleware.Logging(opts.Logger))

	rest.SetupRoutes(router, rest.NewHandler(opts.Root, opts.Index, opts.Logger))
	router.Handle("/ws/runs/{id}/progress", ws.NewHandler(opts.Root, opts.AllowedOrigins, opts.Logger)).Methods("GET")
	if opts.EnableMetrics {
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", middleware.CorrelationHeader},
		ExposedHeaders:   []string{middleware.CorrelationHeader},
		AllowCredentials: true,
	})
	return c.Handler(limiter.Middleware(router))
}
