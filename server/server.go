// Package server exposes an Engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-serve/engine"
)

const readHeaderTimeout = 10 * time.Second

// Config groups the HTTP listener settings.
type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // grace period for in-flight requests
	RetryAfter      time.Duration `yaml:"retry_after"`      // Retry-After hint when the queue is full
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// DefaultConfig returns the listener settings used when nothing overrides them.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8000,
		ShutdownTimeout: 10 * time.Second,
		RetryAfter:      time.Second,
		MaxBodyBytes:    1 << 20,
	}
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server wraps the chi router and the engine it serves.
type Server struct {
	cfg      Config
	router   *chi.Mux
	engine   *engine.Engine
	registry *prometheus.Registry
	metrics  *httpMetrics
}

// New creates a Server and registers the engine's metrics with a fresh
// Prometheus registry served at /metrics.
func New(cfg Config, eng *engine.Engine) (*Server, error) {
	reg := prometheus.NewRegistry()
	if err := eng.Metrics().Register(reg); err != nil {
		return nil, err
	}
	hm := newHTTPMetrics()
	if err := hm.register(reg); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		engine:   eng,
		registry: reg,
		metrics:  hm,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(loggingMiddleware)
	s.router.Use(s.metrics.middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", s.metricsHandler())

	s.router.Post("/generate", s.handleGenerate)
	s.router.Get("/stats", s.handleStats)
	s.router.Post("/abort/{id}", s.handleAbort)
}

// Router returns the chi router, for tests and embedding.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ctx, lis)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("server listening on %s", lis.Addr())
		if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logrus.Infof("server stopped")
	return nil
}

// loggingMiddleware logs each request through logrus.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logrus.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Info("request")
	})
}
