// Package server assembles the HTTP surface of the key daemon: routing,
// middleware, health probes, and graceful lifecycle.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cavelabs/caved/internal/handler"
	"github.com/cavelabs/caved/internal/openapi"
	"github.com/cavelabs/caved/internal/server/middleware"
	"github.com/cavelabs/caved/internal/service"
	"github.com/cavelabs/caved/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host             string
	Port             int
	ShutdownTimeout  time.Duration
	CORSOrigins      []string
	IPRequestsPerMin int // anonymous per-IP ceiling in front of auth
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             8080,
		ShutdownTimeout:  30 * time.Second,
		CORSOrigins:      []string{"*"},
		IPRequestsPerMin: 600,
	}
}

// Server is the top-level HTTP server for the key daemon. It owns the Chi
// router, the key store, and the key lifecycle service.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *store.Store
	svc        *service.KeyService
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, st *store.Store, svc *service.KeyService, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		svc:    svc,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", handler.WebhookSignatureHeader},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/metrics", s.handleMetrics)

	// --- OpenAPI spec (no auth required) ---
	r.Get("/openapi.json", s.handleOpenAPI)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.IPRateLimit(s.cfg.IPRequestsPerMin))

		keysHandler := handler.NewKeysHandler(s.svc)

		r.Route("/auth/keys", func(r chi.Router) {
			// Issuance bootstraps unauthenticated on an empty store; after
			// the first key exists it requires an admin bearer token, which
			// the handler enforces.
			r.With(
				middleware.AllowBootstrap(s.svc),
				middleware.KeyRateLimit(s.svc),
			).Post("/", keysHandler.Create)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Authenticate(s.svc))
				r.Use(middleware.KeyRateLimit(s.svc))
				r.Use(middleware.RequireAdmin())

				r.Get("/", keysHandler.List)
				r.Post("/rotate", keysHandler.Rotate)
				r.Post("/rotated", keysHandler.VerifyRotated)
				r.Delete("/{id}", keysHandler.Revoke)
			})
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the key store is
// reachable, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	if err := s.store.Ping(r.Context()); err != nil {
		checks["store"] = "error: " + err.Error()
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// handleMetrics is a placeholder metrics endpoint.
// TODO: replace with a Prometheus registry once operational counters exist.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("# metrics collection not yet implemented\n"))
}

// handleOpenAPI serves the generated OpenAPI 3.1 document.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	doc, err := openapi.Generate()
	if err != nil {
		http.Error(w, "failed to generate spec: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(doc)
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before closing the key store.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close failed", "error", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
