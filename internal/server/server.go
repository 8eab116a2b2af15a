// Package server exposes the enrichment service over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/versified/issuer-enrichment/internal/config"
	"github.com/versified/issuer-enrichment/internal/enrichment"
	"github.com/versified/issuer-enrichment/internal/model"
)

// Service is the enrichment surface served over HTTP.
type Service interface {
	Request(ctx context.Context, req enrichment.EnrichmentRequest) (*enrichment.RequestResult, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	Get(ctx context.Context, issuer string, includeExpired bool) (*model.IssuerRecord, error)
	GetMany(ctx context.Context, issuers []string, includeExpired bool) (map[string]*model.IssuerRecord, error)
	Override(ctx context.Context, req enrichment.OverrideRequest) error
	CleanupStaleJobs(ctx context.Context, staleSeconds int64, action string) (int, error)
	Validate(ctx context.Context, modelName string) (*enrichment.ValidateResult, error)
}

const shutdownTimeout = 10 * time.Second

// Server is the HTTP API.
type Server struct {
	svc    Service
	cfg    config.ServerConfig
	router chi.Router
}

// New creates a Server and mounts its routes.
func New(svc Service, cfg config.ServerConfig) *Server {
	s := &Server{svc: svc, cfg: cfg}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/llm/validate", s.handleValidate)

		r.Route("/issuer/enrichment", func(r chi.Router) {
			r.Post("/", s.handleRequest)
			r.Post("/batch", s.handleBatch)
			r.Post("/override", s.handleOverride)
			r.Post("/jobs/cleanup", s.handleCleanup)
			r.Get("/jobs/{jobID}", s.handleGetJob)
			r.Get("/{issuer}", s.handleGet)
		})
	})
	return r
}

// Run serves on the configured port until ctx is cancelled.
func (s *Server) Run(ctx context.Context, port int) error {
	if port == 0 {
		port = s.cfg.Port
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- eris.Wrap(err, "server: listen")
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server: shutdown")
	}
	return <-errCh
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
