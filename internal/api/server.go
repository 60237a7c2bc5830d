package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/qualys/sbcompliance/internal/auth"
	"github.com/qualys/sbcompliance/internal/config"
	"github.com/qualys/sbcompliance/internal/models"
	"github.com/qualys/sbcompliance/internal/scheduler"
	"github.com/qualys/sbcompliance/internal/supabase"
)

type ProjectLister interface {
	ListProjects(ctx context.Context, credential string) ([]supabase.Project, error)
}

type ComplianceChecker interface {
	Run(ctx context.Context, projectRef, credential string) *models.ComplianceReport
}

type ComplianceFixer interface {
	Run(ctx context.Context, projectRef, credential string, req models.FixRequest) *models.FixResult
}

type EvidenceStore interface {
	Record(ctx context.Context, action string, status models.EvidenceStatus, details map[string]any, projectRef string) string
	ListForProject(ref string) ([]models.EvidenceRecord, error)
	ListAll() []models.EvidenceRecord
	Ready() error
}

// RecentEvidence serves the most recent records of a project from the
// shared evidence feed.
type RecentEvidence interface {
	Recent(ctx context.Context, ref string, n int64) ([]models.EvidenceRecord, error)
}

type EvidenceStreamer interface {
	Stream(w http.ResponseWriter, r *http.Request, ref string)
}

type Monitor interface {
	Start()
	Stop() context.Context
	RunNow(ctx context.Context) (*scheduler.Run, error)
	LastRun() *scheduler.Run
}

// Dependencies are the services behind the HTTP surface. Recent, Stream,
// Monitor and Gatherer are optional.
type Dependencies struct {
	Projects ProjectLister
	Checks   ComplianceChecker
	Fixes    ComplianceFixer
	Evidence EvidenceStore
	Recent   RecentEvidence
	Stream   EvidenceStreamer
	Monitor  Monitor
	Gatherer prometheus.Gatherer
}

type Server struct {
	cfg    *config.Config
	deps   Dependencies
	router *chi.Mux
	http   *http.Server
	logger *zap.Logger
}

type ServerOption func(*Server)

func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, deps Dependencies, opts ...ServerOption) (*Server, error) {
	if deps.Projects == nil || deps.Checks == nil || deps.Fixes == nil || deps.Evidence == nil {
		return nil, errors.New("api: projects, checks, fixes and evidence are required")
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: chi.NewRouter(),
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("api")

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(s.recoverer)
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	origins := s.cfg.Server.CORSAllowOrigin
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		origins = []string{"*"}
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", auth.TokenHeader},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	})
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	if s.cfg.Metrics.Enabled && s.deps.Gatherer != nil {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

			r.Post("/auth/validate", s.validateToken)
			r.Get("/compliance/fixes", s.listFixDefinitions)

			r.Group(func(r chi.Router) {
				r.Use(auth.Middleware)

				r.Get("/projects", s.listProjects)

				r.Route("/compliance", func(r chi.Router) {
					r.Get("/check/{projectRef}", s.checkCompliance)
					r.Post("/fix/{projectRef}", s.fixCompliance)
					r.Get("/report/{projectRef}", s.complianceReport)
				})

				r.Route("/evidence", func(r chi.Router) {
					r.Get("/logs", s.listEvidence)
					r.Get("/logs/{projectRef}", s.listProjectEvidence)
					r.Get("/recent/{projectRef}", s.recentEvidence)
				})

				r.Route("/monitor", func(r chi.Router) {
					r.Get("/", s.monitorStatus)
					r.Post("/run", s.runMonitor)
				})
			})
		})

		// Streams outlive the request timeout.
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)
			r.Get("/evidence/stream/{projectRef}", s.streamEvidence)
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	if s.deps.Monitor != nil {
		s.deps.Monitor.Start()
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if s.deps.Monitor != nil {
			s.deps.Monitor.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": now(),
		"version":   s.cfg.Server.Version,
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Evidence.Ready(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "unavailable",
			"error":     err.Error(),
			"timestamp": now(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"timestamp": now(),
	})
}
