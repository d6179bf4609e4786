package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/qualys/vmgraph/internal/auth"
	"github.com/qualys/vmgraph/internal/config"
	"github.com/qualys/vmgraph/internal/graph"
	"github.com/qualys/vmgraph/internal/models"
	"github.com/qualys/vmgraph/internal/pipeline"
	"github.com/qualys/vmgraph/internal/queue"
	"github.com/qualys/vmgraph/internal/reports"
	"github.com/qualys/vmgraph/internal/scheduler"
)

// RunReader reads run history. *store.Store satisfies it.
type RunReader interface {
	GetRun(ctx context.Context, id uuid.UUID) (*models.SyncRun, error)
	ListRuns(ctx context.Context, statuses []models.RunStatus, limit int) ([]models.SyncRun, error)
	ListStageResults(ctx context.Context, runID uuid.UUID) ([]models.SyncStageResult, error)
}

// Syncer starts and stops runs. *syncer.Service satisfies it.
type Syncer interface {
	Stages() []pipeline.Descriptor
	Trigger(ctx context.Context, trigger, triggeredBy string) (*models.SyncRun, error)
	Cancel(ctx context.Context, runID uuid.UUID) error
}

// QueueInspector exposes live queue state. *queue.Queue satisfies it.
type QueueInspector interface {
	GetQueueStats(ctx context.Context) (map[string]int64, error)
	GetProgress(ctx context.Context, jobID uuid.UUID) (*queue.JobProgress, error)
	GetActiveWorkers(ctx context.Context, timeout time.Duration) ([]string, error)
}

// Deps are the collaborators the handlers serve. Queue may be nil.
type Deps struct {
	Runs      RunReader
	Syncer    Syncer
	Scheduler *scheduler.Scheduler
	Auth      *auth.Service
	Queue     QueueInspector
	// Graph backs /graph/stats when set.
	Graph graph.Counter
	// Checks are run by /ready, keyed by dependency name.
	Checks map[string]func(ctx context.Context) error
}

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger

	runs        RunReader
	syncer      Syncer
	scheduler   *scheduler.Scheduler
	authService *auth.Service
	queue       QueueInspector
	graph       graph.Counter
	checks      map[string]func(ctx context.Context) error

	reportGenerator *reports.Generator
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, deps Deps, opts ...ServerOption) (*Server, error) {
	if deps.Runs == nil || deps.Syncer == nil || deps.Scheduler == nil || deps.Auth == nil {
		return nil, fmt.Errorf("api server requires runs, syncer, scheduler and auth")
	}

	s := &Server{
		cfg:         cfg,
		router:      chi.NewRouter(),
		logger:      slog.Default(),
		runs:        deps.Runs,
		syncer:      deps.Syncer,
		scheduler:   deps.Scheduler,
		authService: deps.Auth,
		queue:       deps.Queue,
		graph:       deps.Graph,
		checks:      deps.Checks,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.reportGenerator = reports.NewGenerator(deps.Runs)

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

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/token", s.issueToken)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Get("/stages", s.listStages)

			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.listRuns)
				r.With(auth.RequireRole(auth.RoleAdmin)).Post("/", s.triggerRun)
				r.Get("/{runID}", s.getRun)
				r.Get("/{runID}/stages", s.getRunStages)
				r.Get("/{runID}/report", s.getRunReport)
				r.With(auth.RequireRole(auth.RoleAdmin)).Post("/{runID}/cancel", s.cancelRun)
			})

			r.Get("/reports/history", s.getHistoryReport)
			r.Get("/queue/stats", s.getQueueStats)
			r.Get("/graph/stats", s.getGraphStats)

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.listScheduledJobs)
				r.Get("/{jobID}", s.getScheduledJob)
				r.Get("/{jobID}/executions", s.getJobExecutions)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(auth.RoleAdmin))
					r.Post("/", s.createScheduledJob)
					r.Put("/{jobID}", s.updateScheduledJob)
					r.Delete("/{jobID}", s.deleteScheduledJob)
					r.Post("/{jobID}/run", s.runScheduledJobNow)
				})
			})
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total int `json:"total,omitempty"`
	Limit int `json:"limit,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, name+"_unavailable", fmt.Sprintf("%s not available: %v", name, err))
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
