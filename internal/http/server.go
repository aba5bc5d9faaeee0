// Package http serves the control API: health, metrics, job inspection,
// human overrides, the admission switch and the GitHub webhook.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/config"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
	"github.com/fyrsmithlabs/issuepilot/internal/logging"
)

// JobStore is the read side of the job store plus what overrides need.
type JobStore interface {
	GetJob(ctx context.Context, id int64) (*job.Job, error)
	ListByStatus(ctx context.Context, statuses ...job.Status) ([]*job.Job, error)
	ListIterations(ctx context.Context, jobID int64) ([]job.IterationRecord, error)
	ListAudit(ctx context.Context, jobID int64) ([]job.AuditEntry, error)
}

// Overrides records a human decision to run a finished job again.
type Overrides interface {
	RecordHumanOverride(ctx context.Context, j *job.Job, feedback string) error
}

// Admission is the admission controller's control surface.
type Admission interface {
	SetEnabled(on bool)
	Enabled() bool
	Trigger()
}

// Policies reports which repositories are managed.
type Policies interface {
	Policy(repo job.RepoRef) (job.RepositoryPolicy, bool)
}

// Health reports optional component state for /health.
type Health func() map[string]any

// Deps are the server's collaborators.
type Deps struct {
	Store     JobStore
	Overrides Overrides
	Admission Admission
	Policies  Policies
	Health    Health
}

// Config holds HTTP server configuration.
type Config struct {
	Host          string
	Port          int
	WebhookSecret config.Secret
	// WebhookRate is requests per second per client IP. Zero means 1.
	WebhookRate  float64
	WebhookBurst int
	Version      string
}

// Server provides the control API.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *logging.Logger
	config  Config
	limits  *ipLimiter
	metrics *HTTPMetrics
}

// NewServer creates a server with routes registered.
func NewServer(deps Deps, logger *logging.Logger, cfg Config) (*Server, error) {
	if deps.Store == nil || deps.Admission == nil {
		return nil, errors.New("store and admission are required")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.WebhookRate <= 0 {
		cfg.WebhookRate = 1
	}
	if cfg.WebhookBurst <= 0 {
		cfg.WebhookBurst = 10
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		limits:  newIPLimiter(cfg.WebhookRate, cfg.WebhookBurst, time.Hour),
		metrics: NewHTTPMetrics(logger),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := logging.WithRequestID(c.Request().Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(c.Request().WithContext(ctx))
			err := next(c)
			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)))
			return err
		}
	})

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.POST("/webhook", s.handleWebhook)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/jobs", s.handleListJobs)
	v1.GET("/jobs/:id", s.handleGetJob)
	v1.POST("/jobs/:id/retry", s.handleRetry)
	v1.GET("/admission", s.handleGetAdmission)
	v1.POST("/admission", s.handleSetAdmission)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version,omitempty"`
	Admission  bool           `json:"admission_enabled"`
	Components map[string]any `json:"components,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:    "ok",
		Version:   s.config.Version,
		Admission: s.deps.Admission.Enabled(),
	}
	if s.deps.Health != nil {
		resp.Components = s.deps.Health()
	}
	return c.JSON(http.StatusOK, resp)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
