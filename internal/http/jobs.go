package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/budget"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
	"github.com/fyrsmithlabs/issuepilot/internal/store"
)

// JobDetail is the response body for GET /api/v1/jobs/:id.
type JobDetail struct {
	*job.Job
	Iterations []job.IterationRecord `json:"iterations"`
	Audit      []job.AuditEntry      `json:"audit"`
}

// RetryRequest is the request body for POST /api/v1/jobs/:id/retry.
type RetryRequest struct {
	Feedback string `json:"feedback" validate:"max=20000"`
}

// AdmissionRequest is the request body for POST /api/v1/admission.
type AdmissionRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// AdmissionResponse reports the admission switch.
type AdmissionResponse struct {
	Enabled bool `json:"enabled"`
}

// handleListJobs lists jobs, optionally filtered by ?status=A,B.
func (s *Server) handleListJobs(c echo.Context) error {
	var statuses []job.Status
	if raw := c.QueryParam("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := job.Status(strings.ToUpper(strings.TrimSpace(part)))
			if !st.Valid() {
				return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+part)
			}
			statuses = append(statuses, st)
		}
	}
	jobs, err := s.deps.Store.ListByStatus(c.Request().Context(), statuses...)
	if err != nil {
		return s.internal(c, "list jobs", err)
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) handleGetJob(c echo.Context) error {
	j, err := s.loadJob(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	its, err := s.deps.Store.ListIterations(ctx, j.ID)
	if err != nil {
		return s.internal(c, "list iterations", err)
	}
	audit, err := s.deps.Store.ListAudit(ctx, j.ID)
	if err != nil {
		return s.internal(c, "list audit", err)
	}
	if its == nil {
		its = []job.IterationRecord{}
	}
	if audit == nil {
		audit = []job.AuditEntry{}
	}
	return c.JSON(http.StatusOK, JobDetail{Job: j, Iterations: its, Audit: audit})
}

// handleRetry records a human override and wakes the admission loop.
func (s *Server) handleRetry(c echo.Context) error {
	if s.deps.Overrides == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "overrides are not available")
	}
	var req RetryRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	j, err := s.loadJob(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := s.deps.Overrides.RecordHumanOverride(ctx, j, req.Feedback); err != nil {
		if errors.Is(err, budget.ErrNotOverridable) || errors.Is(err, store.ErrConflict) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return s.internal(c, "record override", err)
	}
	s.deps.Admission.Trigger()
	return c.JSON(http.StatusAccepted, j)
}

func (s *Server) handleGetAdmission(c echo.Context) error {
	return c.JSON(http.StatusOK, AdmissionResponse{Enabled: s.deps.Admission.Enabled()})
}

func (s *Server) handleSetAdmission(c echo.Context) error {
	var req AdmissionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	s.deps.Admission.SetEnabled(*req.Enabled)
	if *req.Enabled {
		s.deps.Admission.Trigger()
	}
	s.logger.Info(c.Request().Context(), "admission switched", zap.Bool("enabled", *req.Enabled))
	return c.JSON(http.StatusOK, AdmissionResponse{Enabled: s.deps.Admission.Enabled()})
}

func (s *Server) loadJob(c echo.Context) (*job.Job, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	j, err := s.deps.Store.GetJob(c.Request().Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if err != nil {
		return nil, s.internal(c, "get job", err)
	}
	return j, nil
}

func (s *Server) internal(c echo.Context, op string, err error) error {
	s.logger.Error(c.Request().Context(), op+" failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
