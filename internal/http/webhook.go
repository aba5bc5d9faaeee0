package http

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

// maxWebhookBody caps webhook payloads.
const maxWebhookBody = 1 << 20

// ipLimiter hands out one token bucket per client IP. Buckets are dropped
// wholesale every reset period.
type ipLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	limit     rate.Limit
	burst     int
	reset     time.Duration
	lastReset time.Time
}

func newIPLimiter(perSecond float64, burst int, reset time.Duration) *ipLimiter {
	return &ipLimiter{
		limiters:  make(map[string]*rate.Limiter),
		limit:     rate.Limit(perSecond),
		burst:     burst,
		reset:     reset,
		lastReset: time.Now(),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastReset) > l.reset {
		l.limiters = make(map[string]*rate.Limiter)
		l.lastReset = time.Now()
	}
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	return lim.Allow()
}

// issueActions are the issue event actions that can change admission.
var issueActions = map[string]bool{
	"opened":    true,
	"reopened":  true,
	"closed":    true,
	"labeled":   true,
	"unlabeled": true,
	"edited":    true,
}

// handleWebhook verifies a GitHub delivery and runs an admission cycle
// early when it concerns a managed repository.
func (s *Server) handleWebhook(c echo.Context) error {
	ctx := c.Request().Context()
	ip := c.RealIP()
	if !s.limits.allow(ip) {
		s.logger.Warn(ctx, "rate limit exceeded", zap.String("ip", ip))
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}
	if !s.config.WebhookSecret.IsSet() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "webhook secret not configured")
	}

	r := c.Request()
	r.Body = http.MaxBytesReader(c.Response(), r.Body, maxWebhookBody)
	payload, err := github.ValidatePayload(r, []byte(s.config.WebhookSecret.Value()))
	if err != nil {
		s.logger.Warn(ctx, "invalid webhook signature", zap.Error(err))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}
	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		s.logger.Warn(ctx, "failed to parse webhook", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	var (
		repo   *github.Repository
		action string
		wake   bool
	)
	switch e := event.(type) {
	case *github.PingEvent:
		return c.JSON(http.StatusOK, map[string]string{"status": "pong"})
	case *github.IssuesEvent:
		repo, action = e.GetRepo(), e.GetAction()
		wake = issueActions[action]
	case *github.PullRequestEvent:
		// A closed or relabelled pull request may release a repository gate.
		repo, action = e.GetRepo(), e.GetAction()
		wake = action == "closed" || action == "labeled" || action == "unlabeled"
	default:
		s.logger.Debug(ctx, "ignoring event type", zap.String("type", fmt.Sprintf("%T", event)))
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	ref, err := job.ParseRepoRef(repo.GetFullName())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid repository")
	}
	if s.deps.Policies != nil {
		if _, ok := s.deps.Policies.Policy(ref); !ok {
			wake = false
		}
	}
	if !wake {
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}
	s.logger.Info(ctx, "webhook triggered admission",
		zap.String("repo", ref.String()),
		zap.String("action", action))
	s.deps.Admission.Trigger()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "triggered"})
}
