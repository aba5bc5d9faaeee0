package tracker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// RetryConfig configures retries of GitHub API calls.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 3
	MaxRetries int

	// InitialBackoff is the first wait.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff caps every wait, including rate-limit waits.
	// Default: 30 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier grows the wait after each retry.
	// Default: 2
	BackoffMultiplier float64
}

// ApplyDefaults fills unset fields.
func (c *RetryConfig) ApplyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2
	}
}

// call runs op with exponential backoff on transient failures. op names the
// operation for logs and metrics.
func (c *Client) call(ctx context.Context, op string, fn func() (*github.Response, error)) (*github.Response, error) {
	start := time.Now()
	backoff := c.retry.InitialBackoff
	var lastErr error
	var lastResp *github.Response

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		resp, err := fn()
		apiCalls.WithLabelValues(op, fmt.Sprint(statusCode(resp))).Inc()
		if err == nil {
			if attempt > 0 {
				c.logger.Info(ctx, "GitHub call recovered after retries",
					zap.String("op", op),
					zap.Int("attempts", attempt+1),
					zap.Duration("total_time", time.Since(start)))
			}
			return resp, nil
		}
		lastErr, lastResp = err, resp

		if !retryable(err, resp) {
			return resp, err
		}
		if attempt == c.retry.MaxRetries {
			break
		}

		wait := backoff
		if rateLimited(resp) {
			wait = rateLimitBackoff(resp, c.retry.MaxBackoff, time.Now())
		}
		c.logger.Info(ctx, "retrying GitHub call",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Int("status_code", statusCode(resp)),
			zap.Duration("backoff", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-time.After(wait):
		}
		backoff = min(time.Duration(float64(backoff)*c.retry.BackoffMultiplier), c.retry.MaxBackoff)
	}

	c.logger.Warn(ctx, "GitHub call failed after retries",
		zap.String("op", op),
		zap.Int("attempts", c.retry.MaxRetries+1),
		zap.Int("status_code", statusCode(lastResp)),
		zap.Error(lastErr))
	return lastResp, fmt.Errorf("%s failed after %d retries: %w", op, c.retry.MaxRetries, lastErr)
}

// retryable reports whether a failed call may succeed if repeated. Errors
// without a response are network failures and are retried.
func retryable(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	if resp == nil || resp.Response == nil {
		return true
	}
	switch code := resp.StatusCode; code {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		// Secondary rate limits come back as 403 with rate headers.
		return resp.Rate.Limit > 0
	default:
		return code >= 500
	}
}

func rateLimited(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return false
	}
	return resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Rate.Limit > 0)
}

// rateLimitBackoff waits until the rate limit resets, plus a second, capped
// at maxBackoff.
func rateLimitBackoff(resp *github.Response, maxBackoff time.Duration, now time.Time) time.Duration {
	if resp == nil || resp.Rate.Reset.Time.IsZero() {
		return maxBackoff
	}
	d := resp.Rate.Reset.Time.Sub(now) + time.Second
	if d < time.Second {
		d = time.Second
	}
	return min(d, maxBackoff)
}

func statusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.StatusCode
	}
	return 0
}
