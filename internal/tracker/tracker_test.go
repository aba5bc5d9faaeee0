package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/issuepilot/internal/deps"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

var acme = job.RepoRef{Owner: "acme", Name: "api"}

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	gh := github.NewClient(nil)
	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = u

	return NewWithClient(gh, Options{
		Retry: RetryConfig{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
		PollInterval:  5 * time.Millisecond,
		NoChecksGrace: 30 * time.Millisecond,
	})
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestIssue_NativeBlockers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api/issues/20", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"number": 20, "title": "Ship it", "state": "open", "body": "**Blocked by:** #3",
			"labels": []map[string]any{{"name": "issuepilot"}},
		})
	})
	mux.HandleFunc("GET /repos/acme/api/issues/20/dependencies/blocked_by", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []map[string]any{
			{"number": 15, "state": "open", "repository_url": "https://api.github.com/repos/acme/api"},
			{"number": 4, "state": "open", "repository_url": "https://api.github.com/repos/acme/web"},
			{"number": 9, "state": "closed", "repository": map[string]any{"full_name": "other/lib"}},
			{"number": 10, "state": "open"},
		})
	})
	c := newTestClient(t, mux)

	st, err := c.Issue(context.Background(), acme, 20)
	require.NoError(t, err)
	assert.True(t, st.Open)
	assert.Equal(t, "Ship it", st.Title)
	assert.Equal(t, []string{"issuepilot"}, st.Labels)
	assert.Equal(t, []int{15, 10}, st.NativeBlockers)

	d := deps.DeclaredBlockers(st)
	assert.Equal(t, deps.SourceNative, d.Source)
}

func TestIssue_NoDependenciesAPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api/issues/7", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"number": 7, "state": "closed"})
	})
	mux.HandleFunc("GET /repos/acme/api/issues/7/dependencies/blocked_by", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	c := newTestClient(t, mux)

	st, err := c.Issue(context.Background(), acme, 7)
	require.NoError(t, err)
	assert.False(t, st.Open)
	assert.Empty(t, st.NativeBlockers)
}

func TestIssue_NotFound(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())
	_, err := c.Issue(context.Background(), acme, 404)
	assert.ErrorIs(t, err, deps.ErrIssueNotFound)
}

func TestListCandidates_SkipsPullRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api/issues", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "issuepilot", r.URL.Query().Get("labels"))
		assert.Equal(t, "open", r.URL.Query().Get("state"))
		writeJSON(t, w, []map[string]any{
			{"number": 1, "title": "one"},
			{"number": 2, "title": "a pull", "pull_request": map[string]any{"url": "x"}},
			{"number": 3, "title": "three"},
		})
	})
	c := newTestClient(t, mux)

	got, err := c.ListCandidates(context.Background(), acme, "issuepilot")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Number)
	assert.Equal(t, 3, got[1].Number)
}

func TestListOpenArtifacts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []map[string]any{
			{"number": 50, "head": map[string]any{"ref": "issuepilot/9-x"}, "labels": []map[string]any{{"name": "issuepilot:pending-review"}}},
			{"number": 51, "head": map[string]any{"ref": "issuepilot/10-y"}, "labels": []map[string]any{{"name": "issuepilot:ready"}}},
			{"number": 52, "head": map[string]any{"ref": "feature/z"}, "labels": []map[string]any{{"name": "issuepilot:pending-review"}}},
		})
	})
	c := newTestClient(t, mux)

	got, err := c.ListOpenArtifacts(context.Background(), acme, "issuepilot/", "issuepilot:pending-review")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 50, got[0].Number)
}

func TestCreateOrReuse(t *testing.T) {
	var created, labelled atomic.Int32
	var existing atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme:issuepilot/42-x", r.URL.Query().Get("head"))
		if existing.Load() {
			writeJSON(t, w, []map[string]any{{"number": 77}})
			return
		}
		writeJSON(t, w, []any{})
	})
	mux.HandleFunc("POST /repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		created.Add(1)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "issuepilot/42-x", body["head"])
		assert.Equal(t, "main", body["base"])
		w.WriteHeader(http.StatusCreated)
		writeJSON(t, w, map[string]any{"number": 77})
	})
	mux.HandleFunc("POST /repos/acme/api/issues/77/labels", func(w http.ResponseWriter, r *http.Request) {
		labelled.Add(1)
		writeJSON(t, w, []any{})
	})
	c := newTestClient(t, mux)

	n, err := c.CreateOrReuse(context.Background(), acme, "issuepilot/42-x", "main", "title", "body")
	require.NoError(t, err)
	assert.Equal(t, 77, n)

	existing.Store(true)
	n, err = c.CreateOrReuse(context.Background(), acme, "issuepilot/42-x", "main", "title", "body")
	require.NoError(t, err)
	assert.Equal(t, 77, n)

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(2), labelled.Load())
}

func TestFinalizeAndMerge(t *testing.T) {
	var removed atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/api/issues/77/labels", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "issuepilot:ready")
		writeJSON(t, w, []any{})
	})
	mux.HandleFunc("DELETE /repos/acme/api/issues/77/labels/{label}", func(w http.ResponseWriter, r *http.Request) {
		removed.Store(r.PathValue("label"))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("PUT /repos/acme/api/pulls/77/merge", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "squash", body["merge_method"])
		writeJSON(t, w, map[string]any{"merged": true})
	})
	mux.HandleFunc("PUT /repos/acme/api/pulls/78/merge", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"merged": false, "message": "not mergeable"})
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.Finalize(context.Background(), acme, 77))
	assert.Equal(t, "issuepilot:pending-review", removed.Load())
	require.NoError(t, c.AutoMerge(context.Background(), acme, 77))

	err := c.AutoMerge(context.Background(), acme, 78)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not mergeable")
}

func TestRemoveLabel_MissingIsNotAnError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /repos/acme/api/issues/5/labels/{label}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Label does not exist"}`, http.StatusNotFound)
	})
	c := newTestClient(t, mux)
	assert.NoError(t, c.RemoveLabel(context.Background(), acme, 5, "needs-human"))
}

func checksMux(t *testing.T, runs func(poll int32) []map[string]any, statuses []map[string]any) *http.ServeMux {
	t.Helper()
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api/commits/{ref...}", func(w http.ResponseWriter, r *http.Request) {
		ref := r.PathValue("ref")
		switch {
		case strings.HasSuffix(ref, "/check-runs"):
			n := polls.Add(1)
			rs := runs(n)
			writeJSON(t, w, map[string]any{"total_count": len(rs), "check_runs": rs})
		case strings.HasSuffix(ref, "/status"):
			writeJSON(t, w, map[string]any{"state": "success", "total_count": len(statuses), "statuses": statuses})
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

func TestWaitForChecks(t *testing.T) {
	t.Run("passes when all complete", func(t *testing.T) {
		c := newTestClient(t, checksMux(t, func(n int32) []map[string]any {
			if n < 3 {
				return []map[string]any{{"name": "build", "status": "in_progress"}}
			}
			return []map[string]any{{"name": "build", "status": "completed", "conclusion": "success"}}
		}, nil))
		res, err := c.WaitForChecks(context.Background(), acme, "issuepilot/42-x", time.Second)
		require.NoError(t, err)
		assert.True(t, res.Passed)
	})

	t.Run("failure carries output", func(t *testing.T) {
		c := newTestClient(t, checksMux(t, func(int32) []map[string]any {
			return []map[string]any{{
				"name": "test", "status": "completed", "conclusion": "failure",
				"output": map[string]any{"title": "2 tests failed", "summary": "TestLimiter: expected 429"},
			}}
		}, nil))
		res, err := c.WaitForChecks(context.Background(), acme, "issuepilot/42-x", time.Second)
		require.NoError(t, err)
		assert.False(t, res.Passed)
		assert.Contains(t, res.Detail, "expected 429")
	})

	t.Run("failed commit status", func(t *testing.T) {
		c := newTestClient(t, checksMux(t, func(int32) []map[string]any { return nil },
			[]map[string]any{{"context": "ci/lint", "state": "failure", "description": "gofmt"}}))
		res, err := c.WaitForChecks(context.Background(), acme, "issuepilot/42-x", time.Second)
		require.NoError(t, err)
		assert.False(t, res.Passed)
		assert.Contains(t, res.Detail, "ci/lint")
	})

	t.Run("no checks passes after grace", func(t *testing.T) {
		c := newTestClient(t, checksMux(t, func(int32) []map[string]any { return nil }, nil))
		res, err := c.WaitForChecks(context.Background(), acme, "issuepilot/42-x", time.Second)
		require.NoError(t, err)
		assert.True(t, res.Passed)
		assert.Equal(t, "no checks reported", res.Detail)
	})

	t.Run("timeout fails", func(t *testing.T) {
		c := newTestClient(t, checksMux(t, func(int32) []map[string]any {
			return []map[string]any{{"name": "e2e", "status": "queued"}}
		}, nil))
		res, err := c.WaitForChecks(context.Background(), acme, "issuepilot/42-x", 20*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, res.Passed)
		assert.Contains(t, res.Detail, "e2e")
	})
}

func TestCall_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/api/issues/5/comments", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"message":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(t, w, map[string]any{"id": 1})
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.Comment(context.Background(), acme, 5, "hello"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestCall_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/api/issues", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message":"Validation Failed"}`, http.StatusUnprocessableEntity)
	})
	c := newTestClient(t, mux)

	_, err := c.CreateFollowUp(context.Background(), acme, "t", "b", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCall_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/api/issues/5/labels", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message":"boom"}`, http.StatusBadGateway)
	})
	c := newTestClient(t, mux)

	err := c.AddLabel(context.Background(), acme, 5, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 2 retries")
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryable(t *testing.T) {
	resp := func(code int, limit int) *github.Response {
		return &github.Response{Response: &http.Response{StatusCode: code}, Rate: github.Rate{Limit: limit}}
	}
	tests := []struct {
		name string
		resp *github.Response
		want bool
	}{
		{"network error", nil, true},
		{"429", resp(429, 0), true},
		{"500", resp(500, 0), true},
		{"503", resp(503, 0), true},
		{"400", resp(400, 0), false},
		{"401", resp(401, 0), false},
		{"403 without rate info", resp(403, 0), false},
		{"403 secondary rate limit", resp(403, 5000), true},
		{"404", resp(404, 0), false},
		{"422", resp(422, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(fmt.Errorf("failed"), tt.resp))
		})
	}
	assert.False(t, retryable(nil, resp(500, 0)))
}

func TestRateLimitBackoff(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *github.Response {
		return &github.Response{Rate: github.Rate{Limit: 5000, Reset: github.Timestamp{Time: now.Add(d)}}}
	}
	assert.Equal(t, 6*time.Second, rateLimitBackoff(at(5*time.Second), 30*time.Second, now))
	assert.Equal(t, time.Second, rateLimitBackoff(at(-5*time.Second), 30*time.Second, now))
	assert.Equal(t, 30*time.Second, rateLimitBackoff(at(time.Minute), 30*time.Second, now))
	assert.Equal(t, 30*time.Second, rateLimitBackoff(nil, 30*time.Second, now))
}
