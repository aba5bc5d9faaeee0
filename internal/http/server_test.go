package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/issuepilot/internal/budget"
	"github.com/fyrsmithlabs/issuepilot/internal/clock"
	"github.com/fyrsmithlabs/issuepilot/internal/config"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
	"github.com/fyrsmithlabs/issuepilot/internal/logging"
	"github.com/fyrsmithlabs/issuepilot/internal/store"
	"github.com/fyrsmithlabs/issuepilot/internal/telemetry"
)

const webhookSecret = "s3cret"

var acme = job.RepoRef{Owner: "acme", Name: "api"}

type fakeAdmission struct {
	enabled  atomic.Bool
	triggers atomic.Int32
}

func (a *fakeAdmission) SetEnabled(on bool) { a.enabled.Store(on) }
func (a *fakeAdmission) Enabled() bool      { return a.enabled.Load() }
func (a *fakeAdmission) Trigger()           { a.triggers.Add(1) }

type fakeOverrides struct {
	feedback map[int64]string
	err      error
}

func (o *fakeOverrides) RecordHumanOverride(_ context.Context, j *job.Job, feedback string) error {
	if !j.Status.Terminal() {
		return budget.ErrNotOverridable
	}
	if o.err != nil {
		return o.err
	}
	o.feedback[j.ID] = feedback
	j.Status = job.StatusPending
	return nil
}

type staticPolicies map[job.RepoRef]job.RepositoryPolicy

func (p staticPolicies) Policy(r job.RepoRef) (job.RepositoryPolicy, bool) {
	pol, ok := p[r]
	return pol, ok
}

type fixture struct {
	srv       *Server
	store     *store.MemoryStore
	admission *fakeAdmission
	overrides *fakeOverrides
}

func setupTestServer(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemoryStore(clock.Fake(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))),
		admission: &fakeAdmission{},
		overrides: &fakeOverrides{feedback: map[int64]string{}},
	}
	srv, err := NewServer(Deps{
		Store:     f.store,
		Overrides: f.overrides,
		Admission: f.admission,
		Policies:  staticPolicies{acme: {Repo: acme}},
		Health:    func() map[string]any { return map[string]any{"store": "memory"} },
	}, logging.NewNop(), Config{WebhookSecret: config.Secret(webhookSecret), WebhookBurst: 3, Version: "test"})
	require.NoError(t, err)
	f.srv = srv
	return f
}

func (f *fixture) createJob(t *testing.T, issue int, st job.Status) *job.Job {
	t.Helper()
	j := &job.Job{Repo: acme, ExternalID: issue, Title: "issue", Status: st}
	require.NoError(t, f.store.CreateJob(context.Background(), j))
	return j
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("requires logger", func(t *testing.T) {
		_, err := NewServer(Deps{Store: store.NewMemoryStore(clock.Real()), Admission: &fakeAdmission{}}, nil, Config{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})
	t.Run("requires store", func(t *testing.T) {
		_, err := NewServer(Deps{Admission: &fakeAdmission{}}, logging.NewNop(), Config{})
		assert.Error(t, err)
	})
	t.Run("defaults", func(t *testing.T) {
		srv, err := NewServer(Deps{Store: store.NewMemoryStore(clock.Real()), Admission: &fakeAdmission{}}, logging.NewNop(), Config{})
		require.NoError(t, err)
		assert.Equal(t, 8080, srv.config.Port)
		assert.Equal(t, 10, srv.config.WebhookBurst)
	})
}

func TestHandleHealth(t *testing.T) {
	f := setupTestServer(t)
	f.admission.SetEnabled(true)

	rec := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.True(t, resp.Admission)
	assert.Equal(t, "memory", resp.Components["store"])
}

func TestHandleMetrics(t *testing.T) {
	f := setupTestServer(t)
	rec := f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestListJobs(t *testing.T) {
	f := setupTestServer(t)
	f.createJob(t, 1, job.StatusQueued)
	f.createJob(t, 2, job.StatusFailed)
	f.createJob(t, 3, job.StatusBlocked)

	rec := f.do(http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []job.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 3)

	rec = f.do(http.MethodGet, "/api/v1/jobs?status=failed,blocked", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var some []job.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &some))
	require.Len(t, some, 2)
	assert.Equal(t, 2, some[0].ExternalID)
	assert.Equal(t, 3, some[1].ExternalID)

	rec = f.do(http.MethodGet, "/api/v1/jobs?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/jobs?status=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestGetJob(t *testing.T) {
	f := setupTestServer(t)
	j := f.createJob(t, 42, job.StatusFailed)
	ctx := context.Background()
	require.NoError(t, f.store.AppendIteration(ctx, &job.IterationRecord{ID: "a", JobID: j.ID, Sequence: 1}))
	require.NoError(t, f.store.AppendAudit(ctx, job.AuditEntry{JobID: j.ID, Event: "escalated"}))

	rec := f.do(http.MethodGet, "/api/v1/jobs/"+itoa(j.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got JobDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 42, got.ExternalID)
	assert.Len(t, got.Iterations, 1)
	require.Len(t, got.Audit, 1)
	assert.Equal(t, "escalated", got.Audit[0].Event)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/jobs/999", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/jobs/abc", "").Code)
}

func TestRetry(t *testing.T) {
	f := setupTestServer(t)
	failed := f.createJob(t, 42, job.StatusFailed)
	running := f.createJob(t, 43, job.StatusInProgress)

	rec := f.do(http.MethodPost, "/api/v1/jobs/"+itoa(failed.ID)+"/retry", `{"feedback":"use the token bucket"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "use the token bucket", f.overrides.feedback[failed.ID])
	assert.Equal(t, int32(1), f.admission.triggers.Load())

	rec = f.do(http.MethodPost, "/api/v1/jobs/"+itoa(running.ID)+"/retry", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	queued := f.createJob(t, 44, job.StatusQueued)
	rec = f.do(http.MethodPost, "/api/v1/jobs/"+itoa(queued.ID)+"/retry", `{"feedback":"again"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NotContains(t, f.overrides.feedback, queued.ID)

	// Someone else retried the job between load and save.
	f.overrides.err = store.ErrConflict
	done := f.createJob(t, 45, job.StatusCompleted)
	rec = f.do(http.MethodPost, "/api/v1/jobs/"+itoa(done.ID)+"/retry", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	f.overrides.err = nil

	rec = f.do(http.MethodPost, "/api/v1/jobs/"+itoa(failed.ID)+"/retry", `{"feedback":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmissionSwitch(t *testing.T) {
	f := setupTestServer(t)

	rec := f.do(http.MethodPost, "/api/v1/admission", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"enabled":true}`, rec.Body.String())
	assert.True(t, f.admission.Enabled())
	assert.Equal(t, int32(1), f.admission.triggers.Load())

	rec = f.do(http.MethodPost, "/api/v1/admission", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.admission.Enabled())

	rec = f.do(http.MethodPost, "/api/v1/admission", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "required")

	rec = f.do(http.MethodGet, "/api/v1/admission", "")
	assert.JSONEq(t, `{"enabled":false}`, rec.Body.String())
}

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhook(t *testing.T) {
	issues := func(repo, action string) string {
		return `{"action":"` + action + `","issue":{"number":7},"repository":{"full_name":"` + repo + `","name":"api","owner":{"login":"acme"}}}`
	}
	tests := []struct {
		name      string
		event     string
		body      string
		signature string
		want      int
		triggered bool
	}{
		{"labeled issue on managed repo", "issues", issues("acme/api", "labeled"), "", http.StatusAccepted, true},
		{"unmanaged repo", "issues", issues("other/api", "labeled"), "", http.StatusOK, false},
		{"uninteresting action", "issues", issues("acme/api", "assigned"), "", http.StatusOK, false},
		{"closed pull request", "pull_request", `{"action":"closed","pull_request":{"number":9},"repository":{"full_name":"acme/api"}}`, "", http.StatusAccepted, true},
		{"ping", "ping", `{"zen":"hi"}`, "", http.StatusOK, false},
		{"bad signature", "issues", issues("acme/api", "labeled"), "sha256=00", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestServer(t)
			sig := tt.signature
			if sig == "" {
				sig = sign(tt.body)
			}
			rec := f.do(http.MethodPost, "/webhook", tt.body,
				"X-GitHub-Event", tt.event,
				"X-Hub-Signature-256", sig)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Equal(t, tt.triggered, f.admission.triggers.Load() == 1)
		})
	}
}

func TestWebhook_RateLimited(t *testing.T) {
	f := setupTestServer(t)
	body := `{"zen":"hi"}`
	for i := 0; i < 3; i++ {
		rec := f.do(http.MethodPost, "/webhook", body, "X-GitHub-Event", "ping", "X-Hub-Signature-256", sign(body))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := f.do(http.MethodPost, "/webhook", body, "X-GitHub-Event", "ping", "X-Hub-Signature-256", sign(body))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestMetricsMiddleware(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	f := setupTestServer(t)
	f.srv.echo.Use(newHTTPMetrics(tel.Meter("test"), nil).MetricsMiddleware())

	f.do(http.MethodGet, "/health", "")
	f.do(http.MethodGet, "/api/v1/jobs/999", "")
	f.do(http.MethodGet, "/nope", "")

	assert.Equal(t, int64(3), tel.Int64Sum(t, "issuepilot.http.requests"))
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
