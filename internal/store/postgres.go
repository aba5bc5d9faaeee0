package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"

	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                       BIGSERIAL PRIMARY KEY,
	repo_owner               TEXT        NOT NULL,
	repo_name                TEXT        NOT NULL,
	external_id              INTEGER     NOT NULL,
	title                    TEXT        NOT NULL DEFAULT '',
	status                   TEXT        NOT NULL,
	current_iteration        INTEGER     NOT NULL DEFAULT 0,
	current_review_iteration INTEGER     NOT NULL DEFAULT 0,
	current_phase            TEXT        NOT NULL DEFAULT '',
	branch_name              TEXT        NOT NULL DEFAULT '',
	blocked_by_issues        JSONB       NOT NULL DEFAULT '[]',
	cooldown_until           TIMESTAMPTZ,
	escalated                BOOLEAN     NOT NULL DEFAULT FALSE,
	pending_feedback         TEXT        NOT NULL DEFAULT '',
	artifact_id              INTEGER     NOT NULL DEFAULT 0,
	last_error               TEXT        NOT NULL DEFAULT '',
	created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	dispatched_at            TIMESTAMPTZ,
	version                  BIGINT      NOT NULL DEFAULT 0
);

ALTER TABLE jobs ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 0;

CREATE UNIQUE INDEX IF NOT EXISTS jobs_one_active_per_issue
	ON jobs (repo_owner, repo_name, external_id)
	WHERE status NOT IN ('COMPLETED', 'FAILED', 'AWAITING_APPROVAL');

CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);

CREATE TABLE IF NOT EXISTS job_iterations (
	id           UUID        PRIMARY KEY,
	job_id       BIGINT      NOT NULL REFERENCES jobs (id),
	sequence     INTEGER     NOT NULL,
	record       JSONB       NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	UNIQUE (job_id, sequence)
);

CREATE TABLE IF NOT EXISTS job_audit (
	id     BIGSERIAL   PRIMARY KEY,
	job_id BIGINT      NOT NULL REFERENCES jobs (id),
	at     TIMESTAMPTZ NOT NULL,
	phase  TEXT        NOT NULL DEFAULT '',
	event  TEXT        NOT NULL,
	detail TEXT        NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS job_audit_job_idx ON job_audit (job_id, id);
`

const jobColumns = `id, repo_owner, repo_name, external_id, title, status,
	current_iteration, current_review_iteration, current_phase, branch_name,
	blocked_by_issues, cooldown_until, escalated, pending_feedback, artifact_id,
	last_error, created_at, updated_at, dispatched_at, version`

// jobRow is the flat database shape of job.Job.
type jobRow struct {
	ID                     int64        `db:"id"`
	RepoOwner              string       `db:"repo_owner"`
	RepoName               string       `db:"repo_name"`
	ExternalID             int          `db:"external_id"`
	Title                  string       `db:"title"`
	Status                 string       `db:"status"`
	CurrentIteration       int          `db:"current_iteration"`
	CurrentReviewIteration int          `db:"current_review_iteration"`
	CurrentPhase           string       `db:"current_phase"`
	BranchName             string       `db:"branch_name"`
	BlockedByIssues        job.IssueSet `db:"blocked_by_issues"`
	CooldownUntil          sql.NullTime `db:"cooldown_until"`
	Escalated              bool         `db:"escalated"`
	PendingFeedback        string       `db:"pending_feedback"`
	ArtifactID             int          `db:"artifact_id"`
	LastError              string       `db:"last_error"`
	CreatedAt              time.Time    `db:"created_at"`
	UpdatedAt              time.Time    `db:"updated_at"`
	DispatchedAt           sql.NullTime `db:"dispatched_at"`
	Version                int64        `db:"version"`
}

func toRow(j *job.Job) jobRow {
	r := jobRow{
		ID:                     j.ID,
		RepoOwner:              j.Repo.Owner,
		RepoName:               j.Repo.Name,
		ExternalID:             j.ExternalID,
		Title:                  j.Title,
		Status:                 string(j.Status),
		CurrentIteration:       j.CurrentIteration,
		CurrentReviewIteration: j.CurrentReviewIteration,
		CurrentPhase:           string(j.CurrentPhase),
		BranchName:             j.BranchName,
		BlockedByIssues:        j.BlockedByIssues,
		Escalated:              j.Escalated,
		PendingFeedback:        j.PendingFeedback,
		ArtifactID:             j.ArtifactID,
		LastError:              j.LastError,
		CreatedAt:              j.CreatedAt,
		UpdatedAt:              j.UpdatedAt,
		Version:                j.Version,
	}
	if j.CooldownUntil != nil {
		r.CooldownUntil = sql.NullTime{Time: *j.CooldownUntil, Valid: true}
	}
	if j.DispatchedAt != nil {
		r.DispatchedAt = sql.NullTime{Time: *j.DispatchedAt, Valid: true}
	}
	return r
}

func (r jobRow) toJob() *job.Job {
	j := &job.Job{
		ID:                     r.ID,
		ExternalID:             r.ExternalID,
		Repo:                   job.RepoRef{Owner: r.RepoOwner, Name: r.RepoName},
		Title:                  r.Title,
		Status:                 job.Status(r.Status),
		CurrentIteration:       r.CurrentIteration,
		CurrentReviewIteration: r.CurrentReviewIteration,
		CurrentPhase:           job.Phase(r.CurrentPhase),
		BranchName:             r.BranchName,
		BlockedByIssues:        r.BlockedByIssues,
		Escalated:              r.Escalated,
		PendingFeedback:        r.PendingFeedback,
		ArtifactID:             r.ArtifactID,
		LastError:              r.LastError,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
		Version:                r.Version,
	}
	if r.CooldownUntil.Valid {
		t := r.CooldownUntil.Time
		j.CooldownUntil = &t
	}
	if r.DispatchedAt.Valid {
		t := r.DispatchedAt.Time
		j.DispatchedAt = &t
	}
	return j
}

// PostgresStore persists jobs in PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects with the pgx driver and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateJob(ctx context.Context, j *job.Job) error {
	r := toRow(j)
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO jobs (repo_owner, repo_name, external_id, title, status,
			current_iteration, current_review_iteration, current_phase, branch_name,
			blocked_by_issues, cooldown_until, escalated, pending_feedback, artifact_id,
			last_error, dispatched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 RETURNING id, created_at, updated_at, version`,
		r.RepoOwner, r.RepoName, r.ExternalID, r.Title, r.Status,
		r.CurrentIteration, r.CurrentReviewIteration, r.CurrentPhase, r.BranchName,
		r.BlockedByIssues, r.CooldownUntil, r.Escalated, r.PendingFeedback, r.ArtifactID,
		r.LastError, r.DispatchedAt,
	).Scan(&j.ID, &j.CreatedAt, &j.UpdatedAt, &j.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateActiveJob
		}
		return fmt.Errorf("create job %s#%d: %w", j.Repo, j.ExternalID, err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id int64) (*job.Job, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return r.toJob(), nil
}

func (s *PostgresStore) FindLatest(ctx context.Context, repo job.RepoRef, externalID int) (*job.Job, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE repo_owner = $1 AND repo_name = $2 AND external_id = $3
		 ORDER BY id DESC LIMIT 1`,
		repo.Owner, repo.Name, externalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find latest job %s#%d: %w", repo, externalID, err)
	}
	return r.toJob(), nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, j *job.Job) error {
	r := toRow(j)
	err := s.db.QueryRowxContext(ctx,
		`UPDATE jobs SET
			title = $2, status = $3, current_iteration = $4, current_review_iteration = $5,
			current_phase = $6, branch_name = $7, blocked_by_issues = $8, cooldown_until = $9,
			escalated = $10, pending_feedback = $11, artifact_id = $12, last_error = $13,
			dispatched_at = $14, updated_at = NOW(), version = version + 1
		 WHERE id = $1 AND version = $15
		 RETURNING updated_at, version`,
		r.ID, r.Title, r.Status, r.CurrentIteration, r.CurrentReviewIteration,
		r.CurrentPhase, r.BranchName, r.BlockedByIssues, r.CooldownUntil,
		r.Escalated, r.PendingFeedback, r.ArtifactID, r.LastError, r.DispatchedAt,
		r.Version,
	).Scan(&j.UpdatedAt, &j.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, j.ID); err != nil {
				return fmt.Errorf("update job %d: %w", j.ID, err)
			}
			if exists {
				return ErrConflict
			}
			return ErrNotFound
		}
		if isUniqueViolation(err) {
			return ErrDuplicateActiveJob
		}
		return fmt.Errorf("update job %d: %w", j.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY id`
	args := []any{}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		var err error
		query, args, err = sqlx.In(`SELECT `+jobColumns+` FROM jobs WHERE status IN (?) ORDER BY id`, names)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		query = s.db.Rebind(query)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]*job.Job, len(rows))
	for i := range rows {
		out[i] = rows[i].toJob()
	}
	return out, nil
}

func (s *PostgresStore) AppendIteration(ctx context.Context, rec *job.IterationRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode iteration: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_iterations (id, job_id, sequence, record, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.JobID, rec.Sequence, string(raw), rec.StartedAt, rec.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIteration
		}
		return fmt.Errorf("append iteration %d for job %d: %w", rec.Sequence, rec.JobID, err)
	}
	return nil
}

func (s *PostgresStore) ListIterations(ctx context.Context, jobID int64) ([]job.IterationRecord, error) {
	var raws []string
	if err := s.db.SelectContext(ctx, &raws,
		`SELECT record::text FROM job_iterations WHERE job_id = $1 ORDER BY sequence`, jobID); err != nil {
		return nil, fmt.Errorf("list iterations for job %d: %w", jobID, err)
	}
	out := make([]job.IterationRecord, len(raws))
	for i, raw := range raws {
		if err := json.Unmarshal([]byte(raw), &out[i]); err != nil {
			return nil, fmt.Errorf("decode iteration for job %d: %w", jobID, err)
		}
	}
	return out, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, e job.AuditEntry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_audit (job_id, at, phase, event, detail) VALUES ($1, $2, $3, $4, $5)`,
		e.JobID, at, string(e.Phase), e.Event, e.Detail)
	if err != nil {
		return fmt.Errorf("append audit for job %d: %w", e.JobID, err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, jobID int64) ([]job.AuditEntry, error) {
	var rows []struct {
		JobID  int64     `db:"job_id"`
		At     time.Time `db:"at"`
		Phase  string    `db:"phase"`
		Event  string    `db:"event"`
		Detail string    `db:"detail"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT job_id, at, phase, event, detail FROM job_audit WHERE job_id = $1 ORDER BY id`, jobID); err != nil {
		return nil, fmt.Errorf("list audit for job %d: %w", jobID, err)
	}
	out := make([]job.AuditEntry, len(rows))
	for i, r := range rows {
		out[i] = job.AuditEntry{JobID: r.JobID, At: r.At, Phase: job.Phase(r.Phase), Event: r.Event, Detail: r.Detail}
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
