package job

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RepoRef identifies a repository on the tracker.
type RepoRef struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// String returns "owner/name".
func (r RepoRef) String() string {
	return r.Owner + "/" + r.Name
}

// ParseRepoRef parses "owner/name".
func ParseRepoRef(s string) (RepoRef, error) {
	owner, name, ok := strings.Cut(s, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return RepoRef{}, fmt.Errorf("invalid repository %q: want owner/name", s)
	}
	return RepoRef{Owner: owner, Name: name}, nil
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusBlocked          Status = "BLOCKED"
	StatusQueued           Status = "QUEUED"
	StatusDispatched       Status = "DISPATCHED"
	StatusInProgress       Status = "IN_PROGRESS"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
)

// Terminal reports whether no further automatic transition happens from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAwaitingApproval:
		return true
	}
	return false
}

// Active reports whether s occupies a repository's single-flight gate.
func (s Status) Active() bool {
	return s == StatusDispatched || s == StatusInProgress
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusBlocked, StatusQueued, StatusDispatched, StatusInProgress,
		StatusAwaitingApproval, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Phase is a stage of the processing state machine. The zero value means the
// job is not being processed.
type Phase string

const (
	PhaseNone           Phase = ""
	PhaseSetup          Phase = "SETUP"
	PhaseImplementation Phase = "IMPLEMENTATION"
	PhaseVerification   Phase = "VERIFICATION"
	PhasePackaging      Phase = "PACKAGING"
	PhaseReview         Phase = "REVIEW"
	PhaseCompletion     Phase = "COMPLETION"
)

// Mode controls whether a job may be finalized without a human.
type Mode string

const (
	ModeAutonomous    Mode = "autonomous"
	ModeApprovalGated Mode = "approval_gated"
)

// RepositoryPolicy governs every job of one repository. A running job holds
// its own copy, so reloads never change a policy mid-run.
type RepositoryPolicy struct {
	Repo                RepoRef `json:"repo"`
	Mode                Mode    `json:"mode"`
	// MaxIterations caps implementation attempts, the first one included.
	MaxIterations       int     `json:"max_iterations"`
	// MaxReviewIterations caps review retries, not reviews: a job may be
	// reviewed MaxReviewIterations+1 times before it escalates.
	MaxReviewIterations int     `json:"max_review_iterations"`
	CIEnabled           bool    `json:"ci_enabled"`
	AutoFinalize        bool    `json:"auto_finalize"`
	SecurityReview      bool    `json:"security_review"`
	TargetBranch        string  `json:"target_branch"`
}

// Gated reports whether finalization needs a human.
func (p RepositoryPolicy) Gated() bool {
	return p.Mode != ModeAutonomous
}

// IssueSet is a sorted, de-duplicated set of issue numbers. It is stored as a
// JSON array.
type IssueSet []int

// NewIssueSet builds a normalized set from ids.
func NewIssueSet(ids ...int) IssueSet {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(ids))
	out := make(IssueSet, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Contains reports whether id is in the set.
func (s IssueSet) Contains(id int) bool {
	i := sort.SearchInts(s, id)
	return i < len(s) && s[i] == id
}

// Value implements driver.Valuer.
func (s IssueSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]int(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *IssueSet) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("issue set: unsupported scan type %T", src)
	}
	var ids []int
	if err := json.Unmarshal(raw, &ids); err != nil {
		return fmt.Errorf("issue set: %w", err)
	}
	*s = NewIssueSet(ids...)
	return nil
}

// Job is one unit of work: a tracker issue driven through the pipeline.
type Job struct {
	ID         int64   `json:"id"`
	ExternalID int     `json:"external_id"`
	Repo       RepoRef `json:"repo"`
	Title      string  `json:"title"`
	Status     Status  `json:"status"`

	CurrentIteration       int    `json:"current_iteration"`
	CurrentReviewIteration int    `json:"current_review_iteration"`
	CurrentPhase           Phase  `json:"current_phase,omitempty"`
	BranchName             string `json:"branch_name,omitempty"`

	// BlockedByIssues is the open blocker snapshot taken when the job was
	// parked. Non-empty iff Status is BLOCKED.
	BlockedByIssues IssueSet   `json:"blocked_by_issues,omitempty"`
	CooldownUntil   *time.Time `json:"cooldown_until,omitempty"`
	Escalated       bool       `json:"escalated"`

	// PendingFeedback is human feedback consumed by the next run.
	PendingFeedback string `json:"pending_feedback,omitempty"`
	ArtifactID      int    `json:"artifact_id,omitempty"`
	LastError       string `json:"last_error,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`

	// Version is bumped by every store update. An update carrying a stale
	// version is rejected.
	Version int64 `json:"version"`
}

// InCooldown reports whether re-admission is suppressed at now.
func (j *Job) InCooldown(now time.Time) bool {
	return j.CooldownUntil != nil && now.Before(*j.CooldownUntil)
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.BlockedByIssues != nil {
		c.BlockedByIssues = append(IssueSet(nil), j.BlockedByIssues...)
	}
	if j.CooldownUntil != nil {
		t := *j.CooldownUntil
		c.CooldownUntil = &t
	}
	if j.DispatchedAt != nil {
		t := *j.DispatchedAt
		c.DispatchedAt = &t
	}
	return &c
}

// Trigger records why an implementation attempt started.
type Trigger string

const (
	TriggerInitial     Trigger = "initial"
	TriggerRetry       Trigger = "retry"
	TriggerReviewRetry Trigger = "review_retry"
	TriggerHuman       Trigger = "human"
)

// Outcome is how an attempt ended.
type Outcome string

const (
	OutcomeSucceeded          Outcome = "succeeded"
	OutcomeGenerationFailed   Outcome = "generation_failed"
	OutcomeVerificationFailed Outcome = "verification_failed"
	OutcomeReviewFailed       Outcome = "review_failed"
	OutcomeReviewSkipped      Outcome = "review_skipped"
	OutcomeAborted            Outcome = "aborted"
)

// DimensionScore is one scored review dimension.
type DimensionScore struct {
	Dimension string  `json:"dimension"`
	Score     float64 `json:"score"`
}

// Finding is one structured review finding.
type Finding struct {
	Severity   string `json:"severity"`
	Category   string `json:"category"`
	File       string `json:"file,omitempty"`
	Line       int    `json:"line,omitempty"`
	Finding    string `json:"finding"`
	Suggestion string `json:"suggestion,omitempty"`
}

// TokenUsage reports collaborator consumption.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Add returns the sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{Input: u.Input + o.Input, Output: u.Output + o.Output}
}

// IterationRecord is the immutable record of one implementation attempt.
type IterationRecord struct {
	ID        string  `json:"id"`
	JobID     int64   `json:"job_id"`
	Sequence  int     `json:"sequence"`
	Trigger   Trigger `json:"trigger"`
	Outcome   Outcome `json:"outcome"`
	Feedback  string  `json:"feedback,omitempty"`
	OutputRef string  `json:"output_ref,omitempty"`
	DiffRef   string  `json:"diff_ref,omitempty"`

	VerificationPassed *bool  `json:"verification_passed,omitempty"`
	VerificationDetail string `json:"verification_detail,omitempty"`

	ReviewPassed   *bool            `json:"review_passed,omitempty"`
	ReviewRaw      string           `json:"review_raw,omitempty"`
	ReviewScores   []DimensionScore `json:"review_scores,omitempty"`
	ReviewFindings []Finding        `json:"review_findings,omitempty"`

	TokenUsage  TokenUsage `json:"token_usage"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
}

// AuditEntry is one line of a job's append-only audit log.
type AuditEntry struct {
	JobID  int64     `json:"job_id"`
	At     time.Time `json:"at"`
	Phase  Phase     `json:"phase,omitempty"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
}
