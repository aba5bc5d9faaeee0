package store

import (
	"context"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/issuepilot/internal/clock"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

// MemoryStore keeps everything in process memory. Callers always receive
// copies.
type MemoryStore struct {
	mu         sync.RWMutex
	clock      clock.Clock
	nextID     int64
	jobs       map[int64]*job.Job
	iterations map[int64][]job.IterationRecord
	audit      map[int64][]job.AuditEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryStore{
		clock:      c,
		jobs:       make(map[int64]*job.Job),
		iterations: make(map[int64][]job.IterationRecord),
		audit:      make(map[int64][]job.AuditEntry),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.Repo == j.Repo && existing.ExternalID == j.ExternalID && !existing.Status.Terminal() {
			return ErrDuplicateActiveJob
		}
	}

	s.nextID++
	now := s.clock.Now()
	j.ID = s.nextID
	j.CreatedAt = now
	j.UpdatedAt = now
	j.Version = 0
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id int64) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) FindLatest(_ context.Context, repo job.RepoRef, externalID int) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *job.Job
	for _, j := range s.jobs {
		if j.Repo != repo || j.ExternalID != externalID {
			continue
		}
		if latest == nil || j.ID > latest.ID {
			latest = j
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.Clone(), nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != j.Version {
		return ErrConflict
	}
	c := j.Clone()
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = s.clock.Now()
	c.Version++
	j.UpdatedAt = c.UpdatedAt
	j.Version = c.Version
	s.jobs[j.ID] = c
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, statuses ...job.Status) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[job.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	out := make([]*job.Job, 0)
	for _, j := range s.jobs {
		if len(want) == 0 || want[j.Status] {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *MemoryStore) AppendIteration(_ context.Context, rec *job.IterationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[rec.JobID]; !ok {
		return ErrNotFound
	}
	for _, existing := range s.iterations[rec.JobID] {
		if existing.Sequence == rec.Sequence {
			return ErrDuplicateIteration
		}
	}
	s.iterations[rec.JobID] = append(s.iterations[rec.JobID], *rec)
	return nil
}

func (s *MemoryStore) ListIterations(_ context.Context, jobID int64) ([]job.IterationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]job.IterationRecord(nil), s.iterations[jobID]...), nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, e job.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.At.IsZero() {
		e.At = s.clock.Now()
	}
	s.audit[e.JobID] = append(s.audit[e.JobID], e)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, jobID int64) ([]job.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]job.AuditEntry(nil), s.audit[jobID]...), nil
}
