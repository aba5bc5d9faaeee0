package engine

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

var (
	// ErrNoPolicy is returned when a job's repository is not configured.
	ErrNoPolicy = errors.New("repository has no policy")

	// ErrNotRunnable is returned by Run for jobs that are already running or
	// finished.
	ErrNotRunnable = errors.New("job is not runnable")

	// ErrNoChanges means generation succeeded but left the tree untouched.
	ErrNoChanges = errors.New("generation produced no changes")
)

// Kind classifies a phase failure.
type Kind string

const (
	KindSetup        Kind = "SetupFailure"
	KindGeneration   Kind = "GenerationFailure"
	KindVerification Kind = "VerificationFailure"
	KindReview       Kind = "ReviewFailure"
	KindReviewInfra  Kind = "ReviewInfrastructureError"
	KindPackaging    Kind = "PackagingFailure"
	KindFinalization Kind = "FinalizationFailure"
	KindUnexpected   Kind = "UnexpectedError"
)

// PhaseError is a failure caught at a phase boundary.
type PhaseError struct {
	Kind  Kind
	Phase job.Phase
	// Detail is the operator-facing explanation, fed back to the generator
	// on retry.
	Detail string
	Err    error
}

func (e *PhaseError) Error() string {
	msg := fmt.Sprintf("%s in %s", e.Kind, e.Phase)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is fed back into another attempt.
func (e *PhaseError) Retryable() bool {
	switch e.Kind {
	case KindGeneration, KindVerification, KindReview:
		return true
	}
	return false
}

func phaseErr(kind Kind, phase job.Phase, detail string, err error) *PhaseError {
	return &PhaseError{Kind: kind, Phase: phase, Detail: detail, Err: err}
}
