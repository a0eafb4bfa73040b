package entitle

import (
	"errors"
	"fmt"

	"github.com/xraph/entitle/batch"
	"github.com/xraph/entitle/entitlement"
)

// Sentinel errors for common failure scenarios. Store-level sentinels live in
// the entitlement package so backends can return them without importing the
// engine; they are re-exported here.
var (
	ErrNotAuthenticated = errors.New("entitle: not authenticated")
	ErrNotAuthorized    = errors.New("entitle: not authorized")
	ErrAlreadyExists    = errors.New("entitle: already exists")
	ErrInvalidInput     = errors.New("entitle: invalid input")

	ErrRecordNotFound   = entitlement.ErrRecordNotFound
	ErrStoreUnavailable = entitlement.ErrStoreUnavailable
	ErrPartialCommit    = batch.ErrPartialCommit
)

// Phase names the step of a run that failed.
type Phase string

const (
	PhaseScan   Phase = "scan"
	PhaseCommit Phase = "commit"
)

// RunError reports a failed orchestrator run. Result carries whatever was
// committed before the failure so callers can decide whether to re-run.
type RunError struct {
	Kind   RunKind
	Phase  Phase
	Result *RunResult
	Err    error
}

func (e *RunError) Error() string {
	if e.Result != nil {
		return fmt.Sprintf("entitle: %s run failed during %s (%d/%d groups committed): %v",
			e.Kind, e.Phase, e.Result.Groups.CommittedGroups, e.Result.Groups.Total(), e.Err)
	}
	return fmt.Sprintf("entitle: %s run failed during %s: %v", e.Kind, e.Phase, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("entitle: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}

// IsAuthError returns true for authentication and authorization failures.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrNotAuthorized)
}

// IsRetryable returns true if the error is temporary and the run can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrPartialCommit)
}
