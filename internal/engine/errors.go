package engine

import (
	"errors"
	"fmt"
	"time"

	"vellum/api/internal/store"
)

// Outcome tags every boundary result so the transport layer can map it to
// a status without inspecting engine internals.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeNotFound  Outcome = "notFound"
	OutcomeForbidden Outcome = "forbidden"
	OutcomeConflict  Outcome = "conflict"
)

// ErrForbidden marks a role or ownership violation.
var ErrForbidden = errors.New("engine: forbidden")

// ValidationError reports malformed input before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("engine: invalid %s: %s", e.Field, e.Reason)
}

// LeaseConflictError reports that another holder owns the edit lease, or
// that the caller mutated without holding one.
type LeaseConflictError struct {
	Holder string
	Age    time.Duration
}

func (e *LeaseConflictError) Error() string {
	if e.Holder == "" {
		return "engine: no edit lease held"
	}
	return fmt.Sprintf("engine: lease held by %s for %s", e.Holder, e.Age.Round(time.Second))
}

// VersionConflictError reports a stale expected version. Current carries
// the stored version so the caller can re-read and retry.
type VersionConflictError struct {
	Expected int64
	Current  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("engine: version conflict: expected %d, current %d", e.Expected, e.Current)
}

// TransitionError reports a status transition the state machine does not
// allow (e.g. approving a draft, purging a live document).
type TransitionError struct {
	Status string
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("engine: cannot %s a %s document", e.Action, e.Status)
}

// Classify maps any engine error to its outcome kind.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return OutcomeInvalid
	}
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeNotFound
	}
	if errors.Is(err, ErrForbidden) {
		return OutcomeForbidden
	}
	var lease *LeaseConflictError
	var version *VersionConflictError
	var transition *TransitionError
	if errors.As(err, &lease) || errors.As(err, &version) || errors.As(err, &transition) {
		return OutcomeConflict
	}
	return Outcome("error")
}
