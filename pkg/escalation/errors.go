package escalation

import (
	"errors"
	"fmt"

	"incident-escalation-service/pkg/models"
)

var (
	// ErrInvalidTransition - the requested operation is not permitted
	// from the timer's current status.
	ErrInvalidTransition = errors.New("invalid escalation timer transition")

	// ErrConflict - the conflict retry budget was exhausted without a
	// successful conditional save. Retryable by the caller.
	ErrConflict = errors.New("escalation timer conflict retries exhausted")
)

// TransitionError carries the authoritative current status alongside
// ErrInvalidTransition so callers can reconcile without a follow-up read.
type TransitionError struct {
	Operation string
	Status    models.TimerStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s escalation timer in status %q", e.Operation, e.Status)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
