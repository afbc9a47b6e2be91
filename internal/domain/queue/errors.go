package queue

import (
	"errors"
	"fmt"

	"github.com/ehr/frontdesk/internal/domain/triage"
)

var (
	// ErrNotFound means the patient has no encounter the operation can act on.
	ErrNotFound = errors.New("no active encounter")
	// ErrInvalidTransition means the encounter exists but cannot move to the target.
	ErrInvalidTransition = errors.New("invalid queue transition")
	// ErrValidation means the request itself is malformed.
	ErrValidation = errors.New("invalid request")
)

// TransitionError carries the patient and the attempted status so callers
// can render a specific message. It unwraps to ErrNotFound or
// ErrInvalidTransition.
type TransitionError struct {
	PatientID string
	Target    triage.QueueStatus
	Reason    string
	Err       error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("patient %s to %s: %s", e.PatientID, e.Target, e.Reason)
}

func (e *TransitionError) Unwrap() error { return e.Err }

func notFound(patientID string, target triage.QueueStatus, reason string) error {
	return &TransitionError{PatientID: patientID, Target: target, Reason: reason, Err: ErrNotFound}
}

func invalidTransition(patientID string, target triage.QueueStatus, reason string) error {
	return &TransitionError{PatientID: patientID, Target: target, Reason: reason, Err: ErrInvalidTransition}
}

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
