package encounter

import (
	"context"
	"errors"
	"time"

	"github.com/ehr/frontdesk/internal/platform/fhir"
	"github.com/ehr/frontdesk/pkg/fhirmodels"
)

var (
	// ErrNotFound is returned when the encounter does not exist.
	ErrNotFound = errors.New("encounter not found")
	// ErrVersionConflict is returned by gateways that compare versions on update.
	ErrVersionConflict = errors.New("encounter version conflict")
)

// Gateway is everything the front desk needs from the clinical data store.
// Implementations do not retry; a failed call is returned to the caller.
type Gateway interface {
	CreateEncounter(ctx context.Context, patientID string, status fhirmodels.EncounterStatus, period fhir.Period, ext []fhir.Extension) (string, error)
	ReadEncounter(ctx context.Context, id string) (*Encounter, error)
	// UpdateEncounter replaces the stored encounter's fields, extensions included.
	UpdateEncounter(ctx context.Context, enc *Encounter) (*Encounter, error)
	// FindActiveEncounter returns the patient's arrived, triaged or in-progress
	// encounter, or nil when there is none.
	FindActiveEncounter(ctx context.Context, patientID string) (*Encounter, error)
	// SearchEncountersInWindow returns encounters whose period overlaps [start, end).
	SearchEncountersInWindow(ctx context.Context, start, end time.Time) ([]*Encounter, error)
	CreateObservation(ctx context.Context, obs *Observation) error
}
