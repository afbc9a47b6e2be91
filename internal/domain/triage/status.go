package triage

import (
	"fmt"
	"strings"

	"github.com/ehr/frontdesk/pkg/fhirmodels"
)

// QueueStatus is the front-desk view of a patient's visit. QueueNone means
// the patient is not in any queue.
type QueueStatus string

const (
	QueueNone           QueueStatus = ""
	QueueArrived        QueueStatus = "arrived"
	QueueWaiting        QueueStatus = "waiting"
	QueueInConsultation QueueStatus = "in_consultation"
	QueueCompleted      QueueStatus = "completed"
	QueueMedsAndBills   QueueStatus = "meds_and_bills"
)

var queueStatuses = map[QueueStatus]bool{
	QueueArrived:        true,
	QueueWaiting:        true,
	QueueInConsultation: true,
	QueueCompleted:      true,
	QueueMedsAndBills:   true,
}

// ParseQueueStatus accepts the wire names plus "", "null" and "none" for
// QueueNone, ignoring case and surrounding space.
func ParseQueueStatus(s string) (QueueStatus, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	switch norm {
	case "", "null", "none":
		return QueueNone, nil
	}
	q := QueueStatus(norm)
	if !queueStatuses[q] {
		return QueueNone, fmt.Errorf("invalid queue status: %s", s)
	}
	return q, nil
}

// Valid reports whether q is a known status, QueueNone included.
func (q QueueStatus) Valid() bool { return q == QueueNone || queueStatuses[q] }

// Queued reports whether q places the patient in a queue.
func (q QueueStatus) Queued() bool { return q != QueueNone }

// Closing reports whether q ends the encounter.
func (q QueueStatus) Closing() bool {
	return q == QueueCompleted || q == QueueMedsAndBills
}

func (q QueueStatus) String() string {
	if q == QueueNone {
		return "none"
	}
	return string(q)
}

var toEncounterStatus = map[QueueStatus]fhirmodels.EncounterStatus{
	QueueArrived:        fhirmodels.EncounterStatusArrived,
	QueueWaiting:        fhirmodels.EncounterStatusTriaged,
	QueueInConsultation: fhirmodels.EncounterStatusInProgress,
	QueueCompleted:      fhirmodels.EncounterStatusFinished,
	QueueMedsAndBills:   fhirmodels.EncounterStatusFinished,
	QueueNone:           fhirmodels.EncounterStatusFinished,
}

var fromEncounterStatus = map[fhirmodels.EncounterStatus]QueueStatus{
	fhirmodels.EncounterStatusArrived:    QueueArrived,
	fhirmodels.EncounterStatusTriaged:    QueueWaiting,
	fhirmodels.EncounterStatusInProgress: QueueInConsultation,
	fhirmodels.EncounterStatusFinished:   QueueCompleted,
}

// EncounterStatusFor returns the external encounter status for q. QueueNone
// maps to finished, which only applies to an explicit removal.
func EncounterStatusFor(q QueueStatus) (fhirmodels.EncounterStatus, bool) {
	s, ok := toEncounterStatus[q]
	return s, ok
}

// QueueStatusFor is the reverse of EncounterStatusFor. finished is
// ambiguous and resolves to QueueCompleted.
func QueueStatusFor(s fhirmodels.EncounterStatus) (QueueStatus, bool) {
	q, ok := fromEncounterStatus[s]
	return q, ok
}
