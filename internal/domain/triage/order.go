package triage

import (
	"sort"
	"time"
)

// untriagedLevel ranks bare arrivals after every assessed patient.
const untriagedLevel = 6

// Entry is one decoded queue row.
type Entry struct {
	EncounterID string   `json:"encounter_id"`
	PatientID   string   `json:"patient_id"`
	Metadata    Metadata `json:"metadata"`
}

// Level returns the acuity used for ordering.
func (e Entry) Level() int {
	if !e.Metadata.Triaged() {
		return untriagedLevel
	}
	return e.Metadata.Triage.TriageLevel
}

func (e Entry) addedAt() time.Time {
	if e.Metadata.QueueAddedAt == nil {
		return time.Unix(0, 0)
	}
	return *e.Metadata.QueueAddedAt
}

// Less orders a before b: assessed patients first, then lower level, then
// earlier arrival.
func Less(a, b Entry) bool {
	at, bt := a.Metadata.Triaged(), b.Metadata.Triaged()
	if at != bt {
		return at
	}
	if la, lb := a.Level(), b.Level(); la != lb {
		return la < lb
	}
	return a.addedAt().Before(b.addedAt())
}

// Order sorts entries in place into display order. Ties keep input order.
func Order(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return Less(entries[i], entries[j])
	})
}

// DayWindow returns [local midnight, +24h) around now in loc.
func DayWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	n := now.In(loc)
	start := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc)
	return start, start.Add(24 * time.Hour)
}
