package triage

import (
	"time"
)

// VitalSigns holds the vitals captured at triage. Every field is optional.
type VitalSigns struct {
	SystolicBP       *int     `json:"systolic_bp,omitempty"`
	DiastolicBP      *int     `json:"diastolic_bp,omitempty"`
	HeartRate        *int     `json:"heart_rate,omitempty"`
	RespiratoryRate  *int     `json:"respiratory_rate,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	OxygenSaturation *int     `json:"oxygen_saturation,omitempty"`
	PainScore        *int     `json:"pain_score,omitempty"`
	Weight           *float64 `json:"weight,omitempty"`
	Height           *float64 `json:"height,omitempty"`
}

// IsEmpty reports whether no vital was recorded.
func (v VitalSigns) IsEmpty() bool {
	return v.SystolicBP == nil && v.DiastolicBP == nil && v.HeartRate == nil &&
		v.RespiratoryRate == nil && v.Temperature == nil && v.OxygenSaturation == nil &&
		v.PainScore == nil && v.Weight == nil && v.Height == nil
}

// TriageRecord is one acuity assessment. TriageLevel runs 1 (most urgent)
// to 5. IsTriaged is false for a bare check-in that only carries whatever
// partial assessment survived a re-check-in.
type TriageRecord struct {
	TriageLevel    int        `json:"triage_level"`
	ChiefComplaint string     `json:"chief_complaint"`
	TriageNotes    string     `json:"triage_notes,omitempty"`
	TriageBy       string     `json:"triage_by,omitempty"`
	TriageAt       time.Time  `json:"triage_at"`
	IsTriaged      bool       `json:"is_triaged"`
	VitalSigns     VitalSigns `json:"vital_signs"`
	RedFlags       []string   `json:"red_flags"`
}

// Metadata is everything the front desk stores on an encounter.
type Metadata struct {
	Triage       *TriageRecord `json:"triage,omitempty"`
	QueueStatus  QueueStatus   `json:"queue_status"`
	QueueAddedAt *time.Time    `json:"queue_added_at,omitempty"`
}

// Triaged reports whether a full triage has been recorded.
func (m Metadata) Triaged() bool {
	return m.Triage != nil && m.Triage.IsTriaged
}
