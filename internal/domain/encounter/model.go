package encounter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehr/frontdesk/internal/platform/fhir"
	"github.com/ehr/frontdesk/pkg/fhirmodels"
)

// Encounter is the slice of a FHIR Encounter the front desk reads and
// writes. Extension is opaque here; the triage codec owns its contents.
type Encounter struct {
	ID          string                     `db:"id" json:"id"`
	PatientID   string                     `db:"patient_id" json:"patient_id"`
	Status      fhirmodels.EncounterStatus `db:"status" json:"status"`
	ClassCode   string                     `db:"class_code" json:"class_code"`
	PeriodStart time.Time                  `db:"period_start" json:"period_start"`
	PeriodEnd   *time.Time                 `db:"period_end" json:"period_end,omitempty"`
	Extension   []fhir.Extension           `db:"extension" json:"extension,omitempty"`
	VersionID   int                        `db:"version_id" json:"version_id"`
	CreatedAt   time.Time                  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time                  `db:"updated_at" json:"updated_at"`

	// Source is the resource as last read from a remote store, so a full
	// replace can carry the fields not modelled here.
	Source json.RawMessage `db:"-" json:"-"`
}

// Period returns the encounter period.
func (e *Encounter) Period() fhir.Period {
	start := e.PeriodStart
	return fhir.Period{Start: &start, End: e.PeriodEnd}
}

// Active reports whether the encounter is the patient's current visit.
func (e *Encounter) Active() bool { return e.Status.Active() }

func (e *Encounter) ToFHIR() map[string]interface{} {
	classCode := e.ClassCode
	if classCode == "" {
		classCode = fhirmodels.EncounterClassAmbulatory
	}
	result := map[string]interface{}{
		"resourceType": "Encounter",
		"status":       e.Status,
		"class": fhir.Coding{
			System: fhirmodels.EncounterClassSystem,
			Code:   classCode,
		},
		"subject": fhir.Reference{
			Reference: fhir.FormatReference("Patient", e.PatientID),
		},
		"period": e.Period(),
	}
	if e.ID != "" {
		result["id"] = e.ID
	}
	if e.VersionID > 0 {
		result["meta"] = fhir.Meta{VersionID: fmt.Sprintf("%d", e.VersionID)}
	}
	if len(e.Extension) > 0 {
		result["extension"] = e.Extension
	}
	return result
}

// Observation is a single write-only clinical observation recorded next to
// an encounter: the chief complaint or one vital sign.
type Observation struct {
	ID            string    `db:"id" json:"id"`
	PatientID     string    `db:"patient_id" json:"patient_id"`
	EncounterID   string    `db:"encounter_id" json:"encounter_id"`
	Status        string    `db:"status" json:"status"`
	CategoryCode  string    `db:"category_code" json:"category_code"`
	CodeSystem    string    `db:"code_system" json:"code_system"`
	CodeValue     string    `db:"code_value" json:"code_value"`
	CodeDisplay   string    `db:"code_display" json:"code_display"`
	ValueQuantity *float64  `db:"value_quantity" json:"value_quantity,omitempty"`
	ValueUnit     string    `db:"value_unit" json:"value_unit,omitempty"`
	ValueString   string    `db:"value_string" json:"value_string,omitempty"`
	EffectiveAt   time.Time `db:"effective_datetime" json:"effective_datetime"`
	PerformerID   string    `db:"performer_id" json:"performer_id,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

func (o *Observation) ToFHIR() map[string]interface{} {
	status := o.Status
	if status == "" {
		status = "final"
	}
	effective := o.EffectiveAt
	result := map[string]interface{}{
		"resourceType": "Observation",
		"status":       status,
		"category": []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: fhirmodels.ObsCategorySystem, Code: o.CategoryCode}},
		}},
		"code": fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: o.CodeSystem, Code: o.CodeValue, Display: o.CodeDisplay}},
			Text:   o.CodeDisplay,
		},
		"subject":           fhir.Reference{Reference: fhir.FormatReference("Patient", o.PatientID)},
		"encounter":         fhir.Reference{Reference: fhir.FormatReference("Encounter", o.EncounterID)},
		"effectiveDateTime": &effective,
	}
	if o.ID != "" {
		result["id"] = o.ID
	}
	if o.PerformerID != "" {
		result["performer"] = []fhir.Reference{{Reference: fhir.FormatReference("Practitioner", o.PerformerID)}}
	}
	switch {
	case o.ValueQuantity != nil:
		result["valueQuantity"] = fhir.Quantity{
			Value:  o.ValueQuantity,
			Unit:   o.ValueUnit,
			System: fhirmodels.UCUMSystem,
			Code:   o.ValueUnit,
		}
	case o.ValueString != "":
		result["valueString"] = o.ValueString
	}
	return result
}
