package fhirmodels

// Common FHIR value set constants used across the application.

// EncounterStatus is the FHIR R4 Encounter.status value set.
type EncounterStatus string

// EncounterStatus values per FHIR R4.
const (
	EncounterStatusPlanned        EncounterStatus = "planned"
	EncounterStatusArrived        EncounterStatus = "arrived"
	EncounterStatusTriaged        EncounterStatus = "triaged"
	EncounterStatusInProgress     EncounterStatus = "in-progress"
	EncounterStatusOnLeave        EncounterStatus = "onleave"
	EncounterStatusFinished       EncounterStatus = "finished"
	EncounterStatusCancelled      EncounterStatus = "cancelled"
	EncounterStatusEnteredInError EncounterStatus = "entered-in-error"
)

var encounterStatuses = map[EncounterStatus]bool{
	EncounterStatusPlanned:        true,
	EncounterStatusArrived:        true,
	EncounterStatusTriaged:        true,
	EncounterStatusInProgress:     true,
	EncounterStatusOnLeave:        true,
	EncounterStatusFinished:       true,
	EncounterStatusCancelled:      true,
	EncounterStatusEnteredInError: true,
}

// Valid reports whether s is a member of the value set.
func (s EncounterStatus) Valid() bool { return encounterStatuses[s] }

// Active reports whether an encounter in this status still counts as the
// patient's current visit.
func (s EncounterStatus) Active() bool {
	switch s {
	case EncounterStatusArrived, EncounterStatusTriaged, EncounterStatusInProgress:
		return true
	}
	return false
}

// ActiveEncounterStatuses lists the statuses matched by an active-encounter lookup.
var ActiveEncounterStatuses = []EncounterStatus{
	EncounterStatusArrived,
	EncounterStatusTriaged,
	EncounterStatusInProgress,
}

// EncounterClass codes per FHIR R4 v3-ActCode.
const (
	EncounterClassSystem     = "http://terminology.hl7.org/CodeSystem/v3-ActCode"
	EncounterClassAmbulatory = "AMB"
	EncounterClassEmergency  = "EMER"
)

// ObservationCategory codes.
const (
	ObsCategorySystem     = "http://terminology.hl7.org/CodeSystem/observation-category"
	ObsCategoryVitalSigns = "vital-signs"
	ObsCategorySurvey     = "survey"
	ObsCategoryExam       = "exam"
)

// LOINC codes recorded at triage.
const (
	LOINCSystem           = "http://loinc.org"
	LOINCChiefComplaint   = "8661-1"
	LOINCSystolicBP       = "8480-6"
	LOINCDiastolicBP      = "8462-4"
	LOINCHeartRate        = "8867-4"
	LOINCRespiratoryRate  = "9279-1"
	LOINCBodyTemperature  = "8310-5"
	LOINCOxygenSaturation = "59408-5"
	LOINCPainSeverity     = "72514-3"
	LOINCBodyWeight       = "29463-7"
	LOINCBodyHeight       = "8302-2"
)

// UCUM units paired with the vital-sign codes above.
const (
	UCUMSystem = "http://unitsofmeasure.org"
	UnitMmHg   = "mm[Hg]"
	UnitPerMin = "/min"
	UnitCel    = "Cel"
	UnitPct    = "%"
	UnitScore  = "{score}"
	UnitKg     = "kg"
	UnitCm     = "cm"
)
