package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/frontdesk/internal/domain/encounter"
	"github.com/ehr/frontdesk/internal/domain/triage"
	"github.com/ehr/frontdesk/internal/platform/cache"
	"github.com/ehr/frontdesk/internal/platform/db"
	"github.com/ehr/frontdesk/internal/platform/fhir"
	"github.com/ehr/frontdesk/pkg/fhirmodels"
)

// DefaultCacheTTL bounds how stale a cached queue snapshot may be.
const DefaultCacheTTL = 15 * time.Second

// Service drives a patient's queue membership through the encounter
// gateway. Every update is read, compute, write with no compare-and-swap;
// concurrent writers to one encounter race and the last one wins unless
// the gateway rejects a stale version.
type Service struct {
	gw       encounter.Gateway
	logger   zerolog.Logger
	cache    cache.Store
	cacheTTL time.Duration
	loc      *time.Location
	now      func() time.Time
}

func NewService(gw encounter.Gateway, logger zerolog.Logger) *Service {
	return &Service{
		gw:     gw,
		logger: logger.With().Str("component", "queue").Logger(),
		loc:    time.Local,
		now:    time.Now,
	}
}

// SetCache attaches a snapshot cache for ListQueue. A nil store disables it.
func (s *Service) SetCache(store cache.Store, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	s.cache = store
	s.cacheTTL = ttl
}

// SetLocation sets the zone whose midnight starts the queue day.
func (s *Service) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

// CheckIn puts the patient in the queue as arrived. An active encounter is
// re-stamped and keeps its queue position; otherwise a new encounter is
// opened.
func (s *Service) CheckIn(ctx context.Context, patientID string) (*triage.Entry, error) {
	if err := requirePatient(patientID); err != nil {
		return nil, err
	}
	now := s.now()

	active, err := s.gw.FindActiveEncounter(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("find active encounter: %w", err)
	}
	if active != nil {
		md := s.decode(active)
		addedAt := md.QueueAddedAt
		if addedAt == nil {
			addedAt = &now
		}
		active.Status = fhirmodels.EncounterStatusArrived
		active.PeriodEnd = nil
		active.Extension = triage.Merge(active.Extension, triage.EncodeCheckIn(md.Triage, triage.QueueArrived, addedAt, now))
		return s.write(ctx, active, triage.QueueArrived)
	}

	if err := s.releaseFinished(ctx, patientID); err != nil {
		return nil, err
	}
	ext := []fhir.Extension{triage.EncodeCheckIn(nil, triage.QueueArrived, &now, now)}
	return s.create(ctx, patientID, fhirmodels.EncounterStatusArrived, now, ext)
}

// CompleteTriage records a full assessment and moves the patient to waiting,
// opening an encounter when there is none. The chief complaint and each
// recorded vital are also written as observations.
func (s *Service) CompleteTriage(ctx context.Context, patientID string, rec triage.TriageRecord) (*triage.Entry, error) {
	if err := requirePatient(patientID); err != nil {
		return nil, err
	}
	if err := ValidateTriage(rec); err != nil {
		return nil, err
	}
	now := s.now()
	if rec.TriageAt.IsZero() {
		rec.TriageAt = now
	}
	rec.IsTriaged = true

	active, err := s.gw.FindActiveEncounter(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("find active encounter: %w", err)
	}

	var entry *triage.Entry
	if active != nil {
		md := s.decode(active)
		addedAt := md.QueueAddedAt
		if addedAt == nil {
			addedAt = &now
		}
		active.Status = fhirmodels.EncounterStatusTriaged
		active.PeriodEnd = nil
		active.Extension = triage.Merge(active.Extension, triage.EncodeTriage(rec, triage.QueueWaiting, addedAt, now))
		entry, err = s.write(ctx, active, triage.QueueWaiting)
	} else {
		if err := s.releaseFinished(ctx, patientID); err != nil {
			return nil, err
		}
		ext := []fhir.Extension{triage.EncodeTriage(rec, triage.QueueWaiting, &now, now)}
		entry, err = s.create(ctx, patientID, fhirmodels.EncounterStatusTriaged, now, ext)
	}
	if err != nil {
		return nil, err
	}

	for _, obs := range triageObservations(patientID, entry.EncounterID, rec) {
		if err := s.gw.CreateObservation(ctx, obs); err != nil {
			return entry, fmt.Errorf("record observation %s: %w", obs.CodeValue, err)
		}
	}
	return entry, nil
}

// UpdateQueueStatus moves the patient to target. Arrived is a check-in and
// none is a removal. Any other target needs an encounter to act on.
func (s *Service) UpdateQueueStatus(ctx context.Context, patientID string, target triage.QueueStatus) (*triage.Entry, error) {
	if err := requirePatient(patientID); err != nil {
		return nil, err
	}
	if !target.Valid() {
		return nil, validationf("unknown queue status %q", target)
	}
	switch target {
	case triage.QueueNone:
		return s.RemoveFromQueue(ctx, patientID)
	case triage.QueueArrived:
		return s.CheckIn(ctx, patientID)
	}

	enc, md, err := s.current(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, notFound(patientID, target, "no active encounter")
	}
	if !enc.Active() && !target.Closing() {
		return nil, invalidTransition(patientID, target, fmt.Sprintf("encounter already %s", enc.Status))
	}

	status, _ := triage.EncounterStatusFor(target)
	now := s.now()
	enc.Status = status
	if status == fhirmodels.EncounterStatusFinished && enc.PeriodEnd == nil {
		enc.PeriodEnd = &now
	}

	root := fhir.FindExtension(enc.Extension, triage.MetadataURL)
	if root == nil {
		// Encounter opened elsewhere: it enters the queue now.
		enc.Extension = triage.Merge(enc.Extension, triage.Encode(nil, target, &now, now))
	} else {
		enc.Extension = triage.Merge(enc.Extension, triage.WithQueueStatus(*root, target))
	}
	s.logger.Debug().Str("patient_id", patientID).
		Str("from", md.QueueStatus.String()).Str("to", target.String()).
		Msg("queue status change")
	return s.write(ctx, enc, target)
}

// RemoveFromQueue finishes the encounter and deletes its queue status and
// timestamp. The assessment stays on the encounter.
func (s *Service) RemoveFromQueue(ctx context.Context, patientID string) (*triage.Entry, error) {
	if err := requirePatient(patientID); err != nil {
		return nil, err
	}
	enc, md, err := s.current(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if enc == nil || !md.QueueStatus.Queued() {
		return nil, invalidTransition(patientID, triage.QueueNone, "patient is not queued")
	}

	now := s.now()
	enc.Status = fhirmodels.EncounterStatusFinished
	if enc.PeriodEnd == nil {
		enc.PeriodEnd = &now
	}
	if root := fhir.FindExtension(enc.Extension, triage.MetadataURL); root != nil {
		enc.Extension = triage.Merge(enc.Extension, triage.WithoutQueue(*root))
	}
	return s.write(ctx, enc, triage.QueueNone)
}

// ListQueue returns today's queued patients in display order.
func (s *Service) ListQueue(ctx context.Context) ([]triage.Entry, error) {
	now := s.now()
	key := cache.QueueKey(db.TenantFromContext(ctx), now.In(s.loc))

	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key)
		switch {
		case err == nil:
			var entries []triage.Entry
			if err := json.Unmarshal(raw, &entries); err == nil {
				return entries, nil
			}
			s.logger.Warn().Str("key", key).Msg("discarding unreadable queue snapshot")
		case !errors.Is(err, cache.ErrCacheMiss):
			s.logger.Warn().Err(err).Str("key", key).Msg("queue cache read failed")
		}
	}

	entries, err := s.today(ctx, now)
	if err != nil {
		return nil, err
	}
	triage.Order(entries)

	if s.cache != nil {
		if raw, err := json.Marshal(entries); err == nil {
			if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
				s.logger.Warn().Err(err).Str("key", key).Msg("queue cache write failed")
			}
		}
	}
	return entries, nil
}

// GetEntry returns the patient's current queue entry.
func (s *Service) GetEntry(ctx context.Context, patientID string) (*triage.Entry, error) {
	if err := requirePatient(patientID); err != nil {
		return nil, err
	}
	enc, md, err := s.current(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if enc == nil || !md.QueueStatus.Queued() {
		return nil, notFound(patientID, triage.QueueNone, "patient is not queued")
	}
	return &triage.Entry{EncounterID: enc.ID, PatientID: patientID, Metadata: md}, nil
}

// current finds the encounter the patient is queued on: the active one, or
// failing that one that finished today and still has a queue status.
func (s *Service) current(ctx context.Context, patientID string) (*encounter.Encounter, triage.Metadata, error) {
	active, err := s.gw.FindActiveEncounter(ctx, patientID)
	if err != nil {
		return nil, triage.Metadata{}, fmt.Errorf("find active encounter: %w", err)
	}
	if active != nil {
		return active, s.decode(active), nil
	}
	enc, err := s.finishedToday(ctx, patientID)
	if err != nil || enc == nil {
		return nil, triage.Metadata{}, err
	}
	return enc, s.decode(enc), nil
}

func (s *Service) finishedToday(ctx context.Context, patientID string) (*encounter.Encounter, error) {
	start, end := triage.DayWindow(s.now(), s.loc)
	encs, err := s.gw.SearchEncountersInWindow(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("search today's encounters: %w", err)
	}
	var found *encounter.Encounter
	for _, enc := range encs {
		if enc.PatientID != patientID || enc.Active() {
			continue
		}
		if !s.decode(enc).QueueStatus.Queued() {
			continue
		}
		if found == nil || enc.PeriodStart.After(found.PeriodStart) {
			found = enc
		}
	}
	return found, nil
}

// releaseFinished strips queue membership from a finished encounter so a
// fresh visit can take its place.
func (s *Service) releaseFinished(ctx context.Context, patientID string) error {
	prior, err := s.finishedToday(ctx, patientID)
	if err != nil || prior == nil {
		return err
	}
	root := fhir.FindExtension(prior.Extension, triage.MetadataURL)
	if root == nil {
		return nil
	}
	prior.Extension = triage.Merge(prior.Extension, triage.WithoutQueue(*root))
	if _, err := s.gw.UpdateEncounter(ctx, prior); err != nil {
		return fmt.Errorf("release encounter %s: %w", prior.ID, err)
	}
	s.logger.Info().Str("patient_id", patientID).Str("encounter_id", prior.ID).
		Msg("released finished encounter from queue")
	return nil
}

func (s *Service) today(ctx context.Context, now time.Time) ([]triage.Entry, error) {
	start, end := triage.DayWindow(now, s.loc)
	encs, err := s.gw.SearchEncountersInWindow(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("search today's encounters: %w", err)
	}
	entries := make([]triage.Entry, 0, len(encs))
	for _, enc := range encs {
		md := s.decode(enc)
		if !md.QueueStatus.Queued() {
			continue
		}
		entries = append(entries, triage.Entry{EncounterID: enc.ID, PatientID: enc.PatientID, Metadata: md})
	}
	return entries, nil
}

// decode reads the encounter's metadata. An active encounter without any
// takes its queue status from the encounter status.
func (s *Service) decode(enc *encounter.Encounter) triage.Metadata {
	md, err := triage.Decode(enc.Extension)
	if err != nil {
		s.logger.Debug().Err(err).Str("encounter_id", enc.ID).Msg("triage metadata skipped")
	}
	if !md.QueueStatus.Queued() && enc.Active() && fhir.FindExtension(enc.Extension, triage.MetadataURL) == nil {
		if q, ok := triage.QueueStatusFor(enc.Status); ok {
			md.QueueStatus = q
		}
	}
	return md
}

func (s *Service) create(ctx context.Context, patientID string, status fhirmodels.EncounterStatus, now time.Time, ext []fhir.Extension) (*triage.Entry, error) {
	start := now
	id, err := s.gw.CreateEncounter(ctx, patientID, status, fhir.Period{Start: &start}, ext)
	if err != nil {
		return nil, fmt.Errorf("create encounter: %w", err)
	}
	s.invalidate(ctx)
	md, _ := triage.Decode(ext)
	s.logger.Info().Str("patient_id", patientID).Str("encounter_id", id).
		Str("queue_status", md.QueueStatus.String()).Msg("encounter opened")
	return &triage.Entry{EncounterID: id, PatientID: patientID, Metadata: md}, nil
}

func (s *Service) write(ctx context.Context, enc *encounter.Encounter, target triage.QueueStatus) (*triage.Entry, error) {
	updated, err := s.gw.UpdateEncounter(ctx, enc)
	if err != nil {
		return nil, fmt.Errorf("update encounter %s: %w", enc.ID, err)
	}
	s.invalidate(ctx)
	if updated == nil {
		updated = enc
	}
	md, _ := triage.Decode(updated.Extension)
	s.logger.Info().Str("patient_id", updated.PatientID).Str("encounter_id", updated.ID).
		Str("queue_status", target.String()).Str("encounter_status", string(updated.Status)).
		Msg("queue updated")
	return &triage.Entry{EncounterID: updated.ID, PatientID: updated.PatientID, Metadata: md}, nil
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	key := cache.QueueKey(db.TenantFromContext(ctx), s.now().In(s.loc))
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("queue cache invalidation failed")
	}
}

func requirePatient(patientID string) error {
	if strings.TrimSpace(patientID) == "" {
		return validationf("patient_id is required")
	}
	return nil
}

// ValidateTriage checks what the codec does not: level range, a complaint,
// and a plausible pain score.
func ValidateTriage(rec triage.TriageRecord) error {
	if rec.TriageLevel < 1 || rec.TriageLevel > 5 {
		return validationf("triage_level must be between 1 and 5, got %d", rec.TriageLevel)
	}
	if strings.TrimSpace(rec.ChiefComplaint) == "" {
		return validationf("chief_complaint is required")
	}
	if p := rec.VitalSigns.PainScore; p != nil && (*p < 0 || *p > 10) {
		return validationf("pain_score must be between 0 and 10, got %d", *p)
	}
	return nil
}

type vitalCode struct {
	code, display, unit string
}

var (
	vitalSystolic    = vitalCode{fhirmodels.LOINCSystolicBP, "Systolic blood pressure", fhirmodels.UnitMmHg}
	vitalDiastolic   = vitalCode{fhirmodels.LOINCDiastolicBP, "Diastolic blood pressure", fhirmodels.UnitMmHg}
	vitalHeartRate   = vitalCode{fhirmodels.LOINCHeartRate, "Heart rate", fhirmodels.UnitPerMin}
	vitalRespiratory = vitalCode{fhirmodels.LOINCRespiratoryRate, "Respiratory rate", fhirmodels.UnitPerMin}
	vitalTemperature = vitalCode{fhirmodels.LOINCBodyTemperature, "Body temperature", fhirmodels.UnitCel}
	vitalSpO2        = vitalCode{fhirmodels.LOINCOxygenSaturation, "Oxygen saturation", fhirmodels.UnitPct}
	vitalPain        = vitalCode{fhirmodels.LOINCPainSeverity, "Pain severity", fhirmodels.UnitScore}
	vitalWeight      = vitalCode{fhirmodels.LOINCBodyWeight, "Body weight", fhirmodels.UnitKg}
	vitalHeight      = vitalCode{fhirmodels.LOINCBodyHeight, "Body height", fhirmodels.UnitCm}
)

func triageObservations(patientID, encounterID string, rec triage.TriageRecord) []*encounter.Observation {
	base := func(category, code, display string) *encounter.Observation {
		return &encounter.Observation{
			PatientID:    patientID,
			EncounterID:  encounterID,
			Status:       "final",
			CategoryCode: category,
			CodeSystem:   fhirmodels.LOINCSystem,
			CodeValue:    code,
			CodeDisplay:  display,
			EffectiveAt:  rec.TriageAt,
			PerformerID:  rec.TriageBy,
		}
	}

	cc := base(fhirmodels.ObsCategorySurvey, fhirmodels.LOINCChiefComplaint, "Chief complaint")
	cc.ValueString = rec.ChiefComplaint
	out := []*encounter.Observation{cc}

	addQty := func(vc vitalCode, v float64) {
		obs := base(fhirmodels.ObsCategoryVitalSigns, vc.code, vc.display)
		obs.ValueQuantity = &v
		obs.ValueUnit = vc.unit
		out = append(out, obs)
	}
	addInt := func(vc vitalCode, p *int) {
		if p != nil {
			addQty(vc, float64(*p))
		}
	}
	addDec := func(vc vitalCode, p *float64) {
		if p != nil {
			addQty(vc, *p)
		}
	}

	v := rec.VitalSigns
	addInt(vitalSystolic, v.SystolicBP)
	addInt(vitalDiastolic, v.DiastolicBP)
	addInt(vitalHeartRate, v.HeartRate)
	addInt(vitalRespiratory, v.RespiratoryRate)
	addDec(vitalTemperature, v.Temperature)
	addInt(vitalSpO2, v.OxygenSaturation)
	addInt(vitalPain, v.PainScore)
	addDec(vitalWeight, v.Weight)
	addDec(vitalHeight, v.Height)
	return out
}
