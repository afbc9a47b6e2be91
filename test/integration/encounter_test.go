//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/frontdesk/internal/domain/encounter"
	"github.com/ehr/frontdesk/internal/domain/queue"
	"github.com/ehr/frontdesk/internal/domain/triage"
	"github.com/ehr/frontdesk/internal/platform/db"
	"github.com/ehr/frontdesk/internal/platform/fhir"
	"github.com/ehr/frontdesk/pkg/fhirmodels"
)

func TestEncounterGateway(t *testing.T) {
	ctx := context.Background()
	tenant := newTenant(t, ctx)
	ctx = tenantCtx(t, ctx, tenant)
	repo := encounter.NewRepo(pool)

	now := time.Now().UTC().Truncate(time.Millisecond)
	ext := triage.Encode(nil, triage.QueueArrived, &now, now)

	id, err := repo.CreateEncounter(ctx, "pat-1", fhirmodels.EncounterStatusArrived, fhir.Period{Start: &now}, []fhir.Extension{ext})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	t.Run("Read", func(t *testing.T) {
		enc, err := repo.ReadEncounter(ctx, id)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if enc.PatientID != "pat-1" || enc.Status != fhirmodels.EncounterStatusArrived || enc.VersionID != 1 {
			t.Errorf("unexpected encounter %+v", enc)
		}
		md, err := triage.Decode(enc.Extension)
		if err != nil || md.QueueStatus != triage.QueueArrived {
			t.Errorf("expected arrived metadata, got %+v (%v)", md, err)
		}
	})

	t.Run("Read_Unknown", func(t *testing.T) {
		if _, err := repo.ReadEncounter(ctx, "not-a-uuid"); !errors.Is(err, encounter.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("FindActive", func(t *testing.T) {
		enc, err := repo.FindActiveEncounter(ctx, "pat-1")
		if err != nil || enc == nil || enc.ID != id {
			t.Fatalf("expected active encounter %s, got %+v (%v)", id, enc, err)
		}
		none, err := repo.FindActiveEncounter(ctx, "nobody")
		if err != nil || none != nil {
			t.Errorf("expected nil for unknown patient, got %+v (%v)", none, err)
		}
	})

	t.Run("Update_BumpsVersion", func(t *testing.T) {
		enc, _ := repo.ReadEncounter(ctx, id)
		enc.Status = fhirmodels.EncounterStatusTriaged
		updated, err := repo.UpdateEncounter(ctx, enc)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.VersionID != 2 || updated.Status != fhirmodels.EncounterStatusTriaged {
			t.Errorf("unexpected update result %+v", updated)
		}

		// A stale copy loses.
		enc.VersionID = 1
		if _, err := repo.UpdateEncounter(ctx, enc); !errors.Is(err, encounter.ErrVersionConflict) {
			t.Errorf("expected ErrVersionConflict, got %v", err)
		}
	})

	t.Run("Update_KeepsSiblingValues", func(t *testing.T) {
		var sibling fhir.Extension
		if err := json.Unmarshal([]byte(`{"url":"http://other.org/ext/referrer","id":"r1","valueReference":{"reference":"Practitioner/dr-2"}}`), &sibling); err != nil {
			t.Fatal(err)
		}
		enc, _ := repo.ReadEncounter(ctx, id)
		enc.Extension = append([]fhir.Extension{sibling}, enc.Extension...)
		if _, err := repo.UpdateEncounter(ctx, enc); err != nil {
			t.Fatalf("update: %v", err)
		}

		back, err := repo.ReadEncounter(ctx, id)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got := fhir.FindExtension(back.Extension, "http://other.org/ext/referrer")
		if got == nil {
			t.Fatal("sibling extension lost")
		}
		var ref fhir.Reference
		json.Unmarshal(got.Extra["valueReference"], &ref)
		if ref.Reference != "Practitioner/dr-2" || string(got.Extra["id"]) != `"r1"` {
			t.Errorf("sibling members lost: %+v", got.Extra)
		}
	})

	t.Run("Read_MistypedMetadataValue", func(t *testing.T) {
		other, err := repo.CreateEncounter(ctx, "pat-9", fhirmodels.EncounterStatusTriaged, fhir.Period{Start: &now}, nil)
		if err != nil {
			t.Fatal(err)
		}
		bad := `[{"url":"` + triage.MetadataURL + `","extension":[{"url":"triageLevel","valueInteger":"2"},{"url":"queueStatus","valueCode":"waiting"}]}]`
		if _, err := db.ConnFromContext(ctx).Exec(ctx, `UPDATE encounter SET extension = $1::jsonb WHERE id = $2`, bad, other); err != nil {
			t.Fatal(err)
		}
		defer db.ConnFromContext(ctx).Exec(ctx, `DELETE FROM encounter WHERE id = $1`, other)

		encs, err := repo.SearchEncountersInWindow(ctx, now.Add(-time.Hour), now.Add(time.Hour))
		if err != nil || len(encs) != 2 {
			t.Fatalf("expected both encounters, got %d (%v)", len(encs), err)
		}
		enc, err := repo.ReadEncounter(ctx, other)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		md, _ := triage.Decode(enc.Extension)
		if md.QueueStatus != triage.QueueWaiting || md.Triage != nil {
			t.Errorf("expected waiting without triage, got %+v", md)
		}
	})

	t.Run("Window", func(t *testing.T) {
		encs, err := repo.SearchEncountersInWindow(ctx, now.Add(-time.Hour), now.Add(time.Hour))
		if err != nil || len(encs) != 1 {
			t.Fatalf("expected one encounter in window, got %d (%v)", len(encs), err)
		}
		encs, err = repo.SearchEncountersInWindow(ctx, now.Add(time.Hour), now.Add(2*time.Hour))
		if err != nil || len(encs) != 0 {
			t.Errorf("expected none after the window, got %d (%v)", len(encs), err)
		}
	})

	t.Run("Observation", func(t *testing.T) {
		hr := 88.0
		obs := &encounter.Observation{
			PatientID:     "pat-1",
			EncounterID:   id,
			CategoryCode:  fhirmodels.ObsCategoryVitalSigns,
			CodeSystem:    fhirmodels.LOINCSystem,
			CodeValue:     fhirmodels.LOINCHeartRate,
			ValueQuantity: &hr,
			ValueUnit:     fhirmodels.UnitPerMin,
			EffectiveAt:   now,
		}
		if err := repo.CreateObservation(ctx, obs); err != nil {
			t.Fatalf("create observation: %v", err)
		}
		if obs.ID == "" {
			t.Error("expected observation id")
		}
	})
}

func TestQueueOnPostgres(t *testing.T) {
	ctx := context.Background()
	tenant := newTenant(t, ctx)
	ctx = tenantCtx(t, ctx, tenant)
	svc := queue.NewService(encounter.NewRepo(pool), zerolog.Nop())

	if _, err := svc.CheckIn(ctx, "pat-a"); err != nil {
		t.Fatalf("check in a: %v", err)
	}
	if _, err := svc.CompleteTriage(ctx, "pat-b", triage.TriageRecord{
		TriageLevel:    2,
		ChiefComplaint: "Chest pain",
		VitalSigns:     triage.VitalSigns{HeartRate: ptrInt(120)},
	}); err != nil {
		t.Fatalf("triage b: %v", err)
	}

	entries, err := svc.ListQueue(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].PatientID != "pat-b" || entries[1].PatientID != "pat-a" {
		t.Fatalf("expected [pat-b pat-a], got %+v", entries)
	}

	if _, err := svc.UpdateQueueStatus(ctx, "pat-b", triage.QueueCompleted); err != nil {
		t.Fatalf("complete b: %v", err)
	}
	entry, err := svc.UpdateQueueStatus(ctx, "pat-b", triage.QueueMedsAndBills)
	if err != nil {
		t.Fatalf("meds and bills after finish: %v", err)
	}
	if entry.Metadata.QueueStatus != triage.QueueMedsAndBills || !entry.Metadata.Triaged() {
		t.Errorf("unexpected entry %+v", entry.Metadata)
	}

	if _, err := svc.RemoveFromQueue(ctx, "pat-a"); err != nil {
		t.Fatalf("remove a: %v", err)
	}
	if _, err := svc.GetEntry(ctx, "pat-a"); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("expected removed patient to be gone, got %v", err)
	}
}

func ptrInt(i int) *int { return &i }
