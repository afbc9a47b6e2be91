package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/frontdesk/internal/domain/encounter"
	"github.com/ehr/frontdesk/internal/domain/queue"
	"github.com/ehr/frontdesk/internal/domain/triage"
	"github.com/ehr/frontdesk/internal/platform/fhir"
	"github.com/ehr/frontdesk/pkg/fhirmodels"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL + "/fhir", Timeout: 2 * time.Second, RetryCount: 2, AuthToken: "tok"}, zerolog.Nop())
	return c, srv
}

func writeFHIR(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", mimeFHIRJSON)
	w.WriteHeader(status)
	io.WriteString(w, body)
}

const storedEncounter = `{
	"resourceType": "Encounter",
	"id": "enc-1",
	"meta": {"versionId": "3", "lastUpdated": "2026-03-14T09:30:00Z"},
	"status": "arrived",
	"class": {"system": "http://terminology.hl7.org/CodeSystem/v3-ActCode", "code": "AMB"},
	"subject": {"reference": "Patient/pat-1"},
	"participant": [{"individual": {"reference": "Practitioner/dr-9"}}],
	"period": {"start": "2026-03-14T09:00:00Z"},
	"extension": [{"url": "http://example.org/other", "valueString": "kept"}]
}`

func TestCreateEncounter(t *testing.T) {
	var got map[string]interface{}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/fhir/Encounter" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, mimeFHIRJSON) {
			t.Errorf("expected fhir+json content type, got %q", ct)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		writeFHIR(w, http.StatusCreated, `{"resourceType":"Encounter","id":"new-1","status":"arrived"}`)
	})

	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	ext := []fhir.Extension{{URL: "http://example.org/x", ValueCode: "y"}}
	id, err := c.CreateEncounter(context.Background(), "pat-1", fhirmodels.EncounterStatusArrived, fhir.Period{Start: &start}, ext)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "new-1" {
		t.Errorf("expected id new-1, got %s", id)
	}
	if got["status"] != "arrived" {
		t.Errorf("expected status arrived in body, got %v", got["status"])
	}
	if subj := got["subject"].(map[string]interface{}); subj["reference"] != "Patient/pat-1" {
		t.Errorf("unexpected subject %v", subj)
	}
	if exts := got["extension"].([]interface{}); len(exts) != 1 {
		t.Errorf("expected one extension, got %v", exts)
	}
}

func TestCreateEncounter_LocationOnly(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://"+r.Host+"/fhir/Encounter/abc/_history/1")
		w.WriteHeader(http.StatusCreated)
	})

	start := time.Now()
	id, err := c.CreateEncounter(context.Background(), "pat-1", fhirmodels.EncounterStatusArrived, fhir.Period{Start: &start}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "abc" {
		t.Errorf("expected id from Location, got %q", id)
	}
}

func TestReadEncounter(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fhir/Encounter/enc-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeFHIR(w, http.StatusOK, storedEncounter)
	})

	enc, err := c.ReadEncounter(context.Background(), "enc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enc.ID != "enc-1" || enc.PatientID != "pat-1" || enc.Status != fhirmodels.EncounterStatusArrived {
		t.Errorf("unexpected encounter %+v", enc)
	}
	if enc.VersionID != 3 {
		t.Errorf("expected version 3, got %d", enc.VersionID)
	}
	if !enc.PeriodStart.Equal(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected period start %v", enc.PeriodStart)
	}
	if len(enc.Extension) != 1 || enc.Extension[0].ValueString != "kept" {
		t.Errorf("unexpected extensions %+v", enc.Extension)
	}
	if len(enc.Source) == 0 {
		t.Error("expected source resource retained")
	}
}

func TestReadEncounter_NotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeFHIR(w, http.StatusNotFound, `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"not-found","diagnostics":"Encounter/x is not known"}]}`)
	})

	_, err := c.ReadEncounter(context.Background(), "x")
	if !errors.Is(err, encounter.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "Encounter/x is not known") {
		t.Errorf("expected diagnostics in message, got %q", err.Error())
	}
	if !IsStatus(err, http.StatusNotFound) {
		t.Error("expected IsStatus 404")
	}
}

func TestUpdateEncounter_KeepsUnmodelledFieldsAndSendsIfMatch(t *testing.T) {
	var body map[string]json.RawMessage
	var ifMatch string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeFHIR(w, http.StatusOK, storedEncounter)
		case http.MethodPut:
			ifMatch = r.Header.Get("If-Match")
			json.NewDecoder(r.Body).Decode(&body)
			writeFHIR(w, http.StatusOK, strings.Replace(strings.Replace(storedEncounter, `"versionId": "3"`, `"versionId": "4"`, 1), `"status": "arrived"`, `"status": "triaged"`, 1))
		}
	})
	ctx := context.Background()

	enc, err := c.ReadEncounter(ctx, "enc-1")
	if err != nil {
		t.Fatal(err)
	}
	enc.Status = fhirmodels.EncounterStatusTriaged
	updated, err := c.UpdateEncounter(ctx, enc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ifMatch != `W/"3"` {
		t.Errorf("expected If-Match W/\"3\", got %q", ifMatch)
	}
	if _, ok := body["participant"]; !ok {
		t.Error("participant should be carried over from the read resource")
	}
	if _, ok := body["meta"]; ok {
		t.Error("meta should not be sent")
	}
	if string(body["status"]) != `"triaged"` {
		t.Errorf("expected status triaged, got %s", body["status"])
	}
	if updated.VersionID != 4 || updated.Status != fhirmodels.EncounterStatusTriaged {
		t.Errorf("unexpected updated encounter %+v", updated)
	}
}

func TestUpdateEncounter_RemovesAllExtensions(t *testing.T) {
	var body map[string]json.RawMessage
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			json.NewDecoder(r.Body).Decode(&body)
		}
		writeFHIR(w, http.StatusOK, storedEncounter)
	})
	ctx := context.Background()

	enc, err := c.ReadEncounter(ctx, "enc-1")
	if err != nil {
		t.Fatal(err)
	}
	enc.Extension = nil
	if _, err := c.UpdateEncounter(ctx, enc); err != nil {
		t.Fatal(err)
	}
	if _, ok := body["extension"]; ok {
		t.Error("stale extensions from the source copy must not be sent")
	}
}

func TestUpdateEncounter_VersionConflict(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeFHIR(w, http.StatusPreconditionFailed, `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"conflict","diagnostics":"version mismatch"}]}`)
	})

	_, err := c.UpdateEncounter(context.Background(), &encounter.Encounter{ID: "enc-1", PatientID: "p", VersionID: 2})
	if !errors.Is(err, encounter.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestFindActiveEncounter(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("patient") != "Patient/pat-1" {
			t.Errorf("unexpected patient param %q", q.Get("patient"))
		}
		if q.Get("status") != "arrived,triaged,in-progress" {
			t.Errorf("unexpected status param %q", q.Get("status"))
		}
		if q.Get("_sort") != "-date" {
			t.Errorf("unexpected _sort %q", q.Get("_sort"))
		}
		writeFHIR(w, http.StatusOK, `{"resourceType":"Bundle","type":"searchset","entry":[{"resource":`+storedEncounter+`}]}`)
	})

	enc, err := c.FindActiveEncounter(context.Background(), "pat-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enc == nil || enc.ID != "enc-1" {
		t.Errorf("expected enc-1, got %+v", enc)
	}
}

func TestFindActiveEncounter_None(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeFHIR(w, http.StatusOK, `{"resourceType":"Bundle","type":"searchset","total":0}`)
	})

	enc, err := c.FindActiveEncounter(context.Background(), "pat-1")
	if err != nil || enc != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", enc, err)
	}
}

func TestSearchEncountersInWindow_FollowsNextLinks(t *testing.T) {
	var srvURL string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			writeFHIR(w, http.StatusOK, `{"resourceType":"Bundle","entry":[
				{"resource":{"resourceType":"Encounter","id":"c","status":"finished","subject":{"reference":"Patient/3"}}}]}`)
			return
		}
		dates := r.URL.Query()["date"]
		if len(dates) != 2 || !strings.HasPrefix(dates[0], "ge2026-03-14") || !strings.HasPrefix(dates[1], "lt2026-03-15") {
			t.Errorf("unexpected date params %v", dates)
		}
		writeFHIR(w, http.StatusOK, `{"resourceType":"Bundle",
			"link":[{"relation":"self","url":"x"},{"relation":"next","url":"`+srvURL+`/fhir/Encounter?page=2"}],
			"entry":[
				{"resource":{"resourceType":"Encounter","id":"a","status":"arrived","subject":{"reference":"Patient/1"}}},
				{"resource":{"resourceType":"OperationOutcome","issue":[]}},
				{"resource":{"resourceType":"Encounter","id":"b","status":"triaged","subject":{"reference":"Patient/2"}}}]}`)
	})
	srvURL = srv.URL

	start := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	encs, err := c.SearchEncountersInWindow(context.Background(), start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ids []string
	for _, e := range encs {
		ids = append(ids, e.ID)
	}
	if strings.Join(ids, ",") != "a,b,c" {
		t.Errorf("expected a,b,c; got %v", ids)
	}
}

const (
	referrerSibling = `{"url":"http://other.org/ext/referrer","valueReference":{"reference":"Practitioner/dr-2","display":"Dr Two"}}`
	langSibling     = `{"url":"http://other.org/ext/lang","id":"x1","valueCoding":{"system":"urn:ietf:bcp:47","code":"fr"}}`
)

func TestCheckIn_KeepsSiblingExtensionsVerbatim(t *testing.T) {
	active := `{"resourceType":"Encounter","id":"enc-7","meta":{"versionId":"1"},"status":"arrived",
		"subject":{"reference":"Patient/pat-7"},"period":{"start":"2026-03-14T08:00:00Z"},
		"extension":[` + referrerSibling + `,` + langSibling + `]}`

	var put []byte
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/fhir/Encounter":
			writeFHIR(w, http.StatusOK, `{"resourceType":"Bundle","entry":[{"resource":`+active+`}]}`)
		case r.Method == http.MethodPut && r.URL.Path == "/fhir/Encounter/enc-7":
			put, _ = io.ReadAll(r.Body)
			writeFHIR(w, http.StatusOK, string(put))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	svc := queue.NewService(c, zerolog.Nop())
	if _, err := svc.CheckIn(context.Background(), "pat-7"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		Extension []json.RawMessage `json:"extension"`
	}
	if err := json.Unmarshal(put, &body); err != nil {
		t.Fatalf("decode PUT body: %v", err)
	}
	if len(body.Extension) != 3 {
		t.Fatalf("expected two siblings plus metadata, got %d: %s", len(body.Extension), put)
	}
	if string(body.Extension[0]) != referrerSibling {
		t.Errorf("referrer sibling changed:\n got %s\nwant %s", body.Extension[0], referrerSibling)
	}
	if string(body.Extension[1]) != langSibling {
		t.Errorf("lang sibling changed:\n got %s\nwant %s", body.Extension[1], langSibling)
	}
	var md fhir.Extension
	json.Unmarshal(body.Extension[2], &md)
	if md.URL != triage.MetadataURL {
		t.Errorf("expected metadata extension last, got %s", md.URL)
	}
}

func TestListQueue_SurvivesMalformedEncounters(t *testing.T) {
	meta := func(children string) string {
		return `[{"url":"` + triage.MetadataURL + `","extension":[` + children + `]}]`
	}
	good := `{"resourceType":"Encounter","id":"e1","status":"arrived","subject":{"reference":"Patient/pat-1"},
		"period":{"start":"2026-03-14T08:00:00Z"},
		"extension":` + meta(`{"url":"isTriaged","valueBoolean":false},{"url":"queueStatus","valueCode":"arrived"},
			{"url":"queueAddedAt","valueDateTime":"2026-03-14T08:00:00Z"}`) + `}`
	mistyped := `{"resourceType":"Encounter","id":"e2","status":"triaged","subject":{"reference":"Patient/pat-2"},
		"period":{"start":"2026-03-14T08:30:00Z"},
		"extension":` + meta(`{"url":"triageLevel","valueInteger":"2"},{"url":"chiefComplaint","valueString":"Chest pain"},
			{"url":"isTriaged","valueBoolean":"yes"},{"url":"queueStatus","valueCode":"waiting"},
			{"url":"queueAddedAt","valueDateTime":"2026-03-14T08:30:00Z"}`) + `}`
	badPeriod := `{"resourceType":"Encounter","id":"e3","status":"arrived","subject":{"reference":"Patient/pat-3"},
		"period":{"start":"half past eight"}}`

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeFHIR(w, http.StatusOK, `{"resourceType":"Bundle","entry":[
			{"resource":`+good+`},{"resource":`+mistyped+`},{"resource":`+badPeriod+`}]}`)
	})

	entries, err := queue.NewService(c, zerolog.Nop()).ListQueue(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	if entries[0].PatientID != "pat-1" || entries[1].PatientID != "pat-2" {
		t.Errorf("unexpected order %s, %s", entries[0].PatientID, entries[1].PatientID)
	}
	second := entries[1].Metadata
	if second.QueueStatus != triage.QueueWaiting {
		t.Errorf("expected waiting, got %s", second.QueueStatus)
	}
	if second.Triaged() {
		t.Errorf("a dropped triage level must not count as triaged: %+v", second.Triage)
	}
}

func TestCreateObservation(t *testing.T) {
	var got map[string]interface{}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fhir/Observation" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		writeFHIR(w, http.StatusCreated, `{"resourceType":"Observation","id":"obs-1"}`)
	})

	v := 97.0
	obs := &encounter.Observation{
		PatientID:     "pat-1",
		EncounterID:   "enc-1",
		CategoryCode:  fhirmodels.ObsCategoryVitalSigns,
		CodeSystem:    fhirmodels.LOINCSystem,
		CodeValue:     fhirmodels.LOINCOxygenSaturation,
		ValueQuantity: &v,
		ValueUnit:     fhirmodels.UnitPct,
		EffectiveAt:   time.Now(),
	}
	if err := c.CreateObservation(context.Background(), obs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs.ID != "obs-1" {
		t.Errorf("expected id obs-1, got %q", obs.ID)
	}
	if got["resourceType"] != "Observation" || got["valueQuantity"] == nil {
		t.Errorf("unexpected body %v", got)
	}
}

func TestRetriesReadsOnly(t *testing.T) {
	var gets, posts int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if atomic.AddInt32(&gets, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			writeFHIR(w, http.StatusOK, `{"resourceType":"CapabilityStatement"}`)
		case http.MethodPost:
			atomic.AddInt32(&posts, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("expected ping to succeed after retry, got %v", err)
	}
	if gets != 2 {
		t.Errorf("expected 2 GET attempts, got %d", gets)
	}

	start := time.Now()
	_, err := c.CreateEncounter(ctx, "pat-1", fhirmodels.EncounterStatusArrived, fhir.Period{Start: &start}, nil)
	if !IsStatus(err, http.StatusServiceUnavailable) {
		t.Fatalf("expected 503 error, got %v", err)
	}
	if posts != 1 {
		t.Errorf("expected POST not retried, got %d attempts", posts)
	}
}

func TestIDFromLocation(t *testing.T) {
	tests := map[string]string{
		"http://h/fhir/Encounter/abc/_history/2": "abc",
		"Encounter/xyz":                          "xyz",
		"":                                       "",
	}
	for in, want := range tests {
		if got := idFromLocation(in); got != want {
			t.Errorf("idFromLocation(%q) = %q, want %q", in, got, want)
		}
	}
}
