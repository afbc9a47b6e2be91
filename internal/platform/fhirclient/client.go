package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/frontdesk/internal/domain/encounter"
	"github.com/ehr/frontdesk/internal/platform/fhir"
	"github.com/ehr/frontdesk/pkg/fhirmodels"
)

const (
	mimeFHIRJSON = "application/fhir+json"

	// searchPageSize is the _count asked for when listing a day's encounters.
	searchPageSize = 500
	// maxSearchPages stops a server that keeps returning next links.
	maxSearchPages = 50
)

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
	AuthToken  string
}

// Client is an encounter.Gateway backed by a remote FHIR R4 server.
type Client struct {
	http   *resty.Client
	logger zerolog.Logger
}

var _ encounter.Gateway = (*Client)(nil)

func New(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger = logger.With().Str("component", "fhirclient").Logger()

	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", mimeFHIRJSON).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Only reads are safe to repeat.
			return r != nil && r.Request.Method == http.MethodGet && r.StatusCode() >= 500
		}).
		OnAfterResponse(func(_ *resty.Client, r *resty.Response) error {
			logger.Debug().
				Str("method", r.Request.Method).
				Str("url", r.Request.URL).
				Int("status", r.StatusCode()).
				Dur("latency", r.Time()).
				Msg("fhir request")
			return nil
		})
	if cfg.AuthToken != "" {
		hc.SetAuthToken(cfg.AuthToken)
	}
	return &Client{http: hc, logger: logger}
}

// encounterResource is the wire shape of the Encounter fields used here.
type encounterResource struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id,omitempty"`
	Meta         *fhir.Meta       `json:"meta,omitempty"`
	Status       string           `json:"status"`
	Class        *fhir.Coding     `json:"class,omitempty"`
	Subject      *fhir.Reference  `json:"subject,omitempty"`
	Period       *fhir.Period     `json:"period,omitempty"`
	Extension    []fhir.Extension `json:"extension,omitempty"`
}

type bundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type bundle struct {
	ResourceType string       `json:"resourceType"`
	Link         []bundleLink `json:"link,omitempty"`
	Entry        []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry,omitempty"`
}

func (b *bundle) next() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

func (c *Client) CreateEncounter(ctx context.Context, patientID string, status fhirmodels.EncounterStatus, period fhir.Period, ext []fhir.Extension) (string, error) {
	body := encounterResource{
		ResourceType: "Encounter",
		Status:       string(status),
		Class:        &fhir.Coding{System: fhirmodels.EncounterClassSystem, Code: fhirmodels.EncounterClassAmbulatory},
		Subject:      &fhir.Reference{Reference: fhir.FormatReference("Patient", patientID)},
		Period:       &period,
		Extension:    ext,
	}
	resp, err := c.request(ctx).
		SetHeader("Content-Type", mimeFHIRJSON).
		SetHeader("Prefer", "return=representation").
		SetBody(body).
		Post("/Encounter")
	if err := check(resp, err); err != nil {
		return "", err
	}

	var created encounterResource
	if len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &created); err != nil {
			return "", fmt.Errorf("decode created encounter: %w", err)
		}
	}
	if created.ID == "" {
		created.ID = idFromLocation(resp.Header().Get("Location"))
	}
	if created.ID == "" {
		return "", fmt.Errorf("fhir server returned no id for the created encounter")
	}
	return created.ID, nil
}

func (c *Client) ReadEncounter(ctx context.Context, id string) (*encounter.Encounter, error) {
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		Get("/Encounter/{id}")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return toEncounter(resp.Body())
}

// UpdateEncounter replaces the encounter. Fields of the last read resource
// that are not modelled are sent back unchanged. A known version is sent
// as If-Match.
func (c *Client) UpdateEncounter(ctx context.Context, enc *encounter.Encounter) (*encounter.Encounter, error) {
	body, err := updateBody(enc)
	if err != nil {
		return nil, err
	}
	req := c.request(ctx).
		SetHeader("Content-Type", mimeFHIRJSON).
		SetHeader("Prefer", "return=representation").
		SetPathParam("id", enc.ID).
		SetBody(body)
	if enc.VersionID > 0 {
		req.SetHeader("If-Match", fmt.Sprintf(`W/"%d"`, enc.VersionID))
	}
	resp, err := req.Put("/Encounter/{id}")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	if len(resp.Body()) == 0 {
		return c.ReadEncounter(ctx, enc.ID)
	}
	return toEncounter(resp.Body())
}

func (c *Client) FindActiveEncounter(ctx context.Context, patientID string) (*encounter.Encounter, error) {
	statuses := make([]string, len(fhirmodels.ActiveEncounterStatuses))
	for i, s := range fhirmodels.ActiveEncounterStatuses {
		statuses[i] = string(s)
	}
	resp, err := c.request(ctx).
		SetQueryParams(map[string]string{
			"patient": fhir.FormatReference("Patient", patientID),
			"status":  strings.Join(statuses, ","),
			"_sort":   "-date",
			"_count":  "1",
		}).
		Get("/Encounter")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	encs, _, err := c.decodeBundle(resp.Body())
	if err != nil {
		return nil, err
	}
	if len(encs) == 0 {
		return nil, nil
	}
	return encs[0], nil
}

func (c *Client) SearchEncountersInWindow(ctx context.Context, start, end time.Time) ([]*encounter.Encounter, error) {
	resp, err := c.request(ctx).
		SetQueryParamsFromValues(url.Values{
			"date":   {"ge" + start.Format(time.RFC3339), "lt" + end.Format(time.RFC3339)},
			"_count": {strconv.Itoa(searchPageSize)},
		}).
		Get("/Encounter")

	var all []*encounter.Encounter
	for page := 1; ; page++ {
		if err := check(resp, err); err != nil {
			return nil, err
		}
		encs, next, derr := c.decodeBundle(resp.Body())
		if derr != nil {
			return nil, derr
		}
		all = append(all, encs...)
		if next == "" {
			break
		}
		if page >= maxSearchPages {
			c.logger.Warn().Int("pages", page).Msg("encounter search truncated")
			break
		}
		resp, err = c.request(ctx).Get(next)
	}
	return all, nil
}

func (c *Client) CreateObservation(ctx context.Context, obs *encounter.Observation) error {
	resp, err := c.request(ctx).
		SetHeader("Content-Type", mimeFHIRJSON).
		SetBody(obs.ToFHIR()).
		Post("/Observation")
	if err := check(resp, err); err != nil {
		return err
	}
	var created fhir.Resource
	if len(resp.Body()) > 0 && json.Unmarshal(resp.Body(), &created) == nil && created.ID != "" {
		obs.ID = created.ID
	} else {
		obs.ID = idFromLocation(resp.Header().Get("Location"))
	}
	return nil
}

// Ping fetches the capability statement.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.request(ctx).Get("/metadata")
	return check(resp, err)
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx)
}

func updateBody(enc *encounter.Encounter) (map[string]json.RawMessage, error) {
	body := map[string]json.RawMessage{}
	if len(enc.Source) > 0 {
		if err := json.Unmarshal(enc.Source, &body); err != nil {
			return nil, fmt.Errorf("decode source encounter %s: %w", enc.ID, err)
		}
	}
	// meta is server-managed; the version goes in If-Match.
	delete(body, "meta")
	delete(body, "extension")
	for k, v := range enc.ToFHIR() {
		if k == "meta" {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode encounter %s field %s: %w", enc.ID, k, err)
		}
		body[k] = raw
	}
	return body, nil
}

func toEncounter(raw []byte) (*encounter.Encounter, error) {
	var r encounterResource
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode encounter: %w", err)
	}
	if r.ResourceType != "" && r.ResourceType != "Encounter" {
		return nil, fmt.Errorf("expected Encounter, got %s", r.ResourceType)
	}
	enc := &encounter.Encounter{
		ID:        r.ID,
		Status:    fhirmodels.EncounterStatus(r.Status),
		Extension: r.Extension,
		Source:    append(json.RawMessage(nil), raw...),
	}
	if r.Subject != nil {
		_, enc.PatientID = fhir.ParseReference(r.Subject.Reference)
	}
	if r.Class != nil {
		enc.ClassCode = r.Class.Code
	}
	if r.Period != nil {
		if r.Period.Start != nil {
			enc.PeriodStart = *r.Period.Start
		}
		enc.PeriodEnd = r.Period.End
	}
	if r.Meta != nil {
		if v, err := strconv.Atoi(r.Meta.VersionID); err == nil {
			enc.VersionID = v
		}
		if r.Meta.LastUpdated != nil {
			enc.UpdatedAt = *r.Meta.LastUpdated
		}
	}
	return enc, nil
}

// decodeBundle returns the bundle's encounters and its next link. An entry
// that cannot be read as an Encounter is logged and left out; it never
// hides the rest of the page.
func (c *Client) decodeBundle(raw []byte) ([]*encounter.Encounter, string, error) {
	var b bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, "", fmt.Errorf("decode bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, "", fmt.Errorf("expected Bundle, got %q", b.ResourceType)
	}
	encs := make([]*encounter.Encounter, 0, len(b.Entry))
	for _, e := range b.Entry {
		var head fhir.Resource
		if err := json.Unmarshal(e.Resource, &head); err != nil || head.ResourceType != "Encounter" {
			// _include results and OperationOutcome entries
			continue
		}
		enc, err := toEncounter(e.Resource)
		if err != nil {
			c.logger.Warn().Err(err).Str("encounter_id", head.ID).Msg("skipping unreadable encounter")
			continue
		}
		encs = append(encs, enc)
	}
	return encs, b.next(), nil
}

// idFromLocation extracts the logical id from
// [base]/Encounter/{id}[/_history/{vid}].
func idFromLocation(loc string) string {
	parts := strings.Split(strings.Trim(loc, "/"), "/")
	for i := len(parts) - 1; i > 0; i-- {
		if parts[i] == "_history" {
			return parts[i-1]
		}
	}
	if len(parts) >= 2 {
		return parts[len(parts)-1]
	}
	return ""
}

// check turns transport errors and non-2xx responses into errors.
func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("fhir request: %w", err)
	}
	if resp.IsSuccess() {
		return nil
	}
	e := &Error{
		StatusCode: resp.StatusCode(),
		Method:     resp.Request.Method,
		URL:        resp.Request.URL,
	}
	var oo fhir.OperationOutcome
	if json.Unmarshal(resp.Body(), &oo) == nil && oo.ResourceType == "OperationOutcome" {
		e.Outcome = &oo
	}
	return e
}

// Error is a non-2xx answer from the FHIR server.
type Error struct {
	StatusCode int
	Method     string
	URL        string
	Outcome    *fhir.OperationOutcome
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("fhir %s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Outcome != nil {
		if s := e.Outcome.Summary(); s != "" {
			msg += ": " + s
		}
	}
	return msg
}

// Unwrap maps missing resources and version mismatches onto the gateway's
// sentinel errors.
func (e *Error) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return encounter.ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return encounter.ErrVersionConflict
	}
	return nil
}

// IsStatus reports whether err is an Error with the given status code.
func IsStatus(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == code
}
