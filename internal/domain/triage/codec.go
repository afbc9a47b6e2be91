package triage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/frontdesk/internal/platform/fhir"
)

// MetadataURL identifies the complex extension that carries the triage and
// queue state on an encounter.
const MetadataURL = "http://frontdesk.ehr.local/fhir/StructureDefinition/queue-triage"

// Child extension URLs, relative to MetadataURL.
const (
	extTriageLevel    = "triageLevel"
	extChiefComplaint = "chiefComplaint"
	extTriageNotes    = "triageNotes"
	extTriageBy       = "triageBy"
	extTriageAt       = "triageAt"
	extIsTriaged      = "isTriaged"
	extQueueStatus    = "queueStatus"
	extQueueAddedAt   = "queueAddedAt"
	extVitalSigns     = "vitalSigns"
	extRedFlags       = "redFlags"
	extRedFlag        = "flag"

	extSystolicBP       = "systolicBP"
	extDiastolicBP      = "diastolicBP"
	extHeartRate        = "heartRate"
	extRespiratoryRate  = "respiratoryRate"
	extTemperature      = "temperature"
	extOxygenSaturation = "oxygenSaturation"
	extPainScore        = "painScore"
	extWeight           = "weight"
	extHeight           = "height"
)

// ErrDecodeSkipped is reported alongside a usable result when the metadata
// extension is missing or some of its children had to be dropped.
var ErrDecodeSkipped = errors.New("triage metadata skipped")

// Encode builds the metadata extension. A nil rec produces a check-in-only
// tree. Absent values are omitted rather than written empty.
func Encode(rec *TriageRecord, status QueueStatus, addedAt *time.Time, now time.Time) fhir.Extension {
	root := fhir.Extension{URL: MetadataURL}

	triageAt := now
	isTriaged := false
	if rec != nil {
		if rec.TriageLevel != 0 {
			root.Extension = append(root.Extension, intExt(extTriageLevel, rec.TriageLevel))
		}
		if rec.ChiefComplaint != "" {
			root.Extension = append(root.Extension, fhir.Extension{URL: extChiefComplaint, ValueString: rec.ChiefComplaint})
		}
		if rec.TriageNotes != "" {
			root.Extension = append(root.Extension, fhir.Extension{URL: extTriageNotes, ValueString: rec.TriageNotes})
		}
		if rec.TriageBy != "" {
			root.Extension = append(root.Extension, fhir.Extension{URL: extTriageBy, ValueString: rec.TriageBy})
		}
		if !rec.TriageAt.IsZero() {
			triageAt = rec.TriageAt
		}
		isTriaged = rec.IsTriaged
	}
	root.Extension = append(root.Extension,
		fhir.Extension{URL: extTriageAt, ValueDateTime: formatDateTime(triageAt)},
		boolExt(extIsTriaged, isTriaged),
	)

	if status.Queued() {
		root.Extension = append(root.Extension, fhir.Extension{URL: extQueueStatus, ValueCode: string(status)})
	}
	if addedAt != nil && !addedAt.IsZero() {
		root.Extension = append(root.Extension, fhir.Extension{URL: extQueueAddedAt, ValueDateTime: formatDateTime(*addedAt)})
	}

	if rec != nil {
		if !rec.VitalSigns.IsEmpty() {
			root.Extension = append(root.Extension, fhir.Extension{URL: extVitalSigns, Extension: encodeVitals(rec.VitalSigns)})
		}
		if len(rec.RedFlags) > 0 {
			flags := make([]fhir.Extension, 0, len(rec.RedFlags))
			for _, f := range rec.RedFlags {
				flags = append(flags, fhir.Extension{URL: extRedFlag, ValueString: f})
			}
			root.Extension = append(root.Extension, fhir.Extension{URL: extRedFlags, Extension: flags})
		}
	}
	return root
}

// EncodeTriage encodes a completed assessment; isTriaged is forced true.
func EncodeTriage(rec TriageRecord, status QueueStatus, addedAt *time.Time, now time.Time) fhir.Extension {
	rec.IsTriaged = true
	return Encode(&rec, status, addedAt, now)
}

// EncodeCheckIn encodes an arrival. Any prior assessment is carried over
// with isTriaged forced false.
func EncodeCheckIn(prior *TriageRecord, status QueueStatus, addedAt *time.Time, now time.Time) fhir.Extension {
	if prior == nil {
		return Encode(nil, status, addedAt, now)
	}
	rec := *prior
	rec.IsTriaged = false
	return Encode(&rec, status, addedAt, now)
}

func encodeVitals(v VitalSigns) []fhir.Extension {
	var out []fhir.Extension
	addInt := func(url string, p *int) {
		if p != nil {
			out = append(out, intExt(url, *p))
		}
	}
	addDec := func(url string, p *float64) {
		if p != nil {
			val := *p
			out = append(out, fhir.Extension{URL: url, ValueDecimal: &val})
		}
	}
	addInt(extSystolicBP, v.SystolicBP)
	addInt(extDiastolicBP, v.DiastolicBP)
	addInt(extHeartRate, v.HeartRate)
	addInt(extRespiratoryRate, v.RespiratoryRate)
	addDec(extTemperature, v.Temperature)
	addInt(extOxygenSaturation, v.OxygenSaturation)
	addInt(extPainScore, v.PainScore)
	addDec(extWeight, v.Weight)
	addDec(extHeight, v.Height)
	return out
}

// Decode reads the metadata extension out of an encounter's extension list.
// The returned Metadata is always usable; a non-nil error wraps
// ErrDecodeSkipped and only says what was ignored.
func Decode(exts []fhir.Extension) (Metadata, error) {
	root := fhir.FindExtension(exts, MetadataURL)
	if root == nil {
		return Metadata{}, fmt.Errorf("%w: extension %s not present", ErrDecodeSkipped, MetadataURL)
	}
	return DecodeExtension(*root)
}

// DecodeExtension decodes the metadata extension itself. Unknown children
// are ignored; children with the wrong value type are dropped one by one.
func DecodeExtension(root fhir.Extension) (Metadata, error) {
	var (
		md            Metadata
		rec           TriageRecord
		hasLevel      bool
		hasComplaint  bool
		dropped       []string
		vitalsDropped []string
	)
	rec.RedFlags = []string{}

	for _, child := range root.Extension {
		switch child.URL {
		case extTriageLevel:
			if child.ValueInteger == nil {
				dropped = append(dropped, child.URL)
				continue
			}
			rec.TriageLevel = *child.ValueInteger
			hasLevel = true
		case extChiefComplaint:
			if child.ValueString == "" {
				dropped = append(dropped, child.URL)
				continue
			}
			rec.ChiefComplaint = child.ValueString
			hasComplaint = true
		case extTriageNotes:
			rec.TriageNotes = child.ValueString
		case extTriageBy:
			rec.TriageBy = child.ValueString
		case extTriageAt:
			t, err := parseDateTime(child.ValueDateTime)
			if err != nil {
				dropped = append(dropped, child.URL)
				continue
			}
			rec.TriageAt = t
		case extIsTriaged:
			if child.ValueBoolean == nil {
				dropped = append(dropped, child.URL)
				continue
			}
			rec.IsTriaged = *child.ValueBoolean
		case extQueueStatus:
			raw := child.ValueCode
			if raw == "" {
				raw = child.ValueString
			}
			q, err := ParseQueueStatus(raw)
			if err != nil {
				dropped = append(dropped, child.URL)
				continue
			}
			md.QueueStatus = q
		case extQueueAddedAt:
			t, err := parseDateTime(child.ValueDateTime)
			if err != nil {
				dropped = append(dropped, child.URL)
				continue
			}
			md.QueueAddedAt = &t
		case extVitalSigns:
			rec.VitalSigns, vitalsDropped = decodeVitals(child.Extension)
			dropped = append(dropped, vitalsDropped...)
		case extRedFlags:
			for _, f := range child.Extension {
				if f.URL != extRedFlag || f.ValueString == "" {
					continue
				}
				rec.RedFlags = append(rec.RedFlags, f.ValueString)
			}
		}
	}

	if hasLevel && hasComplaint {
		md.Triage = &rec
	}
	if len(dropped) > 0 {
		return md, fmt.Errorf("%w: dropped %s", ErrDecodeSkipped, strings.Join(dropped, ", "))
	}
	return md, nil
}

func decodeVitals(children []fhir.Extension) (VitalSigns, []string) {
	var (
		v       VitalSigns
		dropped []string
	)
	takeInt := func(e fhir.Extension, dst **int) {
		switch {
		case e.ValueInteger != nil:
			n := *e.ValueInteger
			*dst = &n
		case e.ValueDecimal != nil && *e.ValueDecimal == float64(int(*e.ValueDecimal)):
			n := int(*e.ValueDecimal)
			*dst = &n
		default:
			dropped = append(dropped, extVitalSigns+"."+e.URL)
		}
	}
	takeDec := func(e fhir.Extension, dst **float64) {
		switch {
		case e.ValueDecimal != nil:
			f := *e.ValueDecimal
			*dst = &f
		case e.ValueInteger != nil:
			f := float64(*e.ValueInteger)
			*dst = &f
		default:
			dropped = append(dropped, extVitalSigns+"."+e.URL)
		}
	}
	for _, e := range children {
		switch e.URL {
		case extSystolicBP:
			takeInt(e, &v.SystolicBP)
		case extDiastolicBP:
			takeInt(e, &v.DiastolicBP)
		case extHeartRate:
			takeInt(e, &v.HeartRate)
		case extRespiratoryRate:
			takeInt(e, &v.RespiratoryRate)
		case extTemperature:
			takeDec(e, &v.Temperature)
		case extOxygenSaturation:
			takeInt(e, &v.OxygenSaturation)
		case extPainScore:
			takeInt(e, &v.PainScore)
		case extWeight:
			takeDec(e, &v.Weight)
		case extHeight:
			takeDec(e, &v.Height)
		}
	}
	return v, dropped
}

// WithoutQueue returns a copy of the metadata extension with its queue
// status and queue timestamp removed. Everything else is kept as is.
func WithoutQueue(root fhir.Extension) fhir.Extension {
	out := fhir.Extension{URL: root.URL}
	for _, child := range root.Extension {
		if child.URL == extQueueStatus || child.URL == extQueueAddedAt {
			continue
		}
		out.Extension = append(out.Extension, child)
	}
	return out
}

// WithQueueStatus returns a copy of the metadata extension carrying status.
// Only the queueStatus child changes; a missing one is placed after
// isTriaged. QueueNone behaves like WithoutQueue for the status child alone.
func WithQueueStatus(root fhir.Extension, status QueueStatus) fhir.Extension {
	out := fhir.Extension{URL: root.URL}
	child := fhir.Extension{URL: extQueueStatus, ValueCode: string(status)}
	placed := !status.Queued()
	for _, c := range root.Extension {
		if c.URL == extQueueStatus {
			if !placed {
				out.Extension = append(out.Extension, child)
				placed = true
			}
			continue
		}
		out.Extension = append(out.Extension, c)
		if c.URL == extIsTriaged && !placed && fhir.FindExtension(root.Extension, extQueueStatus) == nil {
			out.Extension = append(out.Extension, child)
			placed = true
		}
	}
	if !placed {
		out.Extension = append(out.Extension, child)
	}
	return out
}

// Merge puts md into exts in place of any existing metadata extension,
// appending it when there is none. Other extensions are left untouched.
func Merge(exts []fhir.Extension, md fhir.Extension) []fhir.Extension {
	out := make([]fhir.Extension, 0, len(exts)+1)
	replaced := false
	for _, e := range exts {
		if e.URL == MetadataURL {
			if !replaced {
				out = append(out, md)
				replaced = true
			}
			continue
		}
		out = append(out, e)
	}
	if !replaced {
		out = append(out, md)
	}
	return out
}

func intExt(url string, n int) fhir.Extension {
	return fhir.Extension{URL: url, ValueInteger: &n}
}

func boolExt(url string, b bool) fhir.Extension {
	return fhir.Extension{URL: url, ValueBoolean: &b}
}

func formatDateTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseDateTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty dateTime")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
