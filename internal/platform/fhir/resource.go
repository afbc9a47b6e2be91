package fhir

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

// Resource is the base FHIR resource representation.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Profile     []string   `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

type Quantity struct {
	Value  *float64 `json:"value,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	System string   `json:"system,omitempty"`
	Code   string   `json:"code,omitempty"`
}

// Extension is a FHIR extension. A complex extension carries child
// extensions in Extension and no value[x]; a simple one carries exactly one
// value[x]. Children of a complex extension use relative URLs.
type Extension struct {
	URL           string      `json:"url"`
	Extension     []Extension `json:"extension,omitempty"`
	ValueString   string      `json:"valueString,omitempty"`
	ValueCode     string      `json:"valueCode,omitempty"`
	ValueBoolean  *bool       `json:"valueBoolean,omitempty"`
	ValueInteger  *int        `json:"valueInteger,omitempty"`
	ValueDecimal  *float64    `json:"valueDecimal,omitempty"`
	ValueDateTime string      `json:"valueDateTime,omitempty"`

	// Extra holds members not modelled above (id, valueReference, ...) and
	// modelled values of the wrong JSON type. They are written back verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// extensionFields has Extension's layout without its JSON methods.
type extensionFields Extension

// UnmarshalJSON never fails on a member's value: anything that does not fit
// its field lands in Extra. Only a non-object is an error.
func (e *Extension) UnmarshalJSON(data []byte) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	*e = Extension{}
	for k, raw := range members {
		if !e.setMember(k, raw) {
			if e.Extra == nil {
				e.Extra = make(map[string]json.RawMessage)
			}
			e.Extra[k] = raw
		}
	}
	return nil
}

func (e *Extension) setMember(k string, raw json.RawMessage) bool {
	switch k {
	case "url":
		return json.Unmarshal(raw, &e.URL) == nil
	case "extension":
		var children []Extension
		if json.Unmarshal(raw, &children) != nil {
			return false
		}
		e.Extension = children
	case "valueString":
		return json.Unmarshal(raw, &e.ValueString) == nil
	case "valueCode":
		return json.Unmarshal(raw, &e.ValueCode) == nil
	case "valueBoolean":
		var b *bool
		if json.Unmarshal(raw, &b) != nil {
			return false
		}
		e.ValueBoolean = b
	case "valueInteger":
		var n *int
		if json.Unmarshal(raw, &n) != nil {
			return false
		}
		e.ValueInteger = n
	case "valueDecimal":
		var f *float64
		if json.Unmarshal(raw, &f) != nil {
			return false
		}
		e.ValueDecimal = f
	case "valueDateTime":
		return json.Unmarshal(raw, &e.ValueDateTime) == nil
	default:
		return false
	}
	return true
}

// MarshalJSON writes the modelled members first, then Extra in key order.
// An Extra key never overrides a modelled member that is set.
func (e Extension) MarshalJSON() ([]byte, error) {
	out, err := json.Marshal(extensionFields(e))
	if err != nil || len(e.Extra) == 0 {
		return out, err
	}
	var written map[string]json.RawMessage
	if err := json.Unmarshal(out, &written); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(e.Extra))
	for k := range e.Extra {
		if _, ok := written[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(out[:len(out)-1])
	for _, k := range keys {
		name, _ := json.Marshal(k)
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(e.Extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FindExtension returns the first extension with the given URL, or nil.
func FindExtension(exts []Extension, url string) *Extension {
	for i := range exts {
		if exts[i].URL == url {
			return &exts[i]
		}
	}
	return nil
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// Summary joins the diagnostics (or detail text) of every issue.
func (o *OperationOutcome) Summary() string {
	if o == nil {
		return ""
	}
	var out string
	for _, iss := range o.Issue {
		msg := iss.Diagnostics
		if msg == "" && iss.Details != nil {
			msg = iss.Details.Text
		}
		if msg == "" {
			msg = iss.Code
		}
		if out != "" {
			out += "; "
		}
		out += msg
	}
	return out
}

// FormatReference builds a relative reference such as "Patient/123".
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

// ParseReference splits "Patient/123" into its type and id. A bare id is
// returned with an empty type.
func ParseReference(ref string) (resourceType, id string) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' {
			// Absolute references keep only the last two segments.
			head := ref[:i]
			for j := len(head) - 1; j >= 0; j-- {
				if head[j] == '/' {
					head = head[j+1:]
					break
				}
			}
			return head, ref[i+1:]
		}
	}
	return "", ref
}
