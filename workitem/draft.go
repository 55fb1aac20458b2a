package workitem

import (
	"encoding/json"
	"fmt"
)

// Kind tags the draft payload variant.
type Kind string

const (
	// KindForm is a submitted human form: Fields holds the form values.
	KindForm Kind = "form"
	// KindAgent is agent output: Fields holds the structured result.
	KindAgent Kind = "agent"
	// KindScript is a script task result: Fields holds stdout/stderr
	// style output values.
	KindScript Kind = "script"
)

// Draft is the structured payload a work item carries to and from the
// processing collaborator. Known content lives in Kind and Fields;
// fields written by other (newer or older) producers survive a
// round trip untouched in Extra.
type Draft struct {
	Kind   Kind           `json:"-"`
	Fields map[string]any `json:"-"`

	// Extra holds unknown top-level fields verbatim for forward
	// compatibility. Never interpreted by the core.
	Extra map[string]json.RawMessage `json:"-"`
}

// NewDraft creates a draft of the given kind.
func NewDraft(kind Kind, fields map[string]any) *Draft {
	return &Draft{Kind: kind, Fields: fields}
}

// Field returns the named field value, or nil if absent.
func (d *Draft) Field(name string) any {
	if d == nil || d.Fields == nil {
		return nil
	}
	return d.Fields[name]
}

// MarshalJSON flattens the draft into a single object: kind, fields, and
// all pass-through extras at the top level.
func (d Draft) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.Extra)+2)
	for k, v := range d.Extra {
		out[k] = v
	}

	kind, err := json.Marshal(d.Kind)
	if err != nil {
		return nil, fmt.Errorf("workitem: marshal draft kind: %w", err)
	}
	out["kind"] = kind

	if d.Fields != nil {
		fields, fieldsErr := json.Marshal(d.Fields)
		if fieldsErr != nil {
			return nil, fmt.Errorf("workitem: marshal draft fields: %w", fieldsErr)
		}
		out["fields"] = fields
	}

	return json.Marshal(out)
}

// UnmarshalJSON splits a draft object into the known kind/fields parts
// and the pass-through remainder.
func (d *Draft) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("workitem: unmarshal draft: %w", err)
	}

	*d = Draft{}

	if kindRaw, ok := raw["kind"]; ok {
		if err := json.Unmarshal(kindRaw, &d.Kind); err != nil {
			return fmt.Errorf("workitem: unmarshal draft kind: %w", err)
		}
		delete(raw, "kind")
	}
	if fieldsRaw, ok := raw["fields"]; ok {
		if err := json.Unmarshal(fieldsRaw, &d.Fields); err != nil {
			return fmt.Errorf("workitem: unmarshal draft fields: %w", err)
		}
		delete(raw, "fields")
	}

	if len(raw) > 0 {
		d.Extra = raw
	}
	return nil
}
