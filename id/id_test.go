package id_test

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/uengine-oss/process-gpt-execution/id"
)

func TestNew_GeneratesValidPrefixedID(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() id.ID
		prefix id.Prefix
	}{
		{"work item", id.NewWorkItemID, id.PrefixWorkItem},
		{"replica", id.NewReplicaID, id.PrefixReplica},
		{"dead letter", id.NewDeadLetterID, id.PrefixDeadLetter},
		{"proc inst", id.NewProcInstID, id.PrefixProcInst},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			generated := tt.gen()
			if generated.IsNil() {
				t.Fatal("generated ID is nil")
			}
			if generated.Prefix() != tt.prefix {
				t.Errorf("Prefix() = %q, want %q", generated.Prefix(), tt.prefix)
			}
		})
	}
}

func TestParse_RoundTrip(t *testing.T) {
	original := id.NewWorkItemID()

	parsed, err := id.Parse(original.String())
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if parsed.String() != original.String() {
		t.Errorf("round trip = %q, want %q", parsed.String(), original.String())
	}
}

func TestParseWithPrefix_RejectsWrongPrefix(t *testing.T) {
	itemID := id.NewWorkItemID()

	if _, err := id.ParseReplicaID(itemID.String()); err == nil {
		t.Error("expected prefix mismatch error, got nil")
	}
}

func TestParse_RejectsEmptyAndGarbage(t *testing.T) {
	for _, s := range []string{"", "not a typeid", "item-missing-underscore"} {
		if _, err := id.Parse(s); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", s)
		}
	}
}

func TestID_KSortable(t *testing.T) {
	// Sequentially generated IDs must sort in generation order — the
	// migration cursor protocol depends on this.
	ids := make([]string, 0, 10)
	for range 10 {
		ids = append(ids, id.NewWorkItemID().String())
	}

	if !sort.StringsAreSorted(ids) {
		t.Errorf("sequentially generated IDs are not sorted: %v", ids)
	}
}

func TestID_JSONRoundTrip(t *testing.T) {
	type wrapper struct {
		ID id.WorkItemID `json:"id"`
	}

	w := wrapper{ID: id.NewWorkItemID()}
	data, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded wrapper
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.ID.String() != w.ID.String() {
		t.Errorf("decoded = %q, want %q", decoded.ID.String(), w.ID.String())
	}
}

func TestID_ScanValue(t *testing.T) {
	original := id.NewWorkItemID()

	v, err := original.Value()
	if err != nil {
		t.Fatalf("value error: %v", err)
	}

	var scanned id.ID
	if err := scanned.Scan(v); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if scanned.String() != original.String() {
		t.Errorf("scanned = %q, want %q", scanned.String(), original.String())
	}

	// NULL scans to Nil.
	var null id.ID
	if err := null.Scan(nil); err != nil {
		t.Fatalf("scan nil error: %v", err)
	}
	if !null.IsNil() {
		t.Error("scanned NULL is not Nil")
	}
}
