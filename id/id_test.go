package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/wayfound/convoy/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"JobID", id.NewJobID, "job_"},
		{"WorkerID", id.NewWorkerID, "wkr_"},
		{"SubscriberID", id.NewSubscriberID, "sub_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"JobID", id.NewJobID, id.ParseJobID},
		{"WorkerID", id.NewWorkerID, id.ParseWorkerID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	if _, err := id.ParseJobID(id.NewWorkerID().String()); err == nil {
		t.Error("ParseJobID accepted a wkr_ ID")
	}
	if _, err := id.ParseWorkerID(id.NewJobID().String()); err == nil {
		t.Error("ParseWorkerID accepted a job_ ID")
	}
}

func TestNilID(t *testing.T) {
	var nilID id.ID

	if !nilID.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if nilID.String() != "" {
		t.Errorf("nil ID string = %q, want empty", nilID.String())
	}

	v, err := nilID.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}
	if v != nil {
		t.Errorf("nil ID Value() = %v, want nil", v)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	original := id.NewJobID()

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var parsed id.ID
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if parsed.String() != original.String() {
		t.Errorf("JSON round-trip mismatch: %q != %q", parsed.String(), original.String())
	}
}

func TestScan(t *testing.T) {
	original := id.NewWorkerID()

	var scanned id.ID
	if err := scanned.Scan(original.String()); err != nil {
		t.Fatalf("scan string error: %v", err)
	}
	if scanned.String() != original.String() {
		t.Errorf("scan mismatch: %q != %q", scanned.String(), original.String())
	}

	var fromNil id.ID
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("scan nil error: %v", err)
	}
	if !fromNil.IsNil() {
		t.Error("scanning nil should produce the nil ID")
	}
}
