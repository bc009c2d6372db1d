package intent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/square-key-labs/dialgo/src/call"
	"github.com/square-key-labs/dialgo/src/directory"
)

type fakeExtractor struct {
	intent call.Intent
	err    error
}

func (f *fakeExtractor) ExtractIntent(_ context.Context, _ string) (call.Intent, error) {
	return f.intent, f.err
}

func TestLookupTiers(t *testing.T) {
	phones := map[string]string{
		"apollo_hospital_koramangala": "+15550001111",
		"city_clinic":                 "+15550002222",
		"green_valley_dental_care":    "+15550003333",
	}

	tests := []struct {
		desc   string
		name   string
		branch string
		want   string
	}{
		{"exact normalized key", "City Clinic", "", "+15550002222"},
		{"exact name plus branch", "Apollo Hospital", "Koramangala", "+15550001111"},
		{"name substring of key", "Apollo Hospital", "", "+15550001111"},
		{"key substring of name", "City Clinic Downtown Branch", "", "+15550002222"},
		{"word overlap one missing", "Green Dental Care", "", "+15550003333"},
		{"no match", "Sunrise Bakery", "", ""},
		{"empty name", "", "", ""},
	}
	for _, tt := range tests {
		if got := lookup(phones, tt.name, tt.branch); got != tt.want {
			t.Errorf("%s: lookup(%q, %q) = %q, want %q", tt.desc, tt.name, tt.branch, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := normalize("Apollo Hospital, Koramangala!"); got != "apollohospitalkoramangala" {
		t.Errorf("normalize = %q", got)
	}
}

func TestProcessFillsDefaults(t *testing.T) {
	dir := directory.Load(filepath.Join(t.TempDir(), "directory.json"), map[string]string{
		"apollo_hospital": "+15550001111",
	})
	ex := &fakeExtractor{intent: call.Intent{
		Slots: map[string]string{"entity_name": "Apollo Hospital", "city": "Bangalore"},
	}}
	r := NewResolver(ex, dir, "Alex", "+15550009999")

	it, err := r.Process(context.Background(), "call apollo hospital for me")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if it.UserName != "Alex" || it.UserPhone != "+15550009999" {
		t.Errorf("defaults not applied: %q %q", it.UserName, it.UserPhone)
	}
	if it.TargetEntity != "Apollo Hospital, Bangalore" {
		t.Errorf("entity from slots = %q", it.TargetEntity)
	}
	if it.TaskDescription == "" {
		t.Error("task description left empty")
	}
	if it.TargetPhone != "+15550001111" {
		t.Errorf("resolved phone = %q", it.TargetPhone)
	}
	if it.RawText != "call apollo hospital for me" {
		t.Errorf("raw text = %q", it.RawText)
	}
}

func TestProcessSimulationFallback(t *testing.T) {
	dir := directory.Load(filepath.Join(t.TempDir(), "directory.json"), nil)
	ex := &fakeExtractor{intent: call.Intent{
		TargetEntity:    "Sunrise Bakery",
		TaskDescription: "order a cake",
	}}
	r := NewResolver(ex, dir, "Alex", "+15550009999")

	it, err := r.Process(context.Background(), "order a cake from sunrise bakery")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if it.TargetPhone != "" {
		t.Errorf("expected simulation (empty phone), got %q", it.TargetPhone)
	}
}

func TestProcessStatedPhoneWins(t *testing.T) {
	dir := directory.Load(filepath.Join(t.TempDir(), "directory.json"), map[string]string{
		"city_clinic": "+15550002222",
	})
	ex := &fakeExtractor{intent: call.Intent{
		TargetEntity: "City Clinic",
		TargetPhone:  "+15550007777",
	}}
	r := NewResolver(ex, dir, "", "")

	it, err := r.Process(context.Background(), "call city clinic at +15550007777")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if it.TargetPhone != "+15550007777" {
		t.Errorf("stated phone overridden: %q", it.TargetPhone)
	}
}

func TestProcessExtractionError(t *testing.T) {
	dir := directory.Load(filepath.Join(t.TempDir(), "directory.json"), nil)
	ex := &fakeExtractor{err: errors.New("model unavailable")}
	r := NewResolver(ex, dir, "", "")

	if _, err := r.Process(context.Background(), "anything"); err == nil {
		t.Error("extraction error swallowed")
	}
}
