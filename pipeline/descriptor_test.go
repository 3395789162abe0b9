package pipeline

import (
	"encoding/json"
	"testing"
)

func TestUploadDescriptor_RoundTrip(t *testing.T) {
	d := UploadDescriptor{
		UploadID:    7,
		StoragePath: "v4/raw/x.txt",
		ReportCode:  "unit",
		Flags:       []string{"unit", "linux"},
		Extra:       map[string]any{"build_url": "https://ci.example/1"},
	}
	blob, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	var got UploadDescriptor
	if err := json.Unmarshal(blob, &got); err != nil {
		t.Fatal(err)
	}
	if got.UploadID != 7 || got.StoragePath != "v4/raw/x.txt" || got.ReportCode != "unit" {
		t.Fatalf("typed fields lost: %+v", got)
	}
	if len(got.Flags) != 2 || got.Flags[1] != "linux" {
		t.Errorf("flags lost: %v", got.Flags)
	}
	if got.Extra["build_url"] != "https://ci.example/1" {
		t.Errorf("extras lost: %v", got.Extra)
	}
}

func TestUploadDescriptor_SessionZeroSurvives(t *testing.T) {
	var d UploadDescriptor
	d.SetSessionID(0)
	blob, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	var got UploadDescriptor
	if err := json.Unmarshal(blob, &got); err != nil {
		t.Fatal(err)
	}
	if !got.HasSessionID() || got.SessionID != 0 {
		t.Fatalf("session id 0 lost: has=%v id=%d", got.HasSessionID(), got.SessionID)
	}
}

func TestUploadDescriptor_NoSessionMeansAllocateLater(t *testing.T) {
	var got UploadDescriptor
	if err := json.Unmarshal([]byte(`{"url":"p"}`), &got); err != nil {
		t.Fatal(err)
	}
	if got.HasSessionID() {
		t.Error("descriptor without session_id must not claim one")
	}
	if got.SessionID != -1 {
		t.Errorf("sentinel = %d, want -1", got.SessionID)
	}
}

func TestUploadDescriptor_TokenNeverRoundTripsEmpty(t *testing.T) {
	blob, err := json.Marshal(UploadDescriptor{StoragePath: "p"})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(blob, &m); err != nil {
		t.Fatal(err)
	}
	if _, present := m["token"]; present {
		t.Error("empty token must be omitted from the wire form")
	}
}
