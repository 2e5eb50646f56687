package ingest

import (
	"testing"
	"time"
)

func TestParseValidEvent(t *testing.T) {
	payload := []byte(`{
		"time": 1775044800000,
		"studioID": "studio-1",
		"branch": "main",
		"clientID": "c1",
		"sessionID": "s1",
		"type": "economyEvent",
		"field1": "gems",
		"field2": "250",
		"field3": "source",
		"field4": "shop",
		"customData": {"level": 12}
	}`)

	ev, err := Parse(payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.StudioID != "studio-1" || ev.Branch != "main" || ev.ClientID != "c1" {
		t.Errorf("identity fields = %q/%q/%q", ev.StudioID, ev.Branch, ev.ClientID)
	}
	if ev.Type != "economyEvent" || ev.Field1 != "gems" || ev.Field2 != "250" {
		t.Errorf("value fields = %q/%q/%q", ev.Type, ev.Field1, ev.Field2)
	}
	want := time.UnixMilli(1775044800000).UTC()
	if !ev.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", ev.Timestamp, want)
	}
	if ev.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp not normalized to UTC: %v", ev.Timestamp)
	}
	if ev.CustomData["level"] != float64(12) {
		t.Errorf("custom data = %v", ev.CustomData)
	}
}

func TestParseRejections(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{"studioID": `},
		{"missing studio", `{"time": 1775044800000, "clientID": "c1", "type": "newSession"}`},
		{"missing timestamp", `{"studioID": "s", "clientID": "c1", "type": "newSession"}`},
		{"missing client", `{"time": 1775044800000, "studioID": "s", "type": "newSession"}`},
		{"missing type", `{"time": 1775044800000, "studioID": "s", "clientID": "c1"}`},
	}
	for _, tc := range cases {
		if _, err := Parse([]byte(tc.payload)); err == nil {
			t.Errorf("%s: accepted, want error", tc.name)
		}
	}
}

func TestParseZeroTimeStaysZero(t *testing.T) {
	_, err := Parse([]byte(`{"time": 0, "studioID": "s", "clientID": "c1", "type": "newSession"}`))
	if err == nil {
		t.Fatal("zero timestamp accepted")
	}
}
