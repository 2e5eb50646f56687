package models

import (
	"fmt"
	"time"
)

// Known analytics event type identifiers as sent by game clients.
const (
	EventTypeNewSession = "newSession"
	EventTypeEndSession = "endSession"
	EventTypeEconomy    = "economyEvent"
	EventTypeOffer      = "offerEvent"
	EventTypeAd         = "adEvent"
	EventTypeReport     = "reportEvent"
	EventTypeDesign     = "designEvent"
)

// RawEvent is a flat analytics event row as stored in the analytical store.
// Rows are immutable once written; downstream stages only filter and reshape.
type RawEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	StudioID   string                 `json:"studio_id,omitempty"`
	Branch     string                 `json:"branch,omitempty"`
	ClientID   string                 `json:"client_id"`
	SessionID  string                 `json:"session_id"`
	Type       string                 `json:"type"`
	Field1     string                 `json:"field1,omitempty"`
	Field2     string                 `json:"field2,omitempty"`
	Field3     string                 `json:"field3,omitempty"`
	Field4     string                 `json:"field4,omitempty"`
	Field5     string                 `json:"field5,omitempty"`
	CustomData map[string]interface{} `json:"custom_data,omitempty"`
}

// Field returns one of the positional value fields by 1-based index.
func (e *RawEvent) Field(n int) string {
	switch n {
	case 1:
		return e.Field1
	case 2:
		return e.Field2
	case 3:
		return e.Field3
	case 4:
		return e.Field4
	case 5:
		return e.Field5
	default:
		return ""
	}
}

// Validate checks the minimum shape an inbound event must have before it is
// accepted into the store.
func (e *RawEvent) Validate() error {
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event has no timestamp")
	}
	if e.ClientID == "" {
		return fmt.Errorf("event has no client id")
	}
	if e.Type == "" {
		return fmt.Errorf("event has no type")
	}
	return nil
}

// SchemaField is one declared value field of an event type.
type SchemaField struct {
	Name    string `json:"name" yaml:"name"`
	Removed bool   `json:"removed,omitempty" yaml:"removed,omitempty"`
}

// EventSchema maps an event type to its declared custom-data fields for one
// studio/branch. Fields flagged removed are stripped from historical rows at
// reconstruction time instead of being rewritten in place.
type EventSchema struct {
	StudioID  string        `json:"studio_id"`
	Branch    string        `json:"branch"`
	EventType string        `json:"event_type"`
	Fields    []SchemaField `json:"fields"`
}

// RemovedFields returns the set of field names flagged removed.
func (s *EventSchema) RemovedFields() map[string]struct{} {
	if s == nil || len(s.Fields) == 0 {
		return nil
	}
	out := make(map[string]struct{})
	for _, f := range s.Fields {
		if f.Removed {
			out[f.Name] = struct{}{}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
