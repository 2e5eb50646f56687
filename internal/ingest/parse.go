package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"liveops/pkg/models"
)

// inboundEvent is the wire shape game clients push onto the queue. Timestamps
// arrive as unix milliseconds.
type inboundEvent struct {
	Time       int64                  `json:"time"`
	StudioID   string                 `json:"studioID"`
	Branch     string                 `json:"branch"`
	ClientID   string                 `json:"clientID"`
	SessionID  string                 `json:"sessionID"`
	Type       string                 `json:"type"`
	Field1     string                 `json:"field1,omitempty"`
	Field2     string                 `json:"field2,omitempty"`
	Field3     string                 `json:"field3,omitempty"`
	Field4     string                 `json:"field4,omitempty"`
	Field5     string                 `json:"field5,omitempty"`
	CustomData map[string]interface{} `json:"customData,omitempty"`
}

// Parse decodes and validates one queue payload into a raw event row.
func Parse(payload []byte) (*models.RawEvent, error) {
	var in inboundEvent
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}

	ev := &models.RawEvent{
		StudioID:   in.StudioID,
		Branch:     in.Branch,
		ClientID:   in.ClientID,
		SessionID:  in.SessionID,
		Type:       in.Type,
		Field1:     in.Field1,
		Field2:     in.Field2,
		Field3:     in.Field3,
		Field4:     in.Field4,
		Field5:     in.Field5,
		CustomData: in.CustomData,
	}
	if in.Time > 0 {
		ev.Timestamp = time.UnixMilli(in.Time).UTC()
	}
	if ev.StudioID == "" {
		return nil, fmt.Errorf("event has no studio id")
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}
