// Package session reconstructs ordered player sessions and economy timelines
// from flat, unordered raw event rows. Everything in this package is pure:
// no I/O, no shared state, safe to run concurrently on independent batches.
package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind enumerates the closed set of analytics event kinds.
type Kind int

const (
	KindSessionStart Kind = iota
	KindSessionEnd
	KindCrash
	KindEconomy
	KindOffer
	KindAd
	KindReport
	KindDesign
	KindCustom
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSessionStart:
		return "sessionStart"
	case KindSessionEnd:
		return "sessionEnd"
	case KindCrash:
		return "sessionCrash"
	case KindEconomy:
		return "economy"
	case KindOffer:
		return "offer"
	case KindAd:
		return "ad"
	case KindReport:
		return "report"
	case KindDesign:
		return "design"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// MarshalText renders kinds as their wire names in JSON output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a wire name back into a kind.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "sessionStart":
		*k = KindSessionStart
	case "sessionEnd":
		*k = KindSessionEnd
	case "sessionCrash":
		*k = KindCrash
	case "economy":
		*k = KindEconomy
	case "offer":
		*k = KindOffer
	case "ad":
		*k = KindAd
	case "report":
		*k = KindReport
	case "design":
		*k = KindDesign
	case "custom":
		*k = KindCustom
	default:
		return fmt.Errorf("unknown event kind %q", string(b))
	}
	return nil
}

// Detail is the per-kind payload. The set of implementations is closed; the
// dispatch in mapEvent is the single place raw type tags become variants.
type Detail interface {
	kind() Kind
}

// SessionStart marks the canonical beginning of a session.
type SessionStart struct{}

// SessionEnd marks a clean session end.
type SessionEnd struct{}

// Crash marks a session terminated by a crash report instead of a clean end.
type Crash struct {
	Severity string `json:"severity,omitempty"`
	ReportID string `json:"report_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Economy is a currency source or sink.
type Economy struct {
	CurrencyID string  `json:"currency_id"`
	Amount     float64 `json:"amount"`
	Flow       string  `json:"flow,omitempty"`
	Origin     string  `json:"origin,omitempty"`
}

// Offer is a shown or purchased offer.
type Offer struct {
	OfferID  string  `json:"offer_id"`
	Price    float64 `json:"price,omitempty"`
	Currency string  `json:"currency,omitempty"`
}

// Ad is an ad impression.
type Ad struct {
	Network   string  `json:"network,omitempty"`
	AdType    string  `json:"ad_type,omitempty"`
	TimeSpent float64 `json:"time_spent,omitempty"`
}

// Report is a non-terminal client report.
type Report struct {
	Severity string `json:"severity,omitempty"`
	ReportID string `json:"report_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Design is a designer-defined event with an optional numeric value.
type Design struct {
	EventID string  `json:"event_id"`
	Value   float64 `json:"value,omitempty"`
}

// Custom carries an event type outside the known set. The event is still
// emitted so one unschemed type never drops a whole batch.
type Custom struct {
	Type string `json:"type"`
}

func (SessionStart) kind() Kind { return KindSessionStart }
func (SessionEnd) kind() Kind   { return KindSessionEnd }
func (Crash) kind() Kind        { return KindCrash }
func (Economy) kind() Kind      { return KindEconomy }
func (Offer) kind() Kind        { return KindOffer }
func (Ad) kind() Kind           { return KindAd }
func (Report) kind() Kind       { return KindReport }
func (Design) kind() Kind       { return KindDesign }
func (Custom) kind() Kind       { return KindCustom }

// Event is a normalized event: common envelope plus one typed detail.
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	ClientID   string                 `json:"client_id"`
	SessionID  string                 `json:"session_id,omitempty"`
	Kind       Kind                   `json:"kind"`
	Elapsed    *float64               `json:"elapsed_seconds,omitempty"`
	Detail     Detail                 `json:"detail,omitempty"`
	CustomData map[string]interface{} `json:"custom_data,omitempty"`
}

// UnmarshalJSON rebuilds the typed detail from the kind tag so cached
// sequences round-trip through JSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID         string                 `json:"id"`
		Timestamp  time.Time              `json:"timestamp"`
		ClientID   string                 `json:"client_id"`
		SessionID  string                 `json:"session_id"`
		Kind       Kind                   `json:"kind"`
		Elapsed    *float64               `json:"elapsed_seconds"`
		Detail     json.RawMessage        `json:"detail"`
		CustomData map[string]interface{} `json:"custom_data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.ID = raw.ID
	e.Timestamp = raw.Timestamp
	e.ClientID = raw.ClientID
	e.SessionID = raw.SessionID
	e.Kind = raw.Kind
	e.Elapsed = raw.Elapsed
	e.CustomData = raw.CustomData
	e.Detail = nil
	if len(raw.Detail) == 0 || string(raw.Detail) == "null" {
		switch raw.Kind {
		case KindSessionStart:
			e.Detail = SessionStart{}
		case KindSessionEnd:
			e.Detail = SessionEnd{}
		}
		return nil
	}

	decode := func(v Detail, into func(Detail)) error {
		// v is a pointer to the concrete type; dereference after decode.
		if err := json.Unmarshal(raw.Detail, v); err != nil {
			return err
		}
		into(v)
		return nil
	}
	switch raw.Kind {
	case KindSessionStart:
		e.Detail = SessionStart{}
	case KindSessionEnd:
		e.Detail = SessionEnd{}
	case KindCrash:
		return decode(&Crash{}, func(d Detail) { e.Detail = *d.(*Crash) })
	case KindEconomy:
		return decode(&Economy{}, func(d Detail) { e.Detail = *d.(*Economy) })
	case KindOffer:
		return decode(&Offer{}, func(d Detail) { e.Detail = *d.(*Offer) })
	case KindAd:
		return decode(&Ad{}, func(d Detail) { e.Detail = *d.(*Ad) })
	case KindReport:
		return decode(&Report{}, func(d Detail) { e.Detail = *d.(*Report) })
	case KindDesign:
		return decode(&Design{}, func(d Detail) { e.Detail = *d.(*Design) })
	case KindCustom:
		return decode(&Custom{}, func(d Detail) { e.Detail = *d.(*Custom) })
	}
	return nil
}

// Sequence is one cleaned, time-ordered group of events: a session when
// grouped by session id, a per-player timeline when grouped by client id.
type Sequence struct {
	Key      string  `json:"key"`
	ClientID string  `json:"client_id,omitempty"`
	Crashed  bool    `json:"crashed,omitempty"`
	Events   []Event `json:"events"`
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
