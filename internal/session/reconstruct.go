package session

import (
	"fmt"
	"sort"

	"liveops/pkg/models"
)

// Scope selects the correlation key for grouping raw rows.
type Scope int

const (
	// ScopeSession groups by session id and requires a start marker.
	ScopeSession Scope = iota
	// ScopeClient groups by client id for economy/behavior timelines; no
	// start marker is required.
	ScopeClient
)

// SchemaLookup resolves the declared schema for an event type. A nil return
// means no schema is known and custom data passes through untouched.
type SchemaLookup func(eventType string) *models.EventSchema

// Reconstruct turns flat raw rows for many players/sessions into cleaned,
// ordered sequences. Input rows are never mutated. Group order in the result
// follows first appearance in the input.
func Reconstruct(raw []models.RawEvent, lookup SchemaLookup, scope Scope) []Sequence {
	groups := make(map[string][]models.RawEvent)
	order := make([]string, 0)
	for _, ev := range raw {
		key := ev.SessionID
		if scope == ScopeClient {
			key = ev.ClientID
		}
		if key == "" {
			continue
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], ev)
	}

	// Schema lookups are memoized per call; one batch can hold thousands of
	// rows of a handful of types.
	schemas := make(map[string]*models.EventSchema)
	schemaFor := func(eventType string) *models.EventSchema {
		if s, ok := schemas[eventType]; ok {
			return s
		}
		var s *models.EventSchema
		if lookup != nil {
			s = lookup(eventType)
		}
		schemas[eventType] = s
		return s
	}

	out := make([]Sequence, 0, len(order))
	for _, key := range order {
		if seq := buildSequence(key, groups[key], schemaFor, scope); seq != nil {
			out = append(out, *seq)
		}
	}
	return out
}

func buildSequence(key string, rows []models.RawEvent, schemaFor SchemaLookup, scope Scope) *Sequence {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})

	// Keep only the earliest start marker. After the stable sort the first
	// newSession row encountered is the earliest.
	startSeen := false
	kept := rows[:0:0]
	for _, ev := range rows {
		if ev.Type == models.EventTypeNewSession {
			if startSeen {
				continue
			}
			startSeen = true
		}
		kept = append(kept, ev)
	}

	if scope == ScopeSession && !startSeen {
		return nil
	}
	if len(kept) == 0 {
		return nil
	}

	seq := &Sequence{Key: key, ClientID: kept[0].ClientID}
	var prev *models.RawEvent
	for i := range kept {
		ev := &kept[i]
		cleaned := Event{
			ID:         fmt.Sprintf("%s-%d", key, i),
			Timestamp:  ev.Timestamp,
			ClientID:   ev.ClientID,
			SessionID:  ev.SessionID,
			CustomData: stripRemoved(ev.CustomData, schemaFor(ev.Type)),
		}
		if prev != nil {
			elapsed := ev.Timestamp.Sub(prev.Timestamp).Seconds()
			cleaned.Elapsed = &elapsed
		}
		cleaned.Kind, cleaned.Detail = mapEvent(ev)
		seq.Events = append(seq.Events, cleaned)
		prev = ev
	}

	// Reports with nothing but reports after them are how crashed clients
	// end: the session never got its endSession, so the trailing run of
	// reports becomes the terminal crash markers. A report followed by any
	// other kind keeps its kind.
	for i := len(seq.Events) - 1; i >= 0 && seq.Events[i].Kind == KindReport; i-- {
		report := seq.Events[i].Detail.(Report)
		seq.Events[i].Kind = KindCrash
		seq.Events[i].Detail = Crash(report)
		seq.Crashed = true
	}

	return seq
}

// mapEvent is the single dispatch from raw type tags to typed variants.
func mapEvent(ev *models.RawEvent) (Kind, Detail) {
	switch ev.Type {
	case models.EventTypeNewSession:
		return KindSessionStart, SessionStart{}
	case models.EventTypeEndSession:
		return KindSessionEnd, SessionEnd{}
	case models.EventTypeEconomy:
		return KindEconomy, Economy{
			CurrencyID: ev.Field1,
			Amount:     parseFloat(ev.Field2),
			Flow:       ev.Field3,
			Origin:     ev.Field4,
		}
	case models.EventTypeOffer:
		return KindOffer, Offer{
			OfferID:  ev.Field1,
			Price:    parseFloat(ev.Field2),
			Currency: ev.Field3,
		}
	case models.EventTypeAd:
		return KindAd, Ad{
			Network:   ev.Field1,
			AdType:    ev.Field2,
			TimeSpent: parseFloat(ev.Field3),
		}
	case models.EventTypeReport:
		return KindReport, Report{
			Severity: ev.Field1,
			ReportID: ev.Field2,
			Message:  ev.Field3,
		}
	case models.EventTypeDesign:
		return KindDesign, Design{
			EventID: ev.Field1,
			Value:   parseFloat(ev.Field2),
		}
	default:
		return KindCustom, Custom{Type: ev.Type}
	}
}

// stripRemoved drops custom-data fields the schema has since retracted. The
// source map is copied, never mutated: raw rows are immutable.
func stripRemoved(data map[string]interface{}, schema *models.EventSchema) map[string]interface{} {
	if len(data) == 0 {
		return nil
	}
	removed := schema.RemovedFields()
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if _, gone := removed[k]; gone {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
