// Package analytics is the query surface the HTTP layer calls: parameterized
// statements against the per-tenant event tables, read-through response
// caching, and session/timeline reconstruction of the resulting rows.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"liveops/internal/cache"
	"liveops/internal/clickhouse"
	"liveops/internal/logger"
	"liveops/internal/querypool"
	"liveops/internal/schema"
	"liveops/internal/session"
	"liveops/pkg/models"
)

var (
	// ErrUnavailable is the generic caller-facing failure for pool
	// exhaustion or timeout; internals are logged, not surfaced.
	ErrUnavailable = errors.New("analytics service unavailable")
	// ErrChartNotFound means a chart reference no longer resolves.
	ErrChartNotFound = errors.New("chart not found")
)

// MetricPoint is one named element of a computed metric series.
type MetricPoint struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// EventsRequest selects raw events for reconstruction.
type EventsRequest struct {
	StudioID string
	Branch   string
	From     time.Time
	To       time.Time
	Segments []string
	Scope    session.Scope
}

// Service executes analytical queries through the pool and caches responses.
type Service struct {
	pool        *querypool.Pool
	cache       *cache.Tiered
	schemas     *schema.Service
	responseTTL time.Duration
}

// New creates the service. A zero responseTTL defaults to five minutes.
func New(pool *querypool.Pool, c *cache.Tiered, schemas *schema.Service, responseTTL time.Duration) *Service {
	if responseTTL <= 0 {
		responseTTL = 5 * time.Minute
	}
	return &Service{pool: pool, cache: c, schemas: schemas, responseTTL: responseTTL}
}

// Sequences returns cleaned sessions or per-player timelines for the window.
// Responses are cached by query fingerprint; a cache miss is invisible to the
// caller beyond latency.
func (s *Service) Sequences(ctx context.Context, req EventsRequest) ([]session.Sequence, error) {
	q, err := buildEventsQuery(req)
	if err != nil {
		return nil, err
	}

	key := cache.Key(req.StudioID, req.Branch, "analytics-response", q.Fingerprint())
	if raw, ok := s.cache.Get(ctx, key); ok {
		var cached []session.Sequence
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return cached, nil
		}
	}

	rows, err := s.pool.Submit(ctx, q)
	if err != nil {
		logger.With("analytics").Error().Err(err).Str("studio", req.StudioID).Msg("event query failed")
		if errors.Is(err, querypool.ErrTimeout) || errors.Is(err, querypool.ErrClosed) {
			return nil, ErrUnavailable
		}
		return nil, ErrUnavailable
	}

	raw := decodeRawEvents(rows)
	sequences := session.Reconstruct(raw, s.schemas.LookupFunc(ctx, req.StudioID, req.Branch), req.Scope)

	if blob, err := json.Marshal(sequences); err == nil {
		s.cache.Set(ctx, key, string(blob), s.responseTTL, true)
	}
	return sequences, nil
}

// MetricSeries computes a chart's metric over [from, to). Used by the alert
// engine for past/current window comparisons.
func (s *Service) MetricSeries(ctx context.Context, chart models.ChartRef, from, to time.Time) ([]MetricPoint, error) {
	q, err := buildMetricQuery(chart, from, to)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Submit(ctx, q)
	if err != nil {
		if errors.Is(err, querypool.ErrTimeout) || errors.Is(err, querypool.ErrClosed) {
			return nil, ErrUnavailable
		}
		return nil, fmt.Errorf("metric query: %w", err)
	}

	points := make([]MetricPoint, 0, len(rows.Data))
	for _, row := range rows.Data {
		points = append(points, MetricPoint{
			Name:  stringField(row, "name"),
			Value: floatField(row, "value"),
		})
	}
	if len(points) == 0 {
		points = append(points, MetricPoint{Name: chart.Metric, Value: 0})
	}
	return points, nil
}

// RecentEvents reads the most-recent-N ring buffer for one event type.
func (s *Service) RecentEvents(ctx context.Context, studioID, branch, eventType string, count int64) []models.RawEvent {
	key := cache.Key(studioID, branch, "recent-events", eventType)
	out := make([]models.RawEvent, 0, count)
	for _, blob := range s.cache.GetRange(ctx, key, count) {
		var ev models.RawEvent
		if err := json.Unmarshal([]byte(blob), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func buildEventsQuery(req EventsRequest) (*clickhouse.Query, error) {
	table, err := clickhouse.EventsTable(req.StudioID)
	if err != nil {
		return nil, fmt.Errorf("events table: %w", err)
	}

	text := "SELECT timestamp, client_id, session_id, type, field1, field2, field3, field4, field5, custom_data" +
		" FROM " + table +
		" WHERE branch = {branch:String}" +
		" AND timestamp >= {from:DateTime64(3)} AND timestamp < {to:DateTime64(3)}"
	if len(req.Segments) > 0 {
		segTable, err := clickhouse.Ident("segments_" + req.StudioID)
		if err != nil {
			return nil, fmt.Errorf("segments table: %w", err)
		}
		text += " AND client_id IN (SELECT client_id FROM " + segTable +
			" WHERE segment_id IN {segments:Array(String)})"
	}
	text += " ORDER BY timestamp"

	q := clickhouse.NewQuery(text).
		BindString("branch", req.Branch).
		BindTime("from", req.From).
		BindTime("to", req.To)
	if len(req.Segments) > 0 {
		q.BindStrings("segments", req.Segments)
	}
	return q, nil
}

// buildMetricQuery dispatches over the closed set of chart metrics. An
// unknown metric means the backing chart was deleted or edited away.
func buildMetricQuery(chart models.ChartRef, from, to time.Time) (*clickhouse.Query, error) {
	table, err := clickhouse.EventsTable(chart.StudioID)
	if err != nil {
		return nil, fmt.Errorf("events table: %w", err)
	}

	var text string
	switch chart.Metric {
	case "activeUsers":
		text = "SELECT 'activeUsers' AS name, toFloat64(uniqExact(client_id)) AS value FROM " + table +
			" WHERE branch = {branch:String} AND timestamp >= {from:DateTime64(3)} AND timestamp < {to:DateTime64(3)}"
	case "sessions":
		text = "SELECT 'sessions' AS name, toFloat64(uniqExact(session_id)) AS value FROM " + table +
			" WHERE branch = {branch:String} AND type = {start:String}" +
			" AND timestamp >= {from:DateTime64(3)} AND timestamp < {to:DateTime64(3)}"
	case "revenue":
		text = "SELECT 'revenue' AS name, sum(toFloat64OrZero(field2)) AS value FROM " + table +
			" WHERE branch = {branch:String} AND type = {offer:String}" +
			" AND timestamp >= {from:DateTime64(3)} AND timestamp < {to:DateTime64(3)}"
	case "crashes":
		text = "SELECT 'crashes' AS name, toFloat64(count()) AS value FROM " + table +
			" WHERE branch = {branch:String} AND type = {report:String}" +
			" AND timestamp >= {from:DateTime64(3)} AND timestamp < {to:DateTime64(3)}"
	case "economy":
		text = "SELECT field1 AS name, sum(toFloat64OrZero(field2)) AS value FROM " + table +
			" WHERE branch = {branch:String} AND type = {economy:String}" +
			" AND timestamp >= {from:DateTime64(3)} AND timestamp < {to:DateTime64(3)}" +
			" GROUP BY field1"
	default:
		return nil, fmt.Errorf("metric %q: %w", chart.Metric, ErrChartNotFound)
	}

	q := clickhouse.NewQuery(text).
		BindString("branch", chart.Branch).
		BindTime("from", from).
		BindTime("to", to)
	switch chart.Metric {
	case "sessions":
		q.BindString("start", models.EventTypeNewSession)
	case "revenue":
		q.BindString("offer", models.EventTypeOffer)
	case "crashes":
		q.BindString("report", models.EventTypeReport)
	case "economy":
		q.BindString("economy", models.EventTypeEconomy)
	}
	return q, nil
}

func decodeRawEvents(rows *clickhouse.Rows) []models.RawEvent {
	out := make([]models.RawEvent, 0, len(rows.Data))
	for _, row := range rows.Data {
		ev := models.RawEvent{
			ClientID:  stringField(row, "client_id"),
			SessionID: stringField(row, "session_id"),
			Type:      stringField(row, "type"),
			Field1:    stringField(row, "field1"),
			Field2:    stringField(row, "field2"),
			Field3:    stringField(row, "field3"),
			Field4:    stringField(row, "field4"),
			Field5:    stringField(row, "field5"),
		}
		if ts := stringField(row, "timestamp"); ts != "" {
			if parsed, err := parseTimestamp(ts); err == nil {
				ev.Timestamp = parsed
			}
		}
		if raw := stringField(row, "custom_data"); raw != "" {
			var data map[string]interface{}
			if err := json.Unmarshal([]byte(raw), &data); err == nil {
				ev.CustomData = data
			}
		}
		out = append(out, ev)
	}
	return out
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05.000", "2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

func stringField(row map[string]interface{}, name string) string {
	if v, ok := row[name].(string); ok {
		return v
	}
	return ""
}

func floatField(row map[string]interface{}, name string) float64 {
	switch v := row[name].(type) {
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		var f float64
		fmt.Sscanf(v, "%g", &f)
		return f
	default:
		return 0
	}
}
