package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"liveops/internal/clickhouse"
	"liveops/internal/logger"
	"liveops/pkg/models"
)

// EventSink lands validated event batches somewhere durable.
type EventSink interface {
	WriteEvents(ctx context.Context, events []*models.RawEvent) error
	Close() error
}

// insertRow is the JSONEachRow shape of the per-tenant event tables.
type insertRow struct {
	Timestamp  string `json:"timestamp"`
	Branch     string `json:"branch"`
	ClientID   string `json:"client_id"`
	SessionID  string `json:"session_id,omitempty"`
	Type       string `json:"type"`
	Field1     string `json:"field1,omitempty"`
	Field2     string `json:"field2,omitempty"`
	Field3     string `json:"field3,omitempty"`
	Field4     string `json:"field4,omitempty"`
	Field5     string `json:"field5,omitempty"`
	CustomData string `json:"custom_data,omitempty"`
}

// ClickHouseSink writes event batches to the per-tenant tables.
type ClickHouseSink struct {
	conn *clickhouse.Conn
}

// NewClickHouseSink wraps a store connection as a sink.
func NewClickHouseSink(conn *clickhouse.Conn) *ClickHouseSink {
	return &ClickHouseSink{conn: conn}
}

// WriteEvents groups the batch by studio and inserts one JSONEachRow batch
// per tenant table.
func (s *ClickHouseSink) WriteEvents(ctx context.Context, events []*models.RawEvent) error {
	byStudio := make(map[string][]interface{})
	for _, ev := range events {
		row := insertRow{
			Timestamp: ev.Timestamp.UTC().Format("2006-01-02 15:04:05.000"),
			Branch:    ev.Branch,
			ClientID:  ev.ClientID,
			SessionID: ev.SessionID,
			Type:      ev.Type,
			Field1:    ev.Field1,
			Field2:    ev.Field2,
			Field3:    ev.Field3,
			Field4:    ev.Field4,
			Field5:    ev.Field5,
		}
		if len(ev.CustomData) > 0 {
			if raw, err := json.Marshal(ev.CustomData); err == nil {
				row.CustomData = string(raw)
			}
		}
		byStudio[ev.StudioID] = append(byStudio[ev.StudioID], row)
	}

	for studio, rows := range byStudio {
		table, err := clickhouse.EventsTable(studio)
		if err != nil {
			logger.With("ingest").Warn().Err(err).Str("studio", studio).Msg("dropping batch for invalid studio id")
			continue
		}
		if err := s.conn.Insert(ctx, table, rows); err != nil {
			return fmt.Errorf("insert %d events for studio %s: %w", len(rows), studio, err)
		}
	}
	return nil
}

// Close releases the connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

// FileSink appends events to a JSONL file, for development setups without an
// analytical store.
type FileSink struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

// NewFileSink creates the output file, including parent directories.
func NewFileSink(path string) (*FileSink, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}

	logger.With("ingest").Info().Str("path", path).Msg("file sink initialized")
	return &FileSink{file: f, encoder: json.NewEncoder(f)}, nil
}

// WriteEvents appends a batch.
func (s *FileSink) WriteEvents(_ context.Context, events []*models.RawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if err := s.encoder.Encode(ev); err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
	}
	return nil
}

// Close closes the output file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
