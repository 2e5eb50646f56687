package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"liveops/internal/session"
	"liveops/pkg/models"
)

func main() {
	input := flag.String("input", "output/events.jsonl", "Raw event JSONL input path")
	output := flag.String("output", "output/sessions.jsonl", "Cleaned sequence JSONL output path")
	schemaPath := flag.String("schemas", "", "Optional event schema JSONL path")
	scopeArg := flag.String("scope", "session", "Grouping scope: session or client")
	flag.Parse()

	scope := session.ScopeSession
	switch strings.ToLower(*scopeArg) {
	case "session":
	case "client":
		scope = session.ScopeClient
	default:
		fmt.Fprintf(os.Stderr, "unknown scope %q (want session or client)\n", *scopeArg)
		os.Exit(1)
	}

	events, err := loadEventsJSONL(*input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load raw events: %v\n", err)
		os.Exit(1)
	}

	var lookup session.SchemaLookup
	if *schemaPath != "" {
		schemas, err := loadSchemasJSONL(*schemaPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load schemas: %v\n", err)
			os.Exit(1)
		}
		lookup = func(eventType string) *models.EventSchema {
			return schemas[eventType]
		}
	}

	sequences := session.Reconstruct(events, lookup, scope)

	if err := writeSequences(*output, sequences); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write sequences: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("reconstructed events=%d sequences=%d output=%s\n", len(events), len(sequences), *output)
}

func loadEventsJSONL(path string) ([]models.RawEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	events := make([]models.RawEvent, 0, 4096)
	s := bufio.NewScanner(f)
	buf := make([]byte, 0, 1024*1024)
	s.Buffer(buf, 8*1024*1024)

	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		var ev models.RawEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan input: %w", err)
	}
	return events, nil
}

func loadSchemasJSONL(path string) (map[string]*models.EventSchema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schemas: %w", err)
	}
	defer f.Close()

	schemas := make(map[string]*models.EventSchema)
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		var sch models.EventSchema
		if err := json.Unmarshal([]byte(line), &sch); err != nil {
			continue
		}
		schemas[sch.EventType] = &sch
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan schemas: %w", err)
	}
	return schemas, nil
}

func writeSequences(path string, sequences []session.Sequence) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, seq := range sequences {
		if err := enc.Encode(seq); err != nil {
			return fmt.Errorf("encode sequence: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}
