package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestWithTagsComponentAndChains(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", JSON: true, Output: &buf})

	// Level methods must chain directly off the With return value.
	With("cache").Info().Str("key", "k").Msg("durable read failed")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log output not JSON: %v (%q)", err, buf.String())
	}
	if line["component"] != "cache" {
		t.Errorf("component = %v", line["component"])
	}
	if line["key"] != "k" || line["message"] != "durable read failed" {
		t.Errorf("fields = %v", line)
	}
	if line["level"] != "info" {
		t.Errorf("level = %v", line["level"])
	}
}

func TestInitLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", JSON: true, Output: &buf})

	With("pool").Debug().Msg("suppressed")
	With("pool").Warn().Msg("kept")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Errorf("debug line emitted under warn level: %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestInitUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "nonsense", JSON: true, Output: &buf})

	With("main").Info().Msg("alive")
	if !strings.Contains(buf.String(), "alive") {
		t.Errorf("info line missing under default level: %q", buf.String())
	}
}
