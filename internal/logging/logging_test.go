package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(Config{Level: "debug"}, &buf), "ingest")
	logger.Debug().Str("city", "chennai").Msg("pair done")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["component"] != "ingest" || entry["city"] != "chennai" {
		t.Fatalf("missing fields in %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Fatal("timestamp missing")
	}
}

func TestNewHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn"}, &buf)
	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}

	buf.Reset()
	New(Config{Level: "bogus"}, &buf).Info().Msg("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatal("unknown levels should fall back to info")
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Format: "console"}, &buf).Info().Msg("hello")
	if strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("console format should not emit JSON: %q", buf.String())
	}
}
