package jsonl

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestWriterAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "events.jsonl")

	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}

	if err := w.Log("daemon_started", map[string]any{"pid": 123}); err != nil {
		t.Fatalf("failed to log event: %v", err)
	}
	if err := w.Log("channel_joined", map[string]any{"channel": "room"}); err != nil {
		t.Fatalf("failed to log event: %v", err)
	}

	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("failed to read records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	var ev Event
	if err := json.Unmarshal(records[1], &ev); err != nil {
		t.Fatalf("failed to unmarshal record: %v", err)
	}
	if ev.Event != "channel_joined" {
		t.Fatalf("unexpected event name: %s", ev.Event)
	}
	if ev.Fields["channel"] != "room" {
		t.Fatalf("unexpected event fields: %v", ev.Fields)
	}
	if ev.Time.IsZero() {
		t.Fatal("event timestamp was not set")
	}
}

func TestReadAllMissingFile(t *testing.T) {
	if _, err := ReadAll(filepath.Join(t.TempDir(), "nope.jsonl")); err == nil {
		t.Fatal("expected error reading missing file")
	}
}
