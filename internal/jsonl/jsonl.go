// Package jsonl provides the daemon's append-only JSONL activity log.
//
// One record per line. The log is lifecycle bookkeeping, not a data
// store: nothing in it is read back by the daemon itself.
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends JSON records to a log file, one per line.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter creates a writer for the given path, creating the file and
// its parent directory if they don't exist.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) //nolint:gosec // G304 - path from the private state directory
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	_ = f.Close()

	return &Writer{path: path}, nil
}

// Append marshals the record and appends it as one line.
func (w *Writer) Append(record any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND, 0600) //nolint:gosec // G304 - path from the private state directory
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// Event is the record shape the daemon logs: a named event with a
// timestamp and free-form fields.
type Event struct {
	Time   time.Time      `json:"time"`
	Event  string         `json:"event"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Log appends a named event with the current timestamp. Errors are
// returned but callers generally treat activity logging as
// best-effort.
func (w *Writer) Log(event string, fields map[string]any) error {
	return w.Append(Event{Time: time.Now().UTC(), Event: event, Fields: fields})
}

// ReadAll reads every record from a JSONL file. Used by tests and
// debugging tools, not by the daemon.
func ReadAll(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path) //nolint:gosec // G304 - path from the private state directory
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var records []json.RawMessage
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec := make(json.RawMessage, len(line))
		copy(rec, line)
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}
	return records, nil
}
