// Package eventlog provides an append-only JSONL audit trail of gate
// decisions and state transitions, rotated daily.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pressroom/pkg/proto"
)

// EventType classifies an audit event.
type EventType string

const (
	EventItemQueued         EventType = "item_queued"
	EventItemEnqueued       EventType = "item_enqueued"
	EventItemClosed         EventType = "item_closed"
	EventItemCancelled      EventType = "item_cancelled"
	EventGateDecision       EventType = "gate_decision"
	EventTaskTransition     EventType = "task_transition"
	EventReworkCreated      EventType = "rework_created"
	EventEscalationRaised   EventType = "escalation_raised"
	EventEscalationResolved EventType = "escalation_resolved"
	EventBlockedDetected    EventType = "blocked_detected"
)

// Event is one audit record. Every state transition carries the gate
// decision it was based on, so the log shows exactly one decision per
// transition.
type Event struct {
	Timestamp time.Time           `json:"timestamp"`
	Type      EventType           `json:"type"`
	SubjectID string              `json:"subject_id"`
	Decision  *proto.GateDecision `json:"decision,omitempty"`
	Detail    map[string]any      `json:"detail,omitempty"`
}

// Writer appends events to daily rotated JSONL files.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewWriter creates an event writer rooted at logDir.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	w := &Writer{logDir: logDir}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize event log file: %w", err)
	}
	return w, nil
}

// Write appends one event, stamping it if the caller did not.
func (w *Writer) Write(ev *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate event log: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	if _, err := w.currentFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	newDate := time.Now().UTC().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == newDate {
		return nil
	}

	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current event log: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", newDate))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// Close closes the current log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("failed to close event log: %w", err)
	}
	return nil
}
