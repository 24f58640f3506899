// Package audit writes the engine's domain event log: one JSON record
// per line for evidence merges, rule reloads, state transitions, and
// lock conflicts.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind categorizes an audit record.
type EventKind string

const (
	EventMerge           EventKind = "EVIDENCE_MERGE"
	EventRuleReload      EventKind = "RULE_RELOAD"
	EventStateTransition EventKind = "STATE_TRANSITION"
	EventLockConflict    EventKind = "LOCK_CONFLICT"
)

// Event is one structured audit record.
type Event struct {
	ID        string         `json:"id"`
	Kind      EventKind      `json:"kind"`
	EventKey  string         `json:"event_key,omitempty"`
	CycleID   string         `json:"cycle_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger records audit events as JSONL to a configurable writer.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() *Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{writer: w, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *Logger) WithClock(clock func() time.Time) *Logger {
	l.clock = clock
	return l
}

// Record appends one event. A nil *Logger records nothing, so callers
// can leave auditing unwired in tests.
func (l *Logger) Record(kind EventKind, eventKey, cycleID string, fields map[string]any) error {
	if l == nil {
		return nil
	}
	event := Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		EventKey:  eventKey,
		CycleID:   cycleID,
		Timestamp: l.clock().UTC(),
		Fields:    fields,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = l.writer.Write(append(bytes, '\n'))
	return err
}
