package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/evidence"
)

// eventColumns is the shared select list for both SQL backends.
const eventColumns = `event_key, identity, evidence, evidence_count, distinct_source_count,
	candidate_score, start_ts, last_ts, state, state_version, reasons`

type rowScanner interface {
	Scan(dest ...any) error
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode event column: %w", err)
	}
	return string(b), nil
}

func encodeEventColumns(ev *evidence.Event) (identity, items, reasons string, err error) {
	if identity, err = encodeJSON(ev.Identity); err != nil {
		return
	}
	if ev.Evidence == nil {
		items = "[]"
	} else if items, err = encodeJSON(ev.Evidence); err != nil {
		return
	}
	if ev.LastVerdictReasons == nil {
		reasons = "[]"
	} else if reasons, err = encodeJSON(ev.LastVerdictReasons); err != nil {
		return
	}
	return
}

func scanEvent(row rowScanner) (*evidence.Event, error) {
	var (
		ev           evidence.Event
		identityJSON string
		itemsJSON    string
		reasonsJSON  string
		startTS      string
		lastTS       string
		state        string
	)
	err := row.Scan(&ev.EventKey, &identityJSON, &itemsJSON, &ev.EvidenceCount,
		&ev.DistinctSourceCount, &ev.CandidateScore, &startTS, &lastTS,
		&state, &ev.StateVersion, &reasonsJSON)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(identityJSON), &ev.Identity); err != nil {
		return nil, fmt.Errorf("decode identity column: %w", err)
	}
	if err := json.Unmarshal([]byte(itemsJSON), &ev.Evidence); err != nil {
		return nil, fmt.Errorf("decode evidence column: %w", err)
	}
	if reasonsJSON != "" {
		if err := json.Unmarshal([]byte(reasonsJSON), &ev.LastVerdictReasons); err != nil {
			return nil, fmt.Errorf("decode reasons column: %w", err)
		}
	}
	ev.StartTS = parseStoredTime(startTS)
	ev.LastTS = parseStoredTime(lastTS)
	ev.State = evidence.State(state)
	return &ev, nil
}

// storedTimeLayout is fixed-width so the SQL min/max/GREATEST string
// comparisons on start_ts and last_ts order the same way time does.
// RFC3339Nano trims trailing fractional zeros and would not.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatStoredTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(storedTimeLayout)
}

func parseStoredTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
