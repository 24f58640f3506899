package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/evidence"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default durable EventStore, on the pure-Go driver.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a sqlite store at the given path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time keeps modernc's locking simple under
	// concurrent workers; the busy timeout absorbs short contention.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing handle and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		event_key TEXT PRIMARY KEY,
		identity JSON NOT NULL,
		evidence JSON NOT NULL,
		evidence_count INTEGER NOT NULL DEFAULT 0,
		distinct_source_count INTEGER NOT NULL DEFAULT 0,
		candidate_score REAL NOT NULL DEFAULT 0,
		start_ts TEXT NOT NULL DEFAULT '',
		last_ts TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'CANDIDATE',
		state_version INTEGER NOT NULL DEFAULT 0,
		reasons JSON NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_events_state ON events(state, last_ts);
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Close closes the underlying handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetEvent(ctx context.Context, key string) (*evidence.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE event_key = ?`
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ev, nil
}

func (s *SQLiteStore) UpsertMerge(ctx context.Context, ev *evidence.Event) error {
	identity, items, _, err := encodeEventColumns(ev)
	if err != nil {
		return err
	}
	query := `
	INSERT INTO events (event_key, identity, evidence, evidence_count, distinct_source_count,
		candidate_score, start_ts, last_ts, state, state_version, reasons)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '[]')
	ON CONFLICT(event_key) DO UPDATE SET
		evidence = excluded.evidence,
		evidence_count = excluded.evidence_count,
		distinct_source_count = excluded.distinct_source_count,
		candidate_score = excluded.candidate_score,
		start_ts = CASE
			WHEN events.start_ts = '' THEN excluded.start_ts
			WHEN excluded.start_ts = '' THEN events.start_ts
			ELSE min(events.start_ts, excluded.start_ts)
		END,
		last_ts = max(events.last_ts, excluded.last_ts)`
	state := ev.State
	if state == "" {
		state = evidence.StateCandidate
	}
	_, err = s.db.ExecContext(ctx, query,
		ev.EventKey, identity, items, ev.EvidenceCount, ev.DistinctSourceCount,
		ev.CandidateScore, formatStoredTime(ev.StartTS), formatStoredTime(ev.LastTS), string(state))
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", ev.EventKey, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateVerification(ctx context.Context, key string, expectVersion int64, upd VerificationUpdate) error {
	reasons, err := encodeJSON(CapReasons(upd.Reasons))
	if err != nil {
		return err
	}
	query := `
	UPDATE events SET state = ?, reasons = ?, state_version = state_version + 1
	WHERE event_key = ? AND state_version = ?`
	res, err := s.db.ExecContext(ctx, query, string(upd.State), reasons, key, expectVersion)
	if err != nil {
		return fmt.Errorf("update verification %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var one int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE event_key = ?`, key).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLiteStore) ListCandidates(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT event_key FROM events WHERE state = ? ORDER BY last_ts DESC, event_key LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, string(evidence.StateCandidate), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) GetSignal(ctx context.Context, key string) (evidence.Signal, error) {
	ev, err := s.GetEvent(ctx, key)
	if err != nil {
		return evidence.Signal{}, err
	}
	return ev.Signal(), nil
}

func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return value, nil
}

func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	query := `INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, query, key, value)
	return err
}
