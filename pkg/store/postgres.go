package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/evidence"

	_ "github.com/lib/pq" // postgres driver
)

// PostgresStore is the EventStore variant for multi-process deployments
// sharing one database.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens (and migrates) a postgres store.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPostgresStore(db, true)
}

// NewPostgresStore wraps an existing handle; migrate=false skips DDL
// (tests with sqlmock, managed schemas).
func NewPostgresStore(db *sql.DB, migrate bool) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if migrate {
		if err := s.migrate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		event_key TEXT PRIMARY KEY,
		identity JSONB NOT NULL,
		evidence JSONB NOT NULL,
		evidence_count INTEGER NOT NULL DEFAULT 0,
		distinct_source_count INTEGER NOT NULL DEFAULT 0,
		candidate_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		start_ts TEXT NOT NULL DEFAULT '',
		last_ts TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'CANDIDATE',
		state_version BIGINT NOT NULL DEFAULT 0,
		reasons JSONB NOT NULL DEFAULT '[]'
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
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) GetEvent(ctx context.Context, key string) (*evidence.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE event_key = $1`
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ev, nil
}

func (s *PostgresStore) UpsertMerge(ctx context.Context, ev *evidence.Event) error {
	identity, items, _, err := encodeEventColumns(ev)
	if err != nil {
		return err
	}
	query := `
	INSERT INTO events (event_key, identity, evidence, evidence_count, distinct_source_count,
		candidate_score, start_ts, last_ts, state, state_version, reasons)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, '[]')
	ON CONFLICT (event_key) DO UPDATE SET
		evidence = excluded.evidence,
		evidence_count = excluded.evidence_count,
		distinct_source_count = excluded.distinct_source_count,
		candidate_score = excluded.candidate_score,
		start_ts = CASE
			WHEN events.start_ts = '' THEN excluded.start_ts
			WHEN excluded.start_ts = '' THEN events.start_ts
			ELSE LEAST(events.start_ts, excluded.start_ts)
		END,
		last_ts = GREATEST(events.last_ts, excluded.last_ts)`
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

func (s *PostgresStore) UpdateVerification(ctx context.Context, key string, expectVersion int64, upd VerificationUpdate) error {
	reasons, err := encodeJSON(CapReasons(upd.Reasons))
	if err != nil {
		return err
	}
	query := `
	UPDATE events SET state = $1, reasons = $2, state_version = state_version + 1
	WHERE event_key = $3 AND state_version = $4`
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
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE event_key = $1`, key).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) ListCandidates(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT event_key FROM events WHERE state = $1 ORDER BY last_ts DESC, event_key LIMIT $2`
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

func (s *PostgresStore) GetSignal(ctx context.Context, key string) (evidence.Signal, error) {
	ev, err := s.GetEvent(ctx, key)
	if err != nil {
		return evidence.Signal{}, err
	}
	return ev.Signal(), nil
}

func (s *PostgresStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return value, nil
}

func (s *PostgresStore) SetMeta(ctx context.Context, key, value string) error {
	query := `INSERT INTO meta (key, value) VALUES ($1, $2)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, query, key, value)
	return err
}
