// Package store persists events and serves the signal read interface.
// Three backends share one contract: memory (tests, embedded runs),
// sqlite (default durable store), and postgres.
//
// The store is also one half of the concurrency coordinator: state
// transitions go through UpdateVerification, a compare-and-swap on
// state_version. Evidence fields are only ever written by the merger,
// state fields only by the verification worker; the per-key lock keeps
// the two from interleaving on one key.
package store

import (
	"context"
	"errors"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/evidence"
)

// ErrNotFound is returned when no event exists for the key.
var ErrNotFound = errors.New("event not found")

// ErrVersionConflict is returned when a compare-and-swap loses the race:
// state_version moved between read and write. Not an error condition
// for workers: skip and continue, counted for observability.
var ErrVersionConflict = errors.New("state version conflict")

// VerificationUpdate is the single mutation a verification attempt may
// apply. State may equal the current state (hold annotations); the
// write still bumps state_version so concurrent attempts serialize.
type VerificationUpdate struct {
	State   evidence.State
	Reasons []string
}

// EventStore is the durable event store contract.
type EventStore interface {
	// GetEvent returns the full event, ErrNotFound if absent.
	GetEvent(ctx context.Context, key string) (*evidence.Event, error)

	// UpsertMerge creates the event or replaces its aggregation fields
	// (evidence, counts, score, last_ts). It never touches state,
	// state_version, or verdict reasons; callers hold the per-key merge
	// lock.
	UpsertMerge(ctx context.Context, ev *evidence.Event) error

	// UpdateVerification applies a state transition conditioned on
	// state_version being unchanged since read. ErrVersionConflict when
	// another writer won the race.
	UpdateVerification(ctx context.Context, key string, expectVersion int64, upd VerificationUpdate) error

	// ListCandidates returns up to limit event keys still in CANDIDATE.
	ListCandidates(ctx context.Context, limit int) ([]string, error)

	// GetSignal returns the bounded read snapshot for downstream
	// consumers.
	GetSignal(ctx context.Context, key string) (evidence.Signal, error)

	// GetMeta/SetMeta hold small operational values such as the
	// identity salt version last observed by the service.
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

// CapReasons bounds the persisted verdict reason list. The result is
// never nil: an empty list must serialize as a JSON array, not null,
// to match the reasons column default.
func CapReasons(reasons []string) []string {
	if len(reasons) > evidence.MaxStoredReasons {
		reasons = reasons[:evidence.MaxStoredReasons]
	}
	out := make([]string, 0, len(reasons))
	return append(out, reasons...)
}
