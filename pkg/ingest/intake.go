package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/evidence"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/identity"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/locker"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/merge"
)

// Default lock parameters for the merge path.
const (
	DefaultLockTTL  = 5 * time.Second
	DefaultLockWait = 500 * time.Millisecond
)

// Intake validates and merges evidence feed records.
//
// Recoverable problems (bad schema, duplicates, transient lock
// contention) surface as per-record outcomes, never as a hard failure:
// producer submissions must not be rejected because verification
// downstream is in trouble. Only a store-unavailable error aborts.
type Intake struct {
	resolver *identity.Resolver
	merger   *merge.Merger
	locks    locker.Locker
	logger   *slog.Logger
	lockTTL  time.Duration
	lockWait time.Duration
}

// NewIntake wires the intake path.
func NewIntake(resolver *identity.Resolver, merger *merge.Merger, locks locker.Locker, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		resolver: resolver,
		merger:   merger,
		locks:    locks,
		logger:   logger.With("component", "ingest"),
		lockTTL:  DefaultLockTTL,
		lockWait: DefaultLockWait,
	}
}

// Submit processes a batch of records. The returned slice is positional
// with the input. A non-nil error means the event store itself is
// unavailable; results up to that point are still returned.
func (in *Intake) Submit(ctx context.Context, records []Record) ([]RecordResult, error) {
	results := make([]RecordResult, len(records))

	byKey := make(map[string][]pending)
	var order []string

	for i, rec := range records {
		source, err := evidence.ParseSource(rec.Source)
		if err != nil {
			results[i] = RecordResult{Outcome: OutcomeInvalid, Reason: err.Error()}
			continue
		}
		if rec.StableRef == "" {
			results[i] = RecordResult{Outcome: OutcomeInvalid, Reason: "missing stable_reference"}
			continue
		}
		if err := validatePayload(source, rec.Payload); err != nil {
			results[i] = RecordResult{Outcome: OutcomeInvalid, Reason: err.Error()}
			continue
		}
		payload, err := evidence.DecodePayload(source, rec.Payload)
		if err != nil {
			results[i] = RecordResult{Outcome: OutcomeInvalid, Reason: err.Error()}
			continue
		}

		key, id := in.resolver.Resolve(identity.RawInputs{
			Symbol:          rec.Symbol,
			ContractAddress: rec.ContractAddress,
			Topic:           rec.Topic,
			ObservedAt:      rec.CapturedAt,
		})
		item := evidence.EvidenceItem{
			Source:     source,
			CapturedAt: rec.CapturedAt.UTC(),
			Payload:    payload,
			DedupKey:   evidence.DedupKey(source, rec.StableRef),
			Weight:     evidence.ClampWeight(rec.Weight),
		}
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], pending{index: i, key: key, id: id, item: item})
	}

	for _, key := range order {
		batch := byKey[key]
		if err := in.mergeKey(ctx, key, batch, results); err != nil {
			return results, err
		}
	}
	return results, nil
}

type pending struct {
	index int
	key   string
	id    evidence.Identity
	item  evidence.EvidenceItem
}

// mergeKey serializes the key's batch behind the per-key merge lock.
// Records are merged one at a time so each gets an exact
// accepted/duplicate outcome.
func (in *Intake) mergeKey(ctx context.Context, key string, batch []pending, results []RecordResult) error {
	lease, err := locker.AcquireWait(ctx, in.locks, "merge:"+key, in.lockTTL, in.lockWait)
	if err != nil {
		if errors.Is(err, locker.ErrHeld) {
			for _, p := range batch {
				results[p.index] = RecordResult{EventKey: key, Outcome: OutcomeDeferred, Reason: "merge lock contended"}
			}
			in.logger.Warn("merge lock contended past wait budget", "event_key", key)
			return nil
		}
		return fmt.Errorf("acquire merge lock for %s: %w", key, err)
	}
	defer func() {
		_ = in.locks.Release(context.WithoutCancel(ctx), lease)
	}()

	for _, p := range batch {
		res, err := in.merger.Merge(ctx, key, p.id, []evidence.EvidenceItem{p.item}, merge.Options{})
		if err != nil {
			return err
		}
		if res.DeltaCount > 0 {
			results[p.index] = RecordResult{EventKey: key, Outcome: OutcomeAccepted}
		} else {
			results[p.index] = RecordResult{EventKey: key, Outcome: OutcomeDuplicate}
		}
	}
	return nil
}
