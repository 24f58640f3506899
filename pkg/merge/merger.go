// Package merge implements the idempotent union of evidence into an
// event, recomputing the derived aggregates on every merge.
//
// The merger is the only writer of an event's evidence, counts, and
// timestamps. Calls for different event keys run fully concurrently;
// calls for the same key must be serialized by the caller through the
// per-key lock (pkg/ingest does this).
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/audit"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/evidence"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/observability"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/store"
)

// Mode controls whether cross-source confirmation is required before an
// event is eligible for promotion out of CANDIDATE.
type Mode string

const (
	// ModeStrict holds single-source events regardless of rule verdict.
	ModeStrict Mode = "strict"
	// ModeLoose allows single-source promotion.
	ModeLoose Mode = "loose"
)

// ParseMode maps a config string to a Mode, defaulting to strict.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStrict, ModeLoose:
		return Mode(s), nil
	case "":
		return ModeStrict, nil
	}
	return "", fmt.Errorf("unknown merge mode %q", s)
}

// Weights parameterize the candidate score. The values are policy, not
// engineering: they ship as configuration, tuned per deployment.
type Weights struct {
	Sentiment        float64 `yaml:"sentiment"`
	Volume           float64 `yaml:"volume"`
	CrossSource      float64 `yaml:"cross_source"`
	CrossSourceBonus float64 `yaml:"cross_source_bonus"`
}

// DefaultWeights are starting-point values, expected to be recalibrated.
func DefaultWeights() Weights {
	return Weights{
		Sentiment:        0.5,
		Volume:           0.3,
		CrossSource:      0.2,
		CrossSourceBonus: 1.0,
	}
}

// Options modifies a single merge call.
type Options struct {
	// DryRun computes the result without persisting anything.
	DryRun bool
}

// Result reports what a merge did (or, in dry-run, would do).
type Result struct {
	Event          *evidence.Event
	DeltaCount     int
	DuplicateCount int
	WouldChange    bool
}

// Merger folds evidence batches into events.
type Merger struct {
	store   store.EventStore
	weights Weights
	logger  *slog.Logger
	audit   *audit.Logger
	metrics *observability.Instruments
}

// New creates a Merger over the given store.
func New(st store.EventStore, weights Weights, opts ...Option) *Merger {
	m := &Merger{
		store:   st,
		weights: weights,
		logger:  slog.Default().With("component", "merge"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Option configures optional collaborators.
type Option func(*Merger)

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Merger) { m.logger = logger.With("component", "merge") }
}

// WithAudit wires the domain event log.
func WithAudit(a *audit.Logger) Option {
	return func(m *Merger) { m.audit = a }
}

// WithInstruments wires the merge idempotency counters.
func WithInstruments(ins *observability.Instruments) Option {
	return func(m *Merger) { m.metrics = ins }
}

// Merge upserts the batch into the event for key. Items whose dedup key
// already exists on the event (or earlier in the batch) are discarded
// and counted; only genuinely new items append. Duplicates are
// expected, never an error.
func (m *Merger) Merge(ctx context.Context, key string, id evidence.Identity, items []evidence.EvidenceItem, opt Options) (Result, error) {
	ev, err := m.store.GetEvent(ctx, key)
	created := false
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return Result{}, fmt.Errorf("merge %s: load event: %w", key, err)
		}
		ev = &evidence.Event{
			EventKey: key,
			Identity: id,
			State:    evidence.StateCandidate,
		}
		created = true
	} else {
		ev = ev.Clone()
	}

	seen := make(map[string]bool, len(ev.Evidence))
	for i := range ev.Evidence {
		seen[ev.Evidence[i].DedupKey] = true
	}

	var accepted []evidence.EvidenceItem
	duplicates := 0
	for _, item := range items {
		if item.DedupKey == "" {
			item.DedupKey = evidence.DedupKey(item.Source, "")
		}
		if seen[item.DedupKey] {
			duplicates++
			continue
		}
		seen[item.DedupKey] = true
		item.Weight = evidence.ClampWeight(item.Weight)
		accepted = append(accepted, item)
	}

	if len(accepted) == 0 && !created {
		m.metrics.MergeOutcome(ctx, 0, duplicates)
		return Result{Event: ev, DeltaCount: 0, DuplicateCount: duplicates, WouldChange: false}, nil
	}

	ev.Evidence = append(ev.Evidence, accepted...)
	sort.SliceStable(ev.Evidence, func(i, j int) bool {
		a, b := &ev.Evidence[i], &ev.Evidence[j]
		if !a.CapturedAt.Equal(b.CapturedAt) {
			return a.CapturedAt.Before(b.CapturedAt)
		}
		return a.DedupKey < b.DedupKey
	})

	ev.EvidenceCount = len(ev.Evidence)
	ev.DistinctSourceCount = len(ev.SourceSet())
	for i := range ev.Evidence {
		at := ev.Evidence[i].CapturedAt
		if ev.StartTS.IsZero() || at.Before(ev.StartTS) {
			ev.StartTS = at
		}
		if at.After(ev.LastTS) {
			ev.LastTS = at
		}
	}
	ev.CandidateScore = m.score(ev)

	if !opt.DryRun {
		if err := m.store.UpsertMerge(ctx, ev); err != nil {
			return Result{}, fmt.Errorf("merge %s: persist: %w", key, err)
		}
		m.metrics.MergeOutcome(ctx, len(accepted), duplicates)
		m.logger.Info("evidence merged",
			"event_key", key,
			"accepted", len(accepted),
			"duplicate", duplicates,
			"evidence_count", ev.EvidenceCount,
			"distinct_sources", ev.DistinctSourceCount,
			"score", ev.CandidateScore,
		)
		_ = m.audit.Record(audit.EventMerge, key, "", map[string]any{
			"accepted":  len(accepted),
			"duplicate": duplicates,
			"created":   created,
		})
	}

	return Result{
		Event:          ev,
		DeltaCount:     len(accepted),
		DuplicateCount: duplicates,
		WouldChange:    len(accepted) > 0 || created,
	}, nil
}

// score recomputes the candidate score:
//
//	clamp01(w_sent*sentiment + w_vol*log1p(count) + w_cross*bonus)
//
// The cross-source bonus applies only with evidence from two or more
// distinct sources.
func (m *Merger) score(ev *evidence.Event) float64 {
	sentiment := normalizedSentiment(ev)
	volume := math.Log1p(float64(ev.EvidenceCount))
	bonus := 0.0
	if ev.DistinctSourceCount >= 2 {
		bonus = m.weights.CrossSourceBonus
	}
	raw := m.weights.Sentiment*sentiment + m.weights.Volume*volume + m.weights.CrossSource*bonus
	return clamp01(raw)
}

// normalizedSentiment maps the mean social sentiment from [-1,1] to
// [0,1]. With no social evidence the term is neutral (0.5) rather than
// zero, so silence does not read as negative.
func normalizedSentiment(ev *evidence.Event) float64 {
	var sum float64
	n := 0
	for i := range ev.Evidence {
		if p, ok := ev.Evidence[i].Payload.(evidence.SocialPayload); ok {
			sum += p.Sentiment
			n++
		}
	}
	if n == 0 {
		return 0.5
	}
	mean := sum / float64(n)
	return clamp01((mean + 1) / 2)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Eligible reports whether the event may be promoted out of CANDIDATE
// under the given mode. Strict mode requires cross-source confirmation.
func Eligible(ev *evidence.Event, mode Mode) bool {
	if mode == ModeLoose {
		return true
	}
	return ev.DistinctSourceCount >= 2
}
