// Package enrich is the boundary to enrichment producers: sentiment
// scorers, on-chain feature services, market data. The verification
// worker is the only caller; fetches are bounded by the caller's
// timeout budget and degrade explicitly, never by exception.
package enrich

import (
	"context"
	"time"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/evidence"
)

// Result carries fetched snapshot fields plus an explicit degrade flag.
// Stale means the producer served cached or partial data; callers must
// branch on it rather than discover staleness downstream.
type Result struct {
	Fields map[string]any
	Stale  bool
}

// Fetcher fetches enrichment fields for an event identity over a
// lookback window. Implementations must honor ctx cancellation; the
// worker abandons a fetch that exceeds its budget.
type Fetcher interface {
	Fetch(ctx context.Context, id evidence.Identity, window time.Duration) (Result, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, id evidence.Identity, window time.Duration) (Result, error)

func (f FetcherFunc) Fetch(ctx context.Context, id evidence.Identity, window time.Duration) (Result, error) {
	return f(ctx, id, window)
}

// Composite fans out to registered fetchers inside the shared budget
// and merges their field maps. A failing fetcher contributes missing
// fields, not an error: the evaluator records what is absent. Context
// errors do propagate so the worker can distinguish a blown budget from
// producers that simply had nothing.
type Composite struct {
	fetchers []Fetcher
}

// NewComposite builds a fan-out fetcher.
func NewComposite(fetchers ...Fetcher) *Composite {
	return &Composite{fetchers: fetchers}
}

func (c *Composite) Fetch(ctx context.Context, id evidence.Identity, window time.Duration) (Result, error) {
	merged := Result{Fields: make(map[string]any)}
	for _, f := range c.fetchers {
		if err := ctx.Err(); err != nil {
			return merged, err
		}
		res, err := f.Fetch(ctx, id, window)
		if err != nil {
			if ctx.Err() != nil {
				return merged, ctx.Err()
			}
			continue
		}
		for k, v := range res.Fields {
			merged.Fields[k] = v
		}
		merged.Stale = merged.Stale || res.Stale
	}
	return merged, nil
}

// Static is a fixed-response Fetcher for tests and embedded runs.
type Static struct {
	Fields map[string]any
	Stale  bool
	Err    error
	Delay  time.Duration
}

func (s Static) Fetch(ctx context.Context, id evidence.Identity, window time.Duration) (Result, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	if s.Err != nil {
		return Result{}, s.Err
	}
	return Result{Fields: s.Fields, Stale: s.Stale}, nil
}
