package verify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/observability"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/store"
)

// Scan cadence defaults.
const (
	DefaultScanInterval   = 5 * time.Second
	DefaultWorkerCount    = 4
	DefaultCandidateLimit = 256
)

// CycleStats summarizes one scan cycle.
type CycleStats struct {
	CycleID      string
	Candidates   int
	Transitioned int
	Held         int
	Delayed      int
	Skipped      int
	Conflicts    int
	Errors       int
	Duration     time.Duration
}

// Runner drives periodic verification cycles: list candidate keys,
// verify them with bounded parallelism, and summarize the cycle.
type Runner struct {
	store          store.EventStore
	worker         *Worker
	interval       time.Duration
	workers        int
	candidateLimit int
	logger         *slog.Logger
	metrics        *observability.Instruments
	tracer         trace.Tracer
}

// RunnerOption configures the runner.
type RunnerOption func(*Runner)

// WithScanInterval overrides the cycle interval.
func WithScanInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithWorkerCount bounds in-flight verifications per cycle.
func WithWorkerCount(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithCandidateLimit bounds keys listed per cycle.
func WithCandidateLimit(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.candidateLimit = n
		}
	}
}

// WithRunnerLogger overrides the component logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger.With("component", "scan") }
}

// WithRunnerInstruments wires the cycle duration histogram.
func WithRunnerInstruments(ins *observability.Instruments) RunnerOption {
	return func(r *Runner) { r.metrics = ins }
}

// WithTracer wires per-cycle spans.
func WithTracer(t trace.Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// NewRunner wires the scan loop around a worker.
func NewRunner(st store.EventStore, worker *Worker, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:          st,
		worker:         worker,
		interval:       DefaultScanInterval,
		workers:        DefaultWorkerCount,
		candidateLimit: DefaultCandidateLimit,
		logger:         slog.Default().With("component", "scan"),
		tracer:         otel.Tracer("signald.verify"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes cycles until ctx is done. One cycle runs immediately so
// a fresh process does not idle a full interval.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle performs a single scan cycle and returns its stats.
func (r *Runner) RunCycle(ctx context.Context) CycleStats {
	cycleID := uuid.New().String()
	ctx, span := r.tracer.Start(ctx, "verify.cycle",
		trace.WithAttributes(attribute.String("cycle_id", cycleID)))
	defer span.End()

	start := time.Now()
	stats := CycleStats{CycleID: cycleID}

	keys, err := r.store.ListCandidates(ctx, r.candidateLimit)
	if err != nil {
		r.logger.Error("candidate listing failed, skipping cycle",
			"cycle_id", cycleID, "error", err)
		stats.Errors++
		return stats
	}
	stats.Candidates = len(keys)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, r.workers)
	)
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(key string) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := r.worker.VerifyKey(ctx, key, cycleID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Errors++
				r.logger.Error("verification attempt failed",
					"cycle_id", cycleID, "event_key", key, "error", err)
				return
			}
			switch outcome {
			case OutcomeTransitioned:
				stats.Transitioned++
			case OutcomeHeld:
				stats.Held++
			case OutcomeDelayed:
				stats.Delayed++
			case OutcomeConflict:
				stats.Conflicts++
			default:
				stats.Skipped++
			}
		}(key)
	}
	wg.Wait()

	stats.Duration = time.Since(start)
	r.metrics.CycleDuration(ctx, stats.Duration)
	span.SetAttributes(
		attribute.Int("candidates", stats.Candidates),
		attribute.Int("transitioned", stats.Transitioned),
		attribute.Int("conflicts", stats.Conflicts),
	)
	r.logger.Info("scan cycle complete",
		"cycle_id", cycleID,
		"candidates", stats.Candidates,
		"transitioned", stats.Transitioned,
		"held", stats.Held,
		"delayed", stats.Delayed,
		"skipped", stats.Skipped,
		"conflicts", stats.Conflicts,
		"errors", stats.Errors,
		"duration", stats.Duration,
	)
	return stats
}
