package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/audit"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/enrich"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/evidence"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/locker"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/merge"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/observability"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/rules"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/store"
)

// Annotation reasons written without a state change.
const (
	ReasonEvidenceDelayed  = "evidence_delayed"
	ReasonSingleSourceHold = "single_source_hold"
)

// Outcome summarizes one verification attempt for cycle accounting.
type Outcome string

const (
	OutcomeTransitioned  Outcome = "transitioned"
	OutcomeHeld          Outcome = "held"
	OutcomeDelayed       Outcome = "delayed"
	OutcomeSkippedLocked Outcome = "skipped_locked"
	OutcomeConflict      Outcome = "conflict"
	OutcomeSkipped       Outcome = "skipped"
)

// Config parameterizes the worker.
type Config struct {
	// Mode gates promotion: strict requires cross-source confirmation.
	Mode merge.Mode
	// FetchBudget bounds one enrichment fetch; past it the attempt is
	// abandoned, never busy-retried within the cycle.
	FetchBudget time.Duration
	// EnrichWindow is the lookback window handed to fetchers.
	EnrichWindow time.Duration
	// LockTTL bounds how long a crashed worker can hold a key.
	LockTTL time.Duration
}

// DefaultConfig returns serviceable defaults.
func DefaultConfig() Config {
	return Config{
		Mode:         merge.ModeStrict,
		FetchBudget:  3 * time.Second,
		EnrichWindow: time.Hour,
		LockTTL:      10 * time.Second,
	}
}

// Worker verifies one candidate event key at a time: acquire the
// per-key lock, fetch missing enrichment inputs within budget,
// evaluate against the current rule set, and attempt the transition
// with a compare-and-swap on state_version.
type Worker struct {
	store    store.EventStore
	locks    locker.Locker
	rules    *rules.Store
	fetcher  enrich.Fetcher
	notifier Notifier
	config   Config
	logger   *slog.Logger
	audit    *audit.Logger
	metrics  *observability.Instruments
}

// Option configures optional collaborators.
type Option func(*Worker)

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger.With("component", "verify") }
}

// WithAudit wires the domain event log.
func WithAudit(a *audit.Logger) Option {
	return func(w *Worker) { w.audit = a }
}

// WithInstruments wires the lock, CAS, and verdict counters.
func WithInstruments(ins *observability.Instruments) Option {
	return func(w *Worker) { w.metrics = ins }
}

// WithNotifier wires the downstream signal consumer, invoked on
// terminal transitions.
func WithNotifier(n Notifier) Option {
	return func(w *Worker) { w.notifier = n }
}

// NewWorker wires a verification worker. fetcher may be nil when no
// enrichment producers are configured.
func NewWorker(st store.EventStore, locks locker.Locker, rs *rules.Store, fetcher enrich.Fetcher, config Config, opts ...Option) *Worker {
	if config.FetchBudget <= 0 {
		config.FetchBudget = DefaultConfig().FetchBudget
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultConfig().LockTTL
	}
	if config.EnrichWindow <= 0 {
		config.EnrichWindow = DefaultConfig().EnrichWindow
	}
	if config.Mode == "" {
		config.Mode = merge.ModeStrict
	}
	w := &Worker{
		store:    st,
		locks:    locks,
		rules:    rs,
		fetcher:  fetcher,
		notifier: NopNotifier{},
		config:   config,
		logger:   slog.Default().With("component", "verify"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// VerifyKey runs one verification attempt for the key. Recoverable
// conditions (contention, conflicts, delayed evidence) come back as
// outcomes; only store failures return an error.
func (w *Worker) VerifyKey(ctx context.Context, key, cycleID string) (Outcome, error) {
	lease, err := w.locks.Acquire(ctx, "verify:"+key, w.config.LockTTL)
	if err != nil {
		if errors.Is(err, locker.ErrHeld) {
			w.metrics.LockContended(ctx)
			w.logger.Debug("lock held elsewhere, skipping this cycle", "event_key", key, "cycle_id", cycleID)
			_ = w.audit.Record(audit.EventLockConflict, key, cycleID, nil)
			return OutcomeSkippedLocked, nil
		}
		return OutcomeSkipped, fmt.Errorf("acquire verify lock for %s: %w", key, err)
	}
	w.metrics.LockAcquired(ctx)
	// Release runs on every path, including fetch timeouts and store
	// failures; the TTL bounds the crashed-process case.
	defer func() {
		_ = w.locks.Release(context.WithoutCancel(ctx), lease)
	}()

	ev, err := w.store.GetEvent(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, fmt.Errorf("load event %s: %w", key, err)
	}
	if ev.State != evidence.StateCandidate {
		return OutcomeSkipped, nil
	}

	activeRules := w.rules.Current()
	snapshot := Snapshot(ev)

	if needsFetch(snapshot, activeRules) && w.fetcher != nil {
		fctx, cancel := context.WithTimeout(ctx, w.config.FetchBudget)
		res, ferr := w.fetcher.Fetch(fctx, ev.Identity, w.config.EnrichWindow)
		cancel()
		if ferr != nil {
			return w.annotateDelay(ctx, ev, cycleID, ferr)
		}
		mergeFetched(snapshot, res.Fields)
	}

	verdict := rules.Evaluate(snapshot, activeRules)
	w.metrics.Verdict(ctx, string(verdict.Kind))

	reasons := verdict.Reasons
	if verdict.Kind == rules.VerdictUpgrade && !merge.Eligible(ev, w.config.Mode) {
		// Strict mode: a single-source event is held regardless of the
		// rule verdict.
		verdict.Kind = rules.VerdictHold
		reasons = append([]string{ReasonSingleSourceHold}, reasons...)
	}

	next, err := Next(ev.State, verdict.Kind)
	if err != nil {
		return OutcomeSkipped, err
	}

	if err := w.store.UpdateVerification(ctx, key, ev.StateVersion, store.VerificationUpdate{
		State:   next,
		Reasons: reasons,
	}); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// Another worker won the race. Discard the local result; no
			// retry within this cycle.
			w.metrics.CASConflict(ctx)
			w.logger.Info("state version conflict, discarding result",
				"event_key", key, "cycle_id", cycleID)
			return OutcomeConflict, nil
		}
		return OutcomeSkipped, fmt.Errorf("apply transition for %s: %w", key, err)
	}

	w.logger.Info("state transition applied",
		"event_key", key,
		"cycle_id", cycleID,
		"from", ev.State,
		"to", next,
		"verdict", verdict.Kind,
		"reasons", reasons,
	)
	_ = w.audit.Record(audit.EventStateTransition, key, cycleID, map[string]any{
		"from":    string(ev.State),
		"to":      string(next),
		"verdict": string(verdict.Kind),
		"reasons": reasons,
	})

	if next.Terminal() {
		w.publish(ctx, ev, next, verdict)
		return OutcomeTransitioned, nil
	}
	return OutcomeHeld, nil
}

// annotateDelay marks the event evidence_delayed without changing its
// state. The event stays eligible for the next scan cycle.
func (w *Worker) annotateDelay(ctx context.Context, ev *evidence.Event, cycleID string, cause error) (Outcome, error) {
	w.metrics.EnrichTimeout(ctx)
	w.logger.Warn("enrichment fetch abandoned",
		"event_key", ev.EventKey,
		"cycle_id", cycleID,
		"budget", w.config.FetchBudget,
		"error", cause,
	)
	err := w.store.UpdateVerification(ctx, ev.EventKey, ev.StateVersion, store.VerificationUpdate{
		State:   evidence.StateCandidate,
		Reasons: []string{ReasonEvidenceDelayed},
	})
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			w.metrics.CASConflict(ctx)
			return OutcomeConflict, nil
		}
		return OutcomeSkipped, fmt.Errorf("annotate delay for %s: %w", ev.EventKey, err)
	}
	return OutcomeDelayed, nil
}

// Withdraw applies the withdrawal-signal transition through the same
// lock and CAS discipline as the scan path.
func (w *Worker) Withdraw(ctx context.Context, key, reason string) error {
	lease, err := w.locks.Acquire(ctx, "verify:"+key, w.config.LockTTL)
	if err != nil {
		if errors.Is(err, locker.ErrHeld) {
			return fmt.Errorf("event %s is being verified, retry: %w", key, err)
		}
		return err
	}
	defer func() {
		_ = w.locks.Release(context.WithoutCancel(ctx), lease)
	}()

	ev, err := w.store.GetEvent(ctx, key)
	if err != nil {
		return err
	}
	if ev.State != evidence.StateCandidate {
		return fmt.Errorf("%w: cannot withdraw from %s", ErrIllegalTransition, ev.State)
	}

	reasons := []string{"withdrawal_signal"}
	if reason != "" {
		reasons = append(reasons, reason)
	}
	if err := w.store.UpdateVerification(ctx, key, ev.StateVersion, store.VerificationUpdate{
		State:   evidence.StateWithdrawn,
		Reasons: reasons,
	}); err != nil {
		return err
	}

	w.logger.Info("event withdrawn", "event_key", key, "reason", reason)
	_ = w.audit.Record(audit.EventStateTransition, key, "", map[string]any{
		"from":    string(ev.State),
		"to":      string(evidence.StateWithdrawn),
		"verdict": "withdraw",
		"reasons": reasons,
	})
	return nil
}

func (w *Worker) publish(ctx context.Context, ev *evidence.Event, next evidence.State, verdict rules.Verdict) {
	signal := evidence.Signal{
		EventKey:       ev.EventKey,
		State:          next,
		CandidateScore: ev.CandidateScore,
		Reasons:        verdict.TopReasons(evidence.UserFacingReasons),
		LastTS:         ev.LastTS,
		StateVersion:   ev.StateVersion + 1,
	}
	if err := w.notifier.Publish(ctx, signal); err != nil {
		// Delivery trouble never unwinds a committed transition.
		w.logger.Warn("notifier publish failed", "event_key", ev.EventKey, "error", err)
	}
}

func needsFetch(snapshot map[string]any, rs *rules.RuleSet) bool {
	for _, field := range rulesetFields(rs) {
		if _, ok := snapshot[field]; !ok {
			return true
		}
	}
	return false
}
