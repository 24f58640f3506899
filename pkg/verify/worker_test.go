package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/enrich"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/evidence"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/locker"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/merge"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/rules"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/store"
)

const workerRules = `
version: "1"
groups:
  - name: onchain
    rules:
      - id: surge
        priority: 100
        weight: 0.8
        tags: [upgrade]
        predicate: active_addr_percentile > 0.95 && growth_ratio > 2.0
  - name: risk
    rules:
      - id: concentration
        priority: 100
        weight: 0.9
        tags: [downgrade]
        predicate: top10_share > 0.70
`

const sentimentRules = `
version: "1"
groups:
  - name: social
    rules:
      - id: hype
        priority: 100
        weight: 0.5
        tags: [upgrade]
        predicate: sentiment_score > 0.9
`

func newRuleStore(t *testing.T, doc string) *rules.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	builder, err := rules.NewBuilder("0.1.0", rules.DefaultLimits())
	require.NoError(t, err)
	s, err := rules.NewStore(context.Background(), path, builder, rules.WithCooldown(0))
	require.NoError(t, err)
	return s
}

func onchainItem(ref string, at time.Time, p evidence.OnchainPayload) evidence.EvidenceItem {
	return evidence.EvidenceItem{
		Source:     evidence.SourceOnchain,
		CapturedAt: at,
		Payload:    p,
		DedupKey:   evidence.DedupKey(evidence.SourceOnchain, ref),
		Weight:     0.8,
	}
}

func socialItem(ref string, at time.Time, sentiment float64) evidence.EvidenceItem {
	return evidence.EvidenceItem{
		Source:     evidence.SourceSocial,
		CapturedAt: at,
		Payload:    evidence.SocialPayload{Sentiment: sentiment},
		DedupKey:   evidence.DedupKey(evidence.SourceSocial, ref),
		Weight:     0.5,
	}
}

// seedEvent merges evidence for key into the store and returns the event.
func seedEvent(t *testing.T, st store.EventStore, key string, items ...evidence.EvidenceItem) *evidence.Event {
	t.Helper()
	m := merge.New(st, merge.DefaultWeights())
	res, err := m.Merge(context.Background(), key, evidence.Identity{Symbol: "pepe"}, items, merge.Options{})
	require.NoError(t, err)
	return res.Event
}

func TestVerifyKeyUpgradesToVerified(t *testing.T) {
	st := store.NewMemoryStore()
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	seedEvent(t, st, "k1",
		onchainItem("b1", t0, evidence.OnchainPayload{ActiveAddrPercentile: 0.97, GrowthRatio: 2.4, Top10Share: 0.2}),
		socialItem("t1", t0, 0.5),
	)

	var published []evidence.Signal
	notifier := notifierFunc(func(_ context.Context, s evidence.Signal) error {
		published = append(published, s)
		return nil
	})

	w := NewWorker(st, locker.NewMemoryLocker(), newRuleStore(t, workerRules), nil,
		Config{Mode: merge.ModeStrict}, WithNotifier(notifier))

	outcome, err := w.VerifyKey(context.Background(), "k1", "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransitioned, outcome)

	ev, err := st.GetEvent(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, evidence.StateVerified, ev.State)
	assert.Equal(t, int64(1), ev.StateVersion)
	require.Len(t, ev.LastVerdictReasons, 1)
	assert.Contains(t, ev.LastVerdictReasons[0], "surge")

	require.Len(t, published, 1)
	assert.Equal(t, evidence.StateVerified, published[0].State)
}

func TestVerifyKeyDowngrade(t *testing.T) {
	st := store.NewMemoryStore()
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	seedEvent(t, st, "k1",
		onchainItem("b1", t0, evidence.OnchainPayload{ActiveAddrPercentile: 0.5, GrowthRatio: 1.0, Top10Share: 0.85}),
	)

	w := NewWorker(st, locker.NewMemoryLocker(), newRuleStore(t, workerRules), nil,
		Config{Mode: merge.ModeStrict})

	outcome, err := w.VerifyKey(context.Background(), "k1", "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransitioned, outcome)

	ev, err := st.GetEvent(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, evidence.StateDowngraded, ev.State,
		"downgrade applies regardless of source count")
}

func TestVerifyKeyStrictModeHoldsSingleSource(t *testing.T) {
	st := store.NewMemoryStore()
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	// Only onchain evidence: upgrade verdict, but one source.
	seedEvent(t, st, "k1",
		onchainItem("b1", t0, evidence.OnchainPayload{ActiveAddrPercentile: 0.97, GrowthRatio: 2.4, Top10Share: 0.2}),
	)

	w := NewWorker(st, locker.NewMemoryLocker(), newRuleStore(t, workerRules), nil,
		Config{Mode: merge.ModeStrict})

	outcome, err := w.VerifyKey(context.Background(), "k1", "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHeld, outcome)

	ev, err := st.GetEvent(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, evidence.StateCandidate, ev.State)
	assert.Equal(t, int64(1), ev.StateVersion, "hold annotations still serialize through the version")
	assert.Equal(t, ReasonSingleSourceHold, ev.LastVerdictReasons[0])
}

func TestVerifyKeyLooseModeAllowsSingleSource(t *testing.T) {
	st := store.NewMemoryStore()
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	seedEvent(t, st, "k1",
		onchainItem("b1", t0, evidence.OnchainPayload{ActiveAddrPercentile: 0.97, GrowthRatio: 2.4, Top10Share: 0.2}),
	)

	w := NewWorker(st, locker.NewMemoryLocker(), newRuleStore(t, workerRules), nil,
		Config{Mode: merge.ModeLoose})

	outcome, err := w.VerifyKey(context.Background(), "k1", "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransitioned, outcome)

	ev, err := st.GetEvent(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, evidence.StateVerified, ev.State)
}

func TestVerifyKeySkipsTerminal(t *testing.T) {
	st := store.NewMemoryStore()
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	seedEvent(t, st, "k1", onchainItem("b1", t0, evidence.OnchainPayload{Top10Share: 0.9}))
	require.NoError(t, st.UpdateVerification(context.Background(), "k1", 0, store.VerificationUpdate{
		State: evidence.StateWithdrawn,
	}))

	w := NewWorker(st, locker.NewMemoryLocker(), newRuleStore(t, workerRules), nil, Config{})

	outcome, err := w.VerifyKey(context.Background(), "k1", "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestVerifyKeySkipsOnLockContention(t *testing.T) {
	st := store.NewMemoryStore()
	locks := locker.NewMemoryLocker()
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	seedEvent(t, st, "k1", onchainItem("b1", t0, evidence.OnchainPayload{Top10Share: 0.9}))

	// Another worker holds the key.
	_, err := locks.Acquire(context.Background(), "verify:k1", time.Minute)
	require.NoError(t, err)

	w := NewWorker(st, locks, newRuleStore(t, workerRules), nil, Config{})
	outcome, err := w.VerifyKey(context.Background(), "k1", "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedLocked, outcome)

	ev, err := st.GetEvent(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), ev.StateVersion, "skipped attempt writes nothing")
}

// conflictStore injects a competing verification write after the worker
// has read the event, forcing the CAS to lose.
type conflictStore struct {
	store.EventStore
	competed bool
}

func (s *conflictStore) GetEvent(ctx context.Context, key string) (*evidence.Event, error) {
	ev, err := s.EventStore.GetEvent(ctx, key)
	if err != nil || s.competed {
		return ev, err
	}
	s.competed = true
	if uerr := s.EventStore.UpdateVerification(ctx, key, ev.StateVersion, store.VerificationUpdate{
		State: evidence.StateVerified,
	}); uerr != nil {
		return nil, uerr
	}
	return ev, nil
}

func TestVerifyKeyConflictDropsResult(t *testing.T) {
	inner := store.NewMemoryStore()
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	seedEvent(t, inner, "k1",
		onchainItem("b1", t0, evidence.OnchainPayload{ActiveAddrPercentile: 0.5, GrowthRatio: 1.0, Top10Share: 0.9}),
	)
	st := &conflictStore{EventStore: inner}

	w := NewWorker(st, locker.NewMemoryLocker(), newRuleStore(t, workerRules), nil, Config{})

	outcome, err := w.VerifyKey(context.Background(), "k1", "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, outcome)

	// Exactly one transition applied: the competing writer's.
	ev, err := inner.GetEvent(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, evidence.StateVerified, ev.State)
	assert.Equal(t, int64(1), ev.StateVersion)
}

func TestVerifyKeyFetchTimeoutAnnotatesDelay(t *testing.T) {
	st := store.NewMemoryStore()
	locks := locker.NewMemoryLocker()
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	// No social payload: sentiment_score is missing and must be fetched.
	seedEvent(t, st, "k1", onchainItem("b1", t0, evidence.OnchainPayload{GrowthRatio: 1.0}))

	slow := enrich.Static{Fields: map[string]any{"sentiment_score": 0.95}, Delay: time.Second}
	w := NewWorker(st, locks, newRuleStore(t, sentimentRules), slow,
		Config{FetchBudget: 20 * time.Millisecond})

	outcome, err := w.VerifyKey(context.Background(), "k1", "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelayed, outcome)

	ev, err := st.GetEvent(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, evidence.StateCandidate, ev.State, "delay never changes state")
	assert.Equal(t, []string{ReasonEvidenceDelayed}, ev.LastVerdictReasons)

	// The lock was released on the way out.
	lease, err := locks.Acquire(context.Background(), "verify:k1", time.Minute)
	require.NoError(t, err)
	_ = locks.Release(context.Background(), lease)
}

func TestVerifyKeyFetchFillsMissingFields(t *testing.T) {
	st := store.NewMemoryStore()
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	// No social payload: sentiment_score must come from the fetcher.
	seedEvent(t, st, "k1", onchainItem("b1", t0, evidence.OnchainPayload{GrowthRatio: 1.0}))

	fetcher := enrich.Static{Fields: map[string]any{"sentiment_score": 0.95}}
	w := NewWorker(st, locker.NewMemoryLocker(), newRuleStore(t, sentimentRules), fetcher,
		Config{Mode: merge.ModeLoose})

	outcome, err := w.VerifyKey(context.Background(), "k1", "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransitioned, outcome)

	ev, err := st.GetEvent(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, evidence.StateVerified, ev.State)
}

func TestVerifyKeyStaleSnapshotWhenFieldPresent(t *testing.T) {
	st := store.NewMemoryStore()
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	// Social evidence already supplies sentiment_score (0.6); no fetch
	// runs, and the rule does not match.
	seedEvent(t, st, "k1",
		onchainItem("b1", t0, evidence.OnchainPayload{GrowthRatio: 1.0}),
		socialItem("t1", t0, 0.2),
	)

	fetcher := enrich.Static{Fields: map[string]any{"sentiment_score": 0.95}}
	w := NewWorker(st, locker.NewMemoryLocker(), newRuleStore(t, sentimentRules), fetcher,
		Config{Mode: merge.ModeLoose})

	outcome, err := w.VerifyKey(context.Background(), "k1", "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHeld, outcome, "stored evidence outranks enrichment")
}

func TestWithdraw(t *testing.T) {
	st := store.NewMemoryStore()
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	seedEvent(t, st, "k1", onchainItem("b1", t0, evidence.OnchainPayload{GrowthRatio: 1.0}))

	w := NewWorker(st, locker.NewMemoryLocker(), nil, nil, Config{})
	require.NoError(t, w.Withdraw(context.Background(), "k1", "source retracted"))

	ev, err := st.GetEvent(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, evidence.StateWithdrawn, ev.State)
	assert.Contains(t, ev.LastVerdictReasons, "withdrawal_signal")
	assert.Contains(t, ev.LastVerdictReasons, "source retracted")

	// Terminal: a second withdrawal is illegal.
	err = w.Withdraw(context.Background(), "k1", "")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestRunnerCycle(t *testing.T) {
	st := store.NewMemoryStore()
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	seedEvent(t, st, "up",
		onchainItem("b1", t0, evidence.OnchainPayload{ActiveAddrPercentile: 0.97, GrowthRatio: 2.4, Top10Share: 0.2}),
		socialItem("t1", t0, 0.5),
	)
	seedEvent(t, st, "down",
		onchainItem("b2", t0, evidence.OnchainPayload{ActiveAddrPercentile: 0.1, GrowthRatio: 0.5, Top10Share: 0.9}),
	)
	seedEvent(t, st, "hold",
		onchainItem("b3", t0, evidence.OnchainPayload{ActiveAddrPercentile: 0.1, GrowthRatio: 0.5, Top10Share: 0.1}),
	)

	w := NewWorker(st, locker.NewMemoryLocker(), newRuleStore(t, workerRules), nil,
		Config{Mode: merge.ModeStrict})
	r := NewRunner(st, w, WithWorkerCount(2))

	stats := r.RunCycle(context.Background())
	assert.Equal(t, 3, stats.Candidates)
	assert.Equal(t, 2, stats.Transitioned)
	assert.Equal(t, 1, stats.Held)
	assert.Zero(t, stats.Errors)

	// Terminal events drop out of the next cycle.
	stats = r.RunCycle(context.Background())
	assert.Equal(t, 1, stats.Candidates)
}

type notifierFunc func(ctx context.Context, s evidence.Signal) error

func (f notifierFunc) Publish(ctx context.Context, s evidence.Signal) error { return f(ctx, s) }
