package merge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/evidence"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/store"
)

func item(source evidence.Source, ref string, at time.Time, payload evidence.Payload) evidence.EvidenceItem {
	return evidence.EvidenceItem{
		Source:     source,
		CapturedAt: at,
		Payload:    payload,
		DedupKey:   evidence.DedupKey(source, ref),
		Weight:     0.5,
	}
}

func TestMergeCrossSource(t *testing.T) {
	st := store.NewMemoryStore()
	m := New(st, DefaultWeights())
	ctx := context.Background()
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	res, err := m.Merge(ctx, "k1", evidence.Identity{Symbol: "pepe"}, []evidence.EvidenceItem{
		item(evidence.SourceSocial, "tweet-1", t0, evidence.SocialPayload{Sentiment: 0.8}),
		item(evidence.SourceOnchain, "block-1", t0.Add(time.Minute), evidence.OnchainPayload{GrowthRatio: 2.1}),
	}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.DeltaCount)
	assert.Equal(t, 0, res.DuplicateCount)
	assert.Equal(t, 2, res.Event.EvidenceCount)
	assert.Equal(t, 2, res.Event.DistinctSourceCount)
	assert.Equal(t, evidence.StateCandidate, res.Event.State)
	assert.True(t, res.Event.CandidateScore > 0)

	// Cross-source bonus raises the score over a single-source merge.
	st2 := store.NewMemoryStore()
	m2 := New(st2, DefaultWeights())
	single, err := m2.Merge(ctx, "k2", evidence.Identity{}, []evidence.EvidenceItem{
		item(evidence.SourceSocial, "tweet-1", t0, evidence.SocialPayload{Sentiment: 0.8}),
		item(evidence.SourceSocial, "tweet-2", t0.Add(time.Minute), evidence.SocialPayload{Sentiment: 0.8}),
	}, Options{})
	require.NoError(t, err)
	assert.Greater(t, res.Event.CandidateScore, single.Event.CandidateScore)
}

func TestMergeIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	m := New(st, DefaultWeights())
	ctx := context.Background()
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	batch := []evidence.EvidenceItem{
		item(evidence.SourceSocial, "tweet-1", t0, evidence.SocialPayload{Sentiment: 0.5}),
	}

	first, err := m.Merge(ctx, "k1", evidence.Identity{}, batch, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, first.DeltaCount)

	// Redelivery of the identical batch changes nothing.
	second, err := m.Merge(ctx, "k1", evidence.Identity{}, batch, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.DeltaCount)
	assert.Equal(t, 1, second.DuplicateCount)
	assert.False(t, second.WouldChange)
	assert.Equal(t, first.Event.EvidenceCount, second.Event.EvidenceCount)
	assert.Equal(t, first.Event.CandidateScore, second.Event.CandidateScore)
	assert.True(t, first.Event.LastTS.Equal(second.Event.LastTS))
}

func TestMergeIntraBatchDuplicate(t *testing.T) {
	st := store.NewMemoryStore()
	m := New(st, DefaultWeights())
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	res, err := m.Merge(context.Background(), "k1", evidence.Identity{}, []evidence.EvidenceItem{
		item(evidence.SourceSocial, "tweet-1", t0, nil),
		item(evidence.SourceSocial, "tweet-1", t0, nil),
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeltaCount)
	assert.Equal(t, 1, res.DuplicateCount)
}

func TestMergeTimestampsMonotonic(t *testing.T) {
	st := store.NewMemoryStore()
	m := New(st, DefaultWeights())
	ctx := context.Background()
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	_, err := m.Merge(ctx, "k1", evidence.Identity{}, []evidence.EvidenceItem{
		item(evidence.SourceSocial, "late", t0.Add(10*time.Minute), nil),
	}, Options{})
	require.NoError(t, err)

	// An out-of-order older item extends start_ts backward but must
	// never move last_ts backward.
	res, err := m.Merge(ctx, "k1", evidence.Identity{}, []evidence.EvidenceItem{
		item(evidence.SourceSocial, "early", t0, nil),
	}, Options{})
	require.NoError(t, err)
	assert.True(t, res.Event.StartTS.Equal(t0))
	assert.True(t, res.Event.LastTS.Equal(t0.Add(10*time.Minute)))

	// Evidence stays ordered by captured_at.
	require.Len(t, res.Event.Evidence, 2)
	assert.True(t, res.Event.Evidence[0].CapturedAt.Before(res.Event.Evidence[1].CapturedAt))
}

func TestMergeDryRun(t *testing.T) {
	st := store.NewMemoryStore()
	m := New(st, DefaultWeights())
	ctx := context.Background()
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	res, err := m.Merge(ctx, "k1", evidence.Identity{}, []evidence.EvidenceItem{
		item(evidence.SourceSocial, "tweet-1", t0, nil),
	}, Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.WouldChange)
	assert.Equal(t, 1, res.DeltaCount)

	_, err = st.GetEvent(ctx, "k1")
	assert.ErrorIs(t, err, store.ErrNotFound, "dry run persists nothing")
}

func TestMergeClampsWeight(t *testing.T) {
	st := store.NewMemoryStore()
	m := New(st, DefaultWeights())
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	it := item(evidence.SourceSocial, "tweet-1", t0, nil)
	it.Weight = 9

	res, err := m.Merge(context.Background(), "k1", evidence.Identity{}, []evidence.EvidenceItem{it}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Event.Evidence[0].Weight)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeStrict, mode)

	mode, err = ParseMode("loose")
	require.NoError(t, err)
	assert.Equal(t, ModeLoose, mode)

	_, err = ParseMode("permissive")
	assert.Error(t, err)
}

func TestEligible(t *testing.T) {
	single := &evidence.Event{DistinctSourceCount: 1}
	multi := &evidence.Event{DistinctSourceCount: 2}

	assert.False(t, Eligible(single, ModeStrict))
	assert.True(t, Eligible(multi, ModeStrict))
	assert.True(t, Eligible(single, ModeLoose))
}

func TestScoreNeutralSentimentWithoutSocial(t *testing.T) {
	st := store.NewMemoryStore()
	m := New(st, DefaultWeights())
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	res, err := m.Merge(context.Background(), "k1", evidence.Identity{}, []evidence.EvidenceItem{
		item(evidence.SourceMarket, "tick-1", t0, evidence.MarketPayload{LiquidityUSD: 100000}),
	}, Options{})
	require.NoError(t, err)

	// score = 0.5*0.5 + 0.3*log1p(1) ~= 0.458, clamped to [0,1]
	assert.InDelta(t, 0.458, res.Event.CandidateScore, 0.01)
}
