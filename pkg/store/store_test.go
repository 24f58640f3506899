package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/evidence"
)

// conformance exercises the EventStore contract against any backend.
func conformance(t *testing.T, st EventStore) {
	ctx := context.Background()
	t0 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	t.Run("get missing", func(t *testing.T) {
		_, err := st.GetEvent(ctx, "absent")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("upsert and get", func(t *testing.T) {
		ev := &evidence.Event{
			EventKey: "k1",
			Identity: evidence.Identity{Symbol: "pepe", Bucket: t0},
			Evidence: []evidence.EvidenceItem{{
				Source:     evidence.SourceSocial,
				CapturedAt: t0,
				Payload:    evidence.SocialPayload{Sentiment: 0.4},
				DedupKey:   evidence.DedupKey(evidence.SourceSocial, "tweet-1"),
				Weight:     0.5,
			}},
			EvidenceCount:       1,
			DistinctSourceCount: 1,
			CandidateScore:      0.42,
			StartTS:             t0,
			LastTS:              t0,
			State:               evidence.StateCandidate,
		}
		require.NoError(t, st.UpsertMerge(ctx, ev))

		got, err := st.GetEvent(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "k1", got.EventKey)
		assert.Equal(t, "pepe", got.Identity.Symbol)
		assert.Equal(t, 1, got.EvidenceCount)
		assert.Equal(t, evidence.StateCandidate, got.State)
		assert.Equal(t, int64(0), got.StateVersion)
		assert.True(t, got.LastTS.Equal(t0))
		require.Len(t, got.Evidence, 1)
		_, ok := got.Evidence[0].Payload.(evidence.SocialPayload)
		assert.True(t, ok, "payload variant survives storage")
	})

	t.Run("upsert never touches state", func(t *testing.T) {
		require.NoError(t, st.UpdateVerification(ctx, "k1", 0, VerificationUpdate{
			State:   evidence.StateCandidate,
			Reasons: []string{"holding"},
		}))

		ev, err := st.GetEvent(ctx, "k1")
		require.NoError(t, err)
		require.Equal(t, int64(1), ev.StateVersion)

		ev.EvidenceCount = 2
		require.NoError(t, st.UpsertMerge(ctx, ev))

		got, err := st.GetEvent(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.StateVersion, "merge writes must not reset state_version")
		assert.Equal(t, []string{"holding"}, got.LastVerdictReasons)
		assert.Equal(t, 2, got.EvidenceCount)
	})

	t.Run("cas conflict", func(t *testing.T) {
		err := st.UpdateVerification(ctx, "k1", 0, VerificationUpdate{State: evidence.StateVerified})
		assert.ErrorIs(t, err, ErrVersionConflict)

		err = st.UpdateVerification(ctx, "missing", 0, VerificationUpdate{State: evidence.StateVerified})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("cas transition", func(t *testing.T) {
		ev, err := st.GetEvent(ctx, "k1")
		require.NoError(t, err)

		require.NoError(t, st.UpdateVerification(ctx, "k1", ev.StateVersion, VerificationUpdate{
			State:   evidence.StateVerified,
			Reasons: []string{"surge"},
		}))

		got, err := st.GetEvent(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, evidence.StateVerified, got.State)
		assert.Equal(t, ev.StateVersion+1, got.StateVersion)
		assert.Equal(t, []string{"surge"}, got.LastVerdictReasons)
	})

	t.Run("list candidates", func(t *testing.T) {
		for i, key := range []string{"c1", "c2"} {
			require.NoError(t, st.UpsertMerge(ctx, &evidence.Event{
				EventKey: key,
				State:    evidence.StateCandidate,
				LastTS:   t0.Add(time.Duration(i) * time.Minute),
			}))
		}

		keys, err := st.ListCandidates(ctx, 10)
		require.NoError(t, err)
		// k1 is VERIFIED by now and must not be listed.
		assert.NotContains(t, keys, "k1")
		assert.Equal(t, []string{"c2", "c1"}, keys, "newest last_ts first")

		limited, err := st.ListCandidates(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"c2"}, limited)
	})

	t.Run("signal snapshot", func(t *testing.T) {
		sig, err := st.GetSignal(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, evidence.StateVerified, sig.State)
		assert.Equal(t, []string{"surge"}, sig.Reasons)

		_, err = st.GetSignal(ctx, "absent")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("meta", func(t *testing.T) {
		_, err := st.GetMeta(ctx, "identity_salt_version")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, st.SetMeta(ctx, "identity_salt_version", "1"))
		v, err := st.GetMeta(ctx, "identity_salt_version")
		require.NoError(t, err)
		assert.Equal(t, "1", v)

		require.NoError(t, st.SetMeta(ctx, "identity_salt_version", "2"))
		v, err = st.GetMeta(ctx, "identity_salt_version")
		require.NoError(t, err)
		assert.Equal(t, "2", v)
	})

	t.Run("out-of-order delivery keeps earliest start", func(t *testing.T) {
		late := t0.Add(time.Minute)
		require.NoError(t, st.UpsertMerge(ctx, &evidence.Event{
			EventKey: "ooo", StartTS: late, LastTS: late,
		}))
		require.NoError(t, st.UpsertMerge(ctx, &evidence.Event{
			EventKey: "ooo", StartTS: t0, LastTS: late,
		}))

		got, err := st.GetEvent(ctx, "ooo")
		require.NoError(t, err)
		assert.True(t, got.StartTS.Equal(t0), "start_ts takes the earlier of stored and incoming")
		assert.True(t, got.LastTS.Equal(late))
	})
}

func TestMemoryStoreConformance(t *testing.T) {
	conformance(t, NewMemoryStore())
}

func TestSQLiteStoreConformance(t *testing.T) {
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	conformance(t, st)
}

func TestSQLiteReasonsCapped(t *testing.T) {
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	require.NoError(t, st.UpsertMerge(ctx, &evidence.Event{EventKey: "k1"}))

	long := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		long = append(long, "reason")
	}
	require.NoError(t, st.UpdateVerification(ctx, "k1", 0, VerificationUpdate{
		State:   evidence.StateCandidate,
		Reasons: long,
	}))

	got, err := st.GetEvent(ctx, "k1")
	require.NoError(t, err)
	assert.Len(t, got.LastVerdictReasons, evidence.MaxStoredReasons)
}

func TestCapReasonsEmptyEncodesAsArray(t *testing.T) {
	capped := CapReasons(nil)
	require.NotNil(t, capped)

	enc, err := encodeJSON(capped)
	require.NoError(t, err)
	assert.Equal(t, "[]", enc, "empty reasons must store as an array, not null")
}

func TestStoredTimeStringOrderMatchesTimeOrder(t *testing.T) {
	base := time.Date(2026, 8, 25, 10, 0, 10, 0, time.UTC)
	a := base.Add(120 * time.Millisecond)
	b := base.Add(123 * time.Millisecond)
	require.True(t, a.Before(b))

	// A trimmed fraction ("10.12Z" vs "10.123Z") would sort the wrong
	// way; the fixed-width layout cannot.
	assert.Less(t, formatStoredTime(a), formatStoredTime(b))
	assert.True(t, parseStoredTime(formatStoredTime(a)).Equal(a))
	assert.True(t, parseStoredTime(formatStoredTime(base)).Equal(base))
}
