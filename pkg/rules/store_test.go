package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRules(t *testing.T, path, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
}

func newTestStore(t *testing.T, doc string) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, doc)

	s, err := NewStore(context.Background(), path, newBuilder(t), WithCooldown(0))
	require.NoError(t, err)
	return s, path
}

func TestStoreInitialLoad(t *testing.T) {
	s, _ := newTestStore(t, validDoc)

	set := s.Current()
	require.NotNil(t, set)
	assert.Equal(t, 3, set.RuleCount)
	assert.Zero(t, s.ReloadErrorCount())
}

func TestStoreInitialLoadMustSucceed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, "version: [broken")

	_, err := NewStore(context.Background(), path, newBuilder(t), WithCooldown(0))
	require.Error(t, err)
	assert.Equal(t, CategorySyntax, Categorize(err))
}

func TestStoreInvalidEditKeepsActiveSet(t *testing.T) {
	s, path := newTestStore(t, validDoc)
	before := s.Current()

	writeRules(t, path, "version: \"1\"\ngroups: [")
	err := s.ForceReload(context.Background())
	require.Error(t, err)

	after := s.Current()
	assert.Equal(t, before.VersionID, after.VersionID, "failed reload leaves the previous set active")
	assert.Same(t, before, after)
	assert.Equal(t, int64(1), s.ReloadErrorCount())
}

func TestStoreValidEditSwaps(t *testing.T) {
	s, path := newTestStore(t, validDoc)
	before := s.Current()

	changed := validDoc + `
  - name: security
    rules:
      - id: honeypot
        priority: 100
        weight: 1.0
        tags: [downgrade]
        predicate: honeypot_risk == true
`
	writeRules(t, path, changed)
	require.NoError(t, s.ForceReload(context.Background()))

	after := s.Current()
	assert.NotEqual(t, before.VersionID, after.VersionID)
	assert.Equal(t, 4, after.RuleCount)
}

func TestStoreTimestampBumpWithoutContentChange(t *testing.T) {
	s, path := newTestStore(t, validDoc)
	before := s.Current()

	// Touch the file forward without editing it.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	s.maybeReload(context.Background())
	assert.Same(t, before, s.Current(), "a pure mtime bump must not rebuild")
	assert.Zero(t, s.ReloadErrorCount())
}

func TestStoreMaybeReloadPicksUpEdit(t *testing.T) {
	s, path := newTestStore(t, validDoc)
	before := s.Current()

	changed := []byte(validDoc + "\n# tuned\n")
	require.NoError(t, os.WriteFile(path, changed, 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	s.maybeReload(context.Background())
	after := s.Current()
	assert.NotSame(t, before, after)
	// A comment-only change still reparses; the canonical document is
	// identical so the version id holds.
	assert.Equal(t, before.VersionID, after.VersionID)
}

func TestStoreWatchStopsOnCancel(t *testing.T) {
	s, _ := newTestStore(t, validDoc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Watch(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}
