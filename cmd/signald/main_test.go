package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/config"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/merge"
)

// TestRun_Help verifies that the help command prints usage and exits 0.
func TestRun_Help(t *testing.T) {
	args := []string{"signald", "--help"}
	var stdout, stderr bytes.Buffer

	exitCode := Run(args, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "signald")
	assert.Contains(t, stdout.String(), "rules validate")
}

// TestRun_Unknown verifies unknown commands print usage and exit 2.
func TestRun_Unknown(t *testing.T) {
	args := []string{"signald", "frobnicate"}
	var stdout, stderr bytes.Buffer

	exitCode := Run(args, &stdout, &stderr)

	assert.Equal(t, 2, exitCode)
	assert.Contains(t, stderr.String(), "Unknown command")
}

// TestRun_DefaultsToServer verifies bare invocation starts the server.
func TestRun_DefaultsToServer(t *testing.T) {
	originalRunServer := startServer
	defer func() { startServer = originalRunServer }()
	called := false
	startServer = func() int {
		called = true
		return 0
	}

	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"signald"}, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.True(t, called, "expected the server to start")
}

func TestRun_RulesRequiresSubcommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"signald", "rules"}, &stdout, &stderr)

	assert.Equal(t, 2, exitCode)
	assert.Contains(t, stderr.String(), "Usage")
}

func TestRulesValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: "1"
requires: ">=0.1.0"
groups:
  - name: onchain
    rules:
      - id: surge
        priority: 100
        weight: 0.8
        predicate: "active_addr_percentile > 0.95"
        tags: [upgrade]
        message: "address surge"
`), 0o644))

	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"signald", "rules", "validate", "--file", path}, &stdout, &stderr)

	assert.Equal(t, 0, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "OK: 1 rules in 1 groups")
}

func TestLoadTuningDefaultsWithoutProfile(t *testing.T) {
	cfg := &config.Config{}
	weights, limits, err := loadTuning(cfg)
	require.NoError(t, err)
	assert.Equal(t, merge.DefaultWeights(), weights)
	assert.Equal(t, int64(256*1024), limits.MaxBytes)
	assert.Equal(t, 500, limits.MaxRules)
}

func TestLoadTuningAppliesProfile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_aggressive.yaml"), []byte(`
name: Aggressive
merge_mode: loose
weights:
  sentiment: 0.6
  volume: 0.2
  cross_source: 0.2
limits:
  max_rule_file_bytes: 131072
  max_rule_count: 200
`), 0o644))

	cfg := &config.Config{ProfilesDir: dir, Profile: "aggressive"}
	weights, limits, err := loadTuning(cfg)
	require.NoError(t, err)
	assert.Equal(t, 0.6, weights.Sentiment)
	assert.Equal(t, int64(131072), limits.MaxBytes)
	assert.Equal(t, 200, limits.MaxRules)
	assert.Equal(t, "loose", cfg.MergeMode, "profile mode fills an unset MergeMode")

	cfg = &config.Config{ProfilesDir: dir, Profile: "aggressive", MergeMode: "strict"}
	_, _, err = loadTuning(cfg)
	require.NoError(t, err)
	assert.Equal(t, "strict", cfg.MergeMode, "the environment outranks the profile")
}

func TestLoadTuningMissingProfileFails(t *testing.T) {
	cfg := &config.Config{ProfilesDir: t.TempDir(), Profile: "absent"}
	_, _, err := loadTuning(cfg)
	assert.Error(t, err)
}

func TestRulesValidateRejectsBrokenPredicate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: "1"
requires: ">=0.1.0"
groups:
  - name: onchain
    rules:
      - id: bad
        priority: 100
        weight: 0.8
        predicate: "size(foo) > 1"
        tags: [upgrade]
        message: "calls are out"
`), 0o644))

	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"signald", "rules", "validate", "--file", path}, &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "Invalid rule source")
}
