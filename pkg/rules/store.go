package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/audit"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/observability"
)

// Default reload cadence.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultCooldown     = time.Second
)

// Store publishes the active RuleSet behind an atomically swapped
// pointer (read-copy-update). Current never blocks and never observes a
// half-built set; the background watcher is the only writer.
type Store struct {
	path         string
	builder      *Builder
	pollInterval time.Duration
	limiter      *rate.Limiter
	logger       *slog.Logger
	audit        *audit.Logger
	metrics      *observability.Instruments

	current atomic.Pointer[RuleSet]

	mu         sync.Mutex // serializes reload attempts
	lastMod    time.Time
	lastDigest string

	reloadErrors atomic.Int64
}

// StoreOption configures optional collaborators.
type StoreOption func(*Store)

// WithPollInterval overrides the file-watch interval.
func WithPollInterval(d time.Duration) StoreOption {
	return func(s *Store) { s.pollInterval = d }
}

// WithCooldown overrides the minimum interval between reload attempts.
// Zero disables throttling (tests).
func WithCooldown(d time.Duration) StoreOption {
	return func(s *Store) {
		if d <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		s.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger.With("component", "rules") }
}

// WithAudit wires the domain event log.
func WithAudit(a *audit.Logger) StoreOption {
	return func(s *Store) { s.audit = a }
}

// WithInstruments wires the reload counters and version gauge.
func WithInstruments(ins *observability.Instruments) StoreOption {
	return func(s *Store) { s.metrics = ins }
}

// NewStore loads the rule source once and publishes the initial set.
// The initial load must succeed: with no previously published set there
// is nothing to fail safe to.
func NewStore(ctx context.Context, path string, builder *Builder, opts ...StoreOption) (*Store, error) {
	s := &Store{
		path:         path,
		builder:      builder,
		pollInterval: DefaultPollInterval,
		limiter:      rate.NewLimiter(rate.Every(DefaultCooldown), 1),
		logger:       slog.Default().With("component", "rules"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.ForceReload(ctx); err != nil {
		return nil, fmt.Errorf("initial rule load: %w", err)
	}
	return s, nil
}

// Current returns the active RuleSet. Lock-free; safe from any number
// of concurrent readers.
func (s *Store) Current() *RuleSet {
	return s.current.Load()
}

// ReloadErrorCount reports failed reload attempts since start.
func (s *Store) ReloadErrorCount() int64 {
	return s.reloadErrors.Load()
}

// Watch polls the rule source until ctx is done. A reload is attempted
// only when the mtime moved AND the content digest changed; a pure
// timestamp bump is ignored. Attempts are throttled by the cooldown.
func (s *Store) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maybeReload(ctx)
		}
	}
}

func (s *Store) maybeReload(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		s.recordError(ctx, &BuildError{Category: CategoryIO, Err: err})
		return
	}
	if !info.ModTime().After(s.lastMod) {
		return
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.recordError(ctx, &BuildError{Category: CategoryIO, Err: err})
		return
	}
	digest := contentDigest(raw)
	if digest == s.lastDigest {
		// Timestamp bump without content change.
		s.lastMod = info.ModTime()
		return
	}
	if !s.limiter.Allow() {
		// Within cooldown; the next tick retries.
		return
	}

	s.lastMod = info.ModTime()
	s.lastDigest = digest
	if err := s.swap(ctx, raw); err != nil {
		s.recordError(ctx, err)
	}
}

// ForceReload bypasses the cooldown and the digest check for an
// on-demand refresh (SIGHUP, admin command). Any failure leaves the
// previously published set active.
func (s *Store) ForceReload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		werr := &BuildError{Category: CategoryIO, Err: err}
		s.recordError(ctx, werr)
		return werr
	}
	if info, err := os.Stat(s.path); err == nil {
		s.lastMod = info.ModTime()
	}
	s.lastDigest = contentDigest(raw)

	if err := s.swap(ctx, raw); err != nil {
		s.recordError(ctx, err)
		return err
	}
	return nil
}

// swap builds the candidate set fully off to the side and publishes it
// only on success.
func (s *Store) swap(ctx context.Context, raw []byte) error {
	next, err := s.builder.Build(raw)
	if err != nil {
		return err
	}

	prev := s.current.Swap(next)
	oldVersion := ""
	if prev != nil {
		oldVersion = prev.VersionID
	}
	s.logger.Info("rule set reloaded",
		"old_version", oldVersion,
		"new_version", next.VersionID,
		"rule_count", next.RuleCount,
	)
	s.metrics.ReloadSuccess(ctx, next.VersionID)
	_ = s.audit.Record(audit.EventRuleReload, "", "", map[string]any{
		"result":      "success",
		"old_version": oldVersion,
		"new_version": next.VersionID,
		"rule_count":  next.RuleCount,
	})
	return nil
}

func (s *Store) recordError(ctx context.Context, err error) {
	category := string(Categorize(err))
	s.reloadErrors.Add(1)
	s.logger.Error("rule reload failed, previous set stays active",
		"category", category,
		"error", err,
	)
	s.metrics.ReloadError(ctx, category)
	_ = s.audit.Record(audit.EventRuleReload, "", "", map[string]any{
		"result":   "error",
		"category": category,
	})
}

func contentDigest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
