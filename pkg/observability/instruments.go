package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments holds the engine's named metric instruments. A nil
// *Instruments is valid everywhere and records nothing, so components
// never have to guard their hot paths.
type Instruments struct {
	reloadTotal       metric.Int64Counter
	reloadErrors      metric.Int64Counter
	rulesetVersion    metric.Int64Gauge
	lockAcquired      metric.Int64Counter
	lockContended     metric.Int64Counter
	casConflicts      metric.Int64Counter
	verdicts          metric.Int64Counter
	evidenceAccepted  metric.Int64Counter
	evidenceDuplicate metric.Int64Counter
	enrichTimeouts    metric.Int64Counter
	cycleDuration     metric.Float64Histogram
}

// NewInstruments registers the engine instruments on the meter.
func NewInstruments(m metric.Meter) (*Instruments, error) {
	ins := &Instruments{}
	var err error

	if ins.reloadTotal, err = m.Int64Counter("rules_reload_total",
		metric.WithDescription("Rule set reloads by result"),
		metric.WithUnit("{reload}"),
	); err != nil {
		return nil, err
	}
	if ins.reloadErrors, err = m.Int64Counter("rules_reload_errors_total",
		metric.WithDescription("Rule set reload failures by reason category"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if ins.rulesetVersion, err = m.Int64Gauge("rules_active_version_info",
		metric.WithDescription("Active rule set marker, tagged with its version id"),
	); err != nil {
		return nil, err
	}
	if ins.lockAcquired, err = m.Int64Counter("verify_lock_acquired_total",
		metric.WithDescription("Per-key verification locks acquired"),
		metric.WithUnit("{lock}"),
	); err != nil {
		return nil, err
	}
	if ins.lockContended, err = m.Int64Counter("verify_lock_contended_total",
		metric.WithDescription("Per-key verification lock acquisitions skipped on contention"),
		metric.WithUnit("{lock}"),
	); err != nil {
		return nil, err
	}
	if ins.casConflicts, err = m.Int64Counter("verify_cas_conflict_total",
		metric.WithDescription("Optimistic state transitions lost to a concurrent writer"),
		metric.WithUnit("{conflict}"),
	); err != nil {
		return nil, err
	}
	if ins.verdicts, err = m.Int64Counter("verify_verdicts_total",
		metric.WithDescription("Rule verdicts by kind"),
		metric.WithUnit("{verdict}"),
	); err != nil {
		return nil, err
	}
	if ins.evidenceAccepted, err = m.Int64Counter("merge_evidence_accepted_total",
		metric.WithDescription("Evidence items accepted into events"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, err
	}
	if ins.evidenceDuplicate, err = m.Int64Counter("merge_evidence_duplicate_total",
		metric.WithDescription("Evidence items discarded as duplicates"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, err
	}
	if ins.enrichTimeouts, err = m.Int64Counter("verify_enrich_timeout_total",
		metric.WithDescription("Enrichment fetches abandoned on timeout"),
		metric.WithUnit("{fetch}"),
	); err != nil {
		return nil, err
	}
	if ins.cycleDuration, err = m.Float64Histogram("verify_cycle_duration_seconds",
		metric.WithDescription("Verification scan cycle duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	); err != nil {
		return nil, err
	}

	return ins, nil
}

// ReloadSuccess records a successful reload tagged with the new version.
func (i *Instruments) ReloadSuccess(ctx context.Context, version string) {
	if i == nil {
		return
	}
	i.reloadTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", "success"),
		attribute.String("version", version),
	))
	i.rulesetVersion.Record(ctx, 1, metric.WithAttributes(
		attribute.String("version", version),
	))
}

// ReloadError records a failed reload tagged with its reason category.
func (i *Instruments) ReloadError(ctx context.Context, category string) {
	if i == nil {
		return
	}
	i.reloadTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", "error"),
	))
	i.reloadErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
	))
}

// LockAcquired counts a successful per-key lock acquisition.
func (i *Instruments) LockAcquired(ctx context.Context) {
	if i == nil {
		return
	}
	i.lockAcquired.Add(ctx, 1)
}

// LockContended counts a skip-on-contention.
func (i *Instruments) LockContended(ctx context.Context) {
	if i == nil {
		return
	}
	i.lockContended.Add(ctx, 1)
}

// CASConflict counts a lost optimistic update.
func (i *Instruments) CASConflict(ctx context.Context) {
	if i == nil {
		return
	}
	i.casConflicts.Add(ctx, 1)
}

// Verdict counts a verdict by kind.
func (i *Instruments) Verdict(ctx context.Context, kind string) {
	if i == nil {
		return
	}
	i.verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// MergeOutcome counts accepted and duplicate evidence items.
func (i *Instruments) MergeOutcome(ctx context.Context, accepted, duplicate int) {
	if i == nil {
		return
	}
	if accepted > 0 {
		i.evidenceAccepted.Add(ctx, int64(accepted))
	}
	if duplicate > 0 {
		i.evidenceDuplicate.Add(ctx, int64(duplicate))
	}
}

// EnrichTimeout counts an abandoned enrichment fetch.
func (i *Instruments) EnrichTimeout(ctx context.Context) {
	if i == nil {
		return
	}
	i.enrichTimeouts.Add(ctx, 1)
}

// CycleDuration records one scan cycle's duration.
func (i *Instruments) CycleDuration(ctx context.Context, d time.Duration) {
	if i == nil {
		return
	}
	i.cycleDuration.Record(ctx, d.Seconds())
}
