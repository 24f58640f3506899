package verify

import (
	"context"
	"log/slog"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/evidence"
)

// Notifier receives signals for events that reached a terminal state.
// Implementations must be safe for concurrent use; a slow or failing
// notifier never blocks or unwinds the transition it follows.
type Notifier interface {
	Publish(ctx context.Context, signal evidence.Signal) error
}

// NopNotifier discards signals.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, evidence.Signal) error { return nil }

// LogNotifier writes signals to the structured log. It is the default
// downstream when no delivery channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier builds a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) Publish(_ context.Context, signal evidence.Signal) error {
	n.logger.Info("signal published",
		"event_key", signal.EventKey,
		"state", signal.State,
		"candidate_score", signal.CandidateScore,
		"reasons", signal.Reasons,
		"state_version", signal.StateVersion,
	)
	return nil
}
