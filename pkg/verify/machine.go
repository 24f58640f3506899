// Package verify drives candidate events through the verification
// state machine: per-key lock, bounded enrichment fetch, rule
// evaluation, and an optimistic (compare-and-swap) state transition.
package verify

import (
	"errors"
	"fmt"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/evidence"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/rules"
)

// ErrIllegalTransition marks a (state, verdict) pair outside the
// transition table. It should never be observed in normal operation;
// terminal events are filtered before evaluation.
var ErrIllegalTransition = errors.New("illegal state transition")

// Next computes the target state for a verdict. The full table:
//
//	CANDIDATE + upgrade   -> VERIFIED
//	CANDIDATE + downgrade -> DOWNGRADED
//	CANDIDATE + hold      -> CANDIDATE (self-loop, annotated)
//	CANDIDATE + withdraw  -> WITHDRAWN (see Worker.Withdraw)
//
// Terminal states admit nothing.
func Next(from evidence.State, verdict rules.VerdictKind) (evidence.State, error) {
	if from != evidence.StateCandidate {
		return "", fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, from)
	}
	switch verdict {
	case rules.VerdictUpgrade:
		return evidence.StateVerified, nil
	case rules.VerdictDowngrade:
		return evidence.StateDowngraded, nil
	case rules.VerdictHold:
		return evidence.StateCandidate, nil
	}
	return "", fmt.Errorf("%w: unknown verdict %q", ErrIllegalTransition, verdict)
}
