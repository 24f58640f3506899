package evidence

import "time"

// UserFacingReasons caps the explanation list shown to downstream
// card-building surfaces; the full list stays on the event for audit.
const UserFacingReasons = 3

// Signal is the read-model snapshot handed to downstream consumers.
type Signal struct {
	EventKey       string    `json:"event_key"`
	State          State     `json:"state"`
	CandidateScore float64   `json:"candidate_score"`
	Reasons        []string  `json:"reasons,omitempty"`
	LastTS         time.Time `json:"last_ts"`
	StateVersion   int64     `json:"state_version"`
}

// Signal builds the bounded read snapshot of the event.
func (e *Event) Signal() Signal {
	reasons := e.LastVerdictReasons
	if len(reasons) > UserFacingReasons {
		reasons = reasons[:UserFacingReasons]
	}
	return Signal{
		EventKey:       e.EventKey,
		State:          e.State,
		CandidateScore: e.CandidateScore,
		Reasons:        append([]string(nil), reasons...),
		LastTS:         e.LastTS,
		StateVersion:   e.StateVersion,
	}
}
