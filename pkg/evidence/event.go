package evidence

import "time"

// State is the verification lifecycle position of an event.
type State string

const (
	StateCandidate  State = "CANDIDATE"
	StateVerified   State = "VERIFIED"
	StateDowngraded State = "DOWNGRADED"
	StateWithdrawn  State = "WITHDRAWN"
)

// Terminal reports whether the state admits no further transitions.
// WITHDRAWN is a terminal logical state, never a row deletion.
func (s State) Terminal() bool {
	switch s {
	case StateVerified, StateDowngraded, StateWithdrawn:
		return true
	}
	return false
}

// Valid reports whether s is a member of the closed state set.
func (s State) Valid() bool {
	return s == StateCandidate || s.Terminal()
}

// MaxStoredReasons bounds the persisted verdict explanation list.
// User-facing surfaces see at most the top three (Signal.Reasons).
const MaxStoredReasons = 8

// Identity holds the normalized fields the event key is derived from.
// It is recorded on the event so the derivation stays auditable.
type Identity struct {
	Symbol          string    `json:"symbol,omitempty"`
	ContractAddress string    `json:"contract_address,omitempty"`
	TopicHash       string    `json:"topic_hash,omitempty"`
	Bucket          time.Time `json:"bucket"`
}

// Event is an aggregated, deduplicated subject under verification.
// Evidence is ordered by CapturedAt (ties broken by DedupKey) and
// deduplicated by DedupKey. EventKey is immutable once created.
type Event struct {
	EventKey            string         `json:"event_key"`
	Identity            Identity       `json:"identity"`
	Evidence            []EvidenceItem `json:"evidence"`
	EvidenceCount       int            `json:"evidence_count"`
	DistinctSourceCount int            `json:"distinct_source_count"`
	CandidateScore      float64        `json:"candidate_score"`
	StartTS             time.Time      `json:"start_ts"`
	LastTS              time.Time      `json:"last_ts"`
	State               State          `json:"state"`
	StateVersion        int64          `json:"state_version"`
	LastVerdictReasons  []string       `json:"last_verdict_reasons,omitempty"`
}

// HasDedup reports whether an observation with the given dedup key is
// already part of the event.
func (e *Event) HasDedup(key string) bool {
	for i := range e.Evidence {
		if e.Evidence[i].DedupKey == key {
			return true
		}
	}
	return false
}

// SourceSet returns the distinct sources present in the evidence.
func (e *Event) SourceSet() map[Source]int {
	set := make(map[Source]int)
	for i := range e.Evidence {
		set[e.Evidence[i].Source]++
	}
	return set
}

// Clone returns a deep copy safe to mutate without aliasing e.
func (e *Event) Clone() *Event {
	cp := *e
	cp.Evidence = append([]EvidenceItem(nil), e.Evidence...)
	cp.LastVerdictReasons = append([]string(nil), e.LastVerdictReasons...)
	return &cp
}
