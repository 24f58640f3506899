// Package ingest is the evidence feed intake: it validates wire
// records, resolves their event identity, and merges them under the
// per-key lock. Delivery is at-least-once upstream; the dedup key
// absorbs redelivery, so producers never need to care.
package ingest

import (
	"encoding/json"
	"time"
)

// Record is one evidence feed record as produced upstream.
type Record struct {
	Source          string          `json:"source"`
	StableRef       string          `json:"stable_reference"`
	CapturedAt      time.Time       `json:"captured_at"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Weight          float64         `json:"weight"`
	Symbol          string          `json:"symbol,omitempty"`
	ContractAddress string          `json:"contract_address,omitempty"`
	Topic           string          `json:"topic,omitempty"`
}

// Outcome classifies what happened to one submitted record.
type Outcome string

const (
	// OutcomeAccepted: genuinely new evidence, merged.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeDuplicate: same observation already on the event. Expected
	// under at-least-once delivery, counted, not an error.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeInvalid: the record failed source or schema validation.
	OutcomeInvalid Outcome = "invalid"
	// OutcomeDeferred: the per-key merge lock stayed contended past the
	// wait budget; the producer may simply resubmit.
	OutcomeDeferred Outcome = "deferred"
)

// RecordResult is the per-record submission outcome.
type RecordResult struct {
	EventKey string  `json:"event_key,omitempty"`
	Outcome  Outcome `json:"outcome"`
	Reason   string  `json:"reason,omitempty"`
}
