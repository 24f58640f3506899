// Package evidence defines the shared value types of the aggregation
// subsystem: evidence items, aggregated events, and published signals.
// The types carry no behavior beyond (de)serialization and derived
// snapshots; all mutation goes through pkg/merge and pkg/verify.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Source identifies the upstream producer class of an evidence item.
type Source string

const (
	SourceSocial   Source = "social"
	SourceMarket   Source = "market"
	SourceSecurity Source = "security"
	SourceOnchain  Source = "onchain"
)

// ParseSource maps a wire string to a known Source.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceSocial, SourceMarket, SourceSecurity, SourceOnchain:
		return Source(s), nil
	}
	return "", fmt.Errorf("unknown evidence source %q", s)
}

// Valid reports whether the source is a member of the closed set.
func (s Source) Valid() bool {
	_, err := ParseSource(string(s))
	return err == nil
}

// DedupKey derives the stable duplicate-detection key for one observation.
// Two items with the same source and stable reference are the same
// observation and must never both persist inside one event.
func DedupKey(source Source, stableRef string) string {
	sum := sha256.Sum256([]byte(string(source) + "|" + stableRef))
	return hex.EncodeToString(sum[:])
}

// EvidenceItem is one observation about an event.
type EvidenceItem struct {
	Source     Source    `json:"source"`
	CapturedAt time.Time `json:"captured_at"`
	Payload    Payload   `json:"-"`
	DedupKey   string    `json:"dedup_key"`
	Weight     float64   `json:"weight"`
}

// ClampWeight bounds a source-assigned salience to [0,1].
func ClampWeight(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}
