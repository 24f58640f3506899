// Package identity computes the deterministic event key from normalized
// identity inputs. Resolution is a pure function of the inputs and the
// configured key spec: identical normalized inputs always produce the
// same key, across restarts and runtimes.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/evidence"
)

// DefaultBucketWindow bounds key fragmentation by folding wall-clock
// time into fixed windows.
const DefaultBucketWindow = 5 * time.Minute

// SaltVersionMetaKey is the durable-store meta key holding the salt
// version last observed by a running service. Changing the salt is a
// breaking, intentional operation; the boot-time check against this key
// is what surfaces it (once, not silently).
const SaltVersionMetaKey = "identity_salt_version"

// RawInputs are the unnormalized identity fields of incoming evidence.
type RawInputs struct {
	Symbol          string
	ContractAddress string
	Topic           string
	ObservedAt      time.Time
}

// KeySpec fixes the key derivation: a versioned salt plus the time
// bucket width. Two resolvers with equal specs resolve identically.
type KeySpec struct {
	SaltVersion  int
	Salt         []byte
	BucketWindow time.Duration
}

// Resolver derives event keys. Safe for concurrent use.
type Resolver struct {
	spec   KeySpec
	logger *slog.Logger

	mu     sync.Mutex
	warned map[string]bool
}

// NewResolver builds a Resolver from the given spec. A zero bucket
// window falls back to DefaultBucketWindow.
func NewResolver(spec KeySpec, logger *slog.Logger) *Resolver {
	if spec.BucketWindow <= 0 {
		spec.BucketWindow = DefaultBucketWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		spec:   spec,
		logger: logger.With("component", "identity"),
		warned: make(map[string]bool),
	}
}

// Resolve normalizes the inputs and derives the event key. Malformed
// inputs still produce a deterministic key; each distinct malformation
// reason is warned once per process and the evidence is never dropped.
func (r *Resolver) Resolve(in RawInputs) (string, evidence.Identity) {
	symbol := NormalizeSymbol(in.Symbol)

	addr, ok := CanonicalAddress(in.ContractAddress)
	if !ok && strings.TrimSpace(in.ContractAddress) != "" {
		r.warnOnce("malformed_contract_address",
			"contract address not canonical, using raw fallback", "input", in.ContractAddress)
	}

	topic := TopicFingerprint(in.Topic)
	bucket := in.ObservedAt.UTC().Truncate(r.spec.BucketWindow)

	id := evidence.Identity{
		Symbol:          symbol,
		ContractAddress: addr,
		TopicHash:       topic,
		Bucket:          bucket,
	}
	return r.key(id), id
}

// key hashes the fixed-order encoding of the normalized tuple with the
// versioned salt. BLAKE2b keyed mode keeps the salt out of the encoded
// string itself.
func (r *Resolver) key(id evidence.Identity) string {
	h, err := blake2b.New256(r.spec.Salt)
	if err != nil {
		// Salt longer than 64 bytes. Deterministic fallback: fold it.
		folded := sha256.Sum256(r.spec.Salt)
		h, _ = blake2b.New256(folded[:])
		r.warnOnce("oversized_salt", "identity salt exceeds 64 bytes, folded through sha256")
	}
	fmt.Fprintf(h, "v%d|%s|%s|%s|%d",
		r.spec.SaltVersion, id.Symbol, id.ContractAddress, id.TopicHash, id.Bucket.Unix())
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Resolver) warnOnce(reason, msg string, args ...any) {
	r.mu.Lock()
	seen := r.warned[reason]
	r.warned[reason] = true
	r.mu.Unlock()
	if !seen {
		r.logger.Warn(msg, append([]any{"reason", reason}, args...)...)
	}
}

// SaltVersion reports the configured salt version for the boot-time
// changed-since-last-observed check.
func (r *Resolver) SaltVersion() int { return r.spec.SaltVersion }

// NormalizeSymbol lower-cases and trims a ticker symbol.
func NormalizeSymbol(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

var hexAddr = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// CanonicalAddress canonicalizes a contract address to fixed-width
// lowercase hex with a 0x prefix. Inputs that cannot be canonicalized
// (truncated, non-hex) fall back to a deterministic "raw:" form so the
// evidence still aggregates somewhere stable.
func CanonicalAddress(s string) (string, bool) {
	cleaned := strings.ToLower(strings.TrimSpace(s))
	if cleaned == "" {
		return "", true
	}
	if !strings.HasPrefix(cleaned, "0x") {
		cleaned = "0x" + cleaned
	}
	if hexAddr.MatchString(cleaned) {
		return cleaned, true
	}
	return "raw:" + cleaned, false
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// TopicFingerprint canonicalizes free-text topics: NFKC normalization,
// lower-casing, whitespace collapse, then a short SHA-256 prefix. An
// empty topic fingerprints to the empty string.
func TopicFingerprint(s string) string {
	collapsed := whitespaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
	if collapsed == "" {
		return ""
	}
	canon := strings.ToLower(norm.NFKC.String(collapsed))
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:8])
}
