package evidence

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the tagged union of per-source observation bodies. Each
// variant is a plain struct keyed by its Source; dynamic payloads from
// upstream producers are decoded into exactly one variant at intake.
type Payload interface {
	Kind() Source
}

// SocialPayload carries one social post observation.
type SocialPayload struct {
	Author     string  `json:"author,omitempty"`
	Text       string  `json:"text,omitempty"`
	Sentiment  float64 `json:"sentiment"` // -1..1 as scored upstream
	Engagement int64   `json:"engagement,omitempty"`
}

func (SocialPayload) Kind() Source { return SourceSocial }

// MarketPayload carries one market-data observation.
type MarketPayload struct {
	PriceUSD     float64 `json:"price_usd,omitempty"`
	Volume24hUSD float64 `json:"volume_24h_usd,omitempty"`
	LiquidityUSD float64 `json:"liquidity_usd,omitempty"`
	Pool         string  `json:"pool,omitempty"`
}

func (MarketPayload) Kind() Source { return SourceMarket }

// SecurityPayload carries one security-scan observation.
type SecurityPayload struct {
	Scanner      string   `json:"scanner,omitempty"`
	RiskFlags    []string `json:"risk_flags,omitempty"`
	Severity     string   `json:"severity,omitempty"`
	HoneypotRisk bool     `json:"honeypot_risk,omitempty"`
}

func (SecurityPayload) Kind() Source { return SourceSecurity }

// OnchainPayload carries one on-chain feature observation.
type OnchainPayload struct {
	ActiveAddrPercentile float64 `json:"active_addr_percentile,omitempty"`
	GrowthRatio          float64 `json:"growth_ratio,omitempty"`
	Top10Share           float64 `json:"top10_share,omitempty"`
	TxCount              int64   `json:"tx_count,omitempty"`
}

func (OnchainPayload) Kind() Source { return SourceOnchain }

// RawPayload preserves a payload whose source has no registered variant.
// It round-trips untouched but never validates at intake.
type RawPayload struct {
	SourceTag Source
	Raw       json.RawMessage
}

func (p RawPayload) Kind() Source { return p.SourceTag }

func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p.Raw) == 0 {
		return []byte("null"), nil
	}
	return p.Raw, nil
}

// DecodePayload decodes a raw payload blob into the variant registered
// for the source. Unknown sources fall back to RawPayload.
func DecodePayload(source Source, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch source {
	case SourceSocial:
		var p SocialPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode social payload: %w", err)
		}
		return p, nil
	case SourceMarket:
		var p MarketPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode market payload: %w", err)
		}
		return p, nil
	case SourceSecurity:
		var p SecurityPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode security payload: %w", err)
		}
		return p, nil
	case SourceOnchain:
		var p OnchainPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode onchain payload: %w", err)
		}
		return p, nil
	default:
		return RawPayload{SourceTag: source, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

type itemEnvelope struct {
	Source     Source          `json:"source"`
	CapturedAt time.Time       `json:"captured_at"`
	DedupKey   string          `json:"dedup_key"`
	Weight     float64         `json:"weight"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON serializes the item as an envelope whose payload shape is
// selected by the source tag.
func (it EvidenceItem) MarshalJSON() ([]byte, error) {
	env := itemEnvelope{
		Source:     it.Source,
		CapturedAt: it.CapturedAt,
		DedupKey:   it.DedupKey,
		Weight:     it.Weight,
	}
	if it.Payload != nil {
		raw, err := json.Marshal(it.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", it.Source, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the envelope and resolves the payload variant.
func (it *EvidenceItem) UnmarshalJSON(data []byte) error {
	var env itemEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := DecodePayload(env.Source, env.Payload)
	if err != nil {
		return err
	}
	it.Source = env.Source
	it.CapturedAt = env.CapturedAt
	it.DedupKey = env.DedupKey
	it.Weight = env.Weight
	it.Payload = payload
	return nil
}
