package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/evidence"
)

// Per-source payload schemas enforced at intake. Unknown extra fields
// pass through (producers evolve ahead of us); known fields are bounded.
var payloadSchemas = map[evidence.Source]string{
	evidence.SourceSocial: `{
		"type": "object",
		"properties": {
			"author": {"type": "string"},
			"text": {"type": "string"},
			"sentiment": {"type": "number", "minimum": -1, "maximum": 1},
			"engagement": {"type": "integer", "minimum": 0}
		}
	}`,
	evidence.SourceMarket: `{
		"type": "object",
		"properties": {
			"price_usd": {"type": "number", "minimum": 0},
			"volume_24h_usd": {"type": "number", "minimum": 0},
			"liquidity_usd": {"type": "number", "minimum": 0},
			"pool": {"type": "string"}
		}
	}`,
	evidence.SourceSecurity: `{
		"type": "object",
		"properties": {
			"scanner": {"type": "string"},
			"risk_flags": {"type": "array", "items": {"type": "string"}},
			"severity": {"type": "string", "enum": ["info", "low", "medium", "high", "critical"]},
			"honeypot_risk": {"type": "boolean"}
		}
	}`,
	evidence.SourceOnchain: `{
		"type": "object",
		"properties": {
			"active_addr_percentile": {"type": "number", "minimum": 0, "maximum": 1},
			"growth_ratio": {"type": "number", "minimum": 0},
			"top10_share": {"type": "number", "minimum": 0, "maximum": 1},
			"tx_count": {"type": "integer", "minimum": 0}
		}
	}`,
}

var compiledSchemas = map[evidence.Source]*jsonschema.Schema{}

func init() {
	for source, schema := range payloadSchemas {
		url := fmt.Sprintf("https://signald.schemas.local/payload/%s.schema.json", source)
		compiledSchemas[source] = jsonschema.MustCompileString(url, schema)
	}
}

// validatePayload checks a raw payload against the source's schema.
// An absent payload is valid; some sources emit bare references.
func validatePayload(source evidence.Source, raw json.RawMessage) error {
	schema, ok := compiledSchemas[source]
	if !ok || len(raw) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("payload not valid JSON: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("payload schema: %w", err)
	}
	return nil
}
