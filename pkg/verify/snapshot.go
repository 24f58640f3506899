package verify

import (
	"github.com/Tracy625/event-stream-starter-sub000/pkg/evidence"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/rules"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/rules/predicate"
)

// Snapshot flattens an event's merged evidence into the whitelisted
// field map the rule evaluator consumes. Fields with no backing
// evidence are left absent, never zeroed: the evaluator records
// absence explicitly as a missing input.
func Snapshot(ev *evidence.Event) map[string]any {
	snap := map[string]any{
		"evidence_count":        int64(ev.EvidenceCount),
		"distinct_source_count": int64(ev.DistinctSourceCount),
		"candidate_score":       ev.CandidateScore,
	}

	var sentimentSum float64
	sentimentN := 0
	riskFlags := 0
	sawSecurity := false
	honeypot := false

	for i := range ev.Evidence {
		switch p := ev.Evidence[i].Payload.(type) {
		case evidence.SocialPayload:
			sentimentSum += p.Sentiment
			sentimentN++
		case evidence.MarketPayload:
			// Later observations overwrite earlier ones; evidence is
			// ordered by captured_at.
			snap["liquidity_usd"] = p.LiquidityUSD
			snap["volume_24h_usd"] = p.Volume24hUSD
		case evidence.OnchainPayload:
			snap["active_addr_percentile"] = p.ActiveAddrPercentile
			snap["growth_ratio"] = p.GrowthRatio
			snap["top10_share"] = p.Top10Share
		case evidence.SecurityPayload:
			sawSecurity = true
			riskFlags += len(p.RiskFlags)
			honeypot = honeypot || p.HoneypotRisk
		}
	}

	if sentimentN > 0 {
		mean := sentimentSum / float64(sentimentN)
		snap["sentiment_score"] = (mean + 1) / 2
	}
	if sawSecurity {
		snap["risk_flag_count"] = int64(riskFlags)
		snap["honeypot_risk"] = honeypot
	}

	return snap
}

// rulesetFields collects every snapshot field the rule set's predicates
// reference.
func rulesetFields(rs *rules.RuleSet) []string {
	seen := make(map[string]bool)
	var fields []string
	for _, group := range rs.Groups {
		for _, rule := range group.Rules {
			for _, f := range rule.Predicate.Fields() {
				if !seen[f] {
					seen[f] = true
					fields = append(fields, f)
				}
			}
		}
	}
	return fields
}

// mergeFetched folds enrichment fields into the snapshot, dropping
// anything outside the whitelist so a misbehaving producer cannot widen
// the evaluation surface.
func mergeFetched(snap map[string]any, fetched map[string]any) {
	for k, v := range fetched {
		if !predicate.IsField(k) {
			continue
		}
		switch val := v.(type) {
		case float64:
			snap[k] = val
		case int:
			snap[k] = int64(val)
		case int64:
			snap[k] = val
		case bool:
			snap[k] = val
		}
	}
}
