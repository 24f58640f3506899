package rules

import (
	"fmt"
	"sort"
)

// Reason strings attached to hold verdicts.
const (
	ReasonInsufficientEvidence = "insufficient_evidence"
	ReasonNoRuleMatched        = "no_rule_matched"
)

// Verdict is the rules engine's classification of a signal snapshot.
// Reasons is the full audit list; user surfaces take TopReasons.
type Verdict struct {
	Kind          VerdictKind
	Score         float64
	Reasons       []string
	MissingInputs []string
}

// TopReasons returns at most n reasons for user-facing surfaces.
func (v Verdict) TopReasons(n int) []string {
	if len(v.Reasons) <= n {
		return append([]string(nil), v.Reasons...)
	}
	return append([]string(nil), v.Reasons[:n]...)
}

type contribution struct {
	kind   VerdictKind
	weight float64
	reason string
}

// Evaluate is a pure function of the snapshot and the rule set.
//
// Within a group, rules run in descending priority and the first match
// determines the group's contribution. Across groups, verdicts combine
// by the documented tie-break: downgrade outranks upgrade outranks
// hold. A rule referencing a field absent from the snapshot never
// silently matches; the field is recorded as a missing input and the
// rule is skipped. If every candidate rule was skipped for missing
// inputs the verdict is a hold with an insufficient_evidence reason.
func Evaluate(snapshot map[string]any, rs *RuleSet) Verdict {
	missing := make(map[string]bool)
	var contribs []contribution
	skippedForMissing := false

	for _, group := range rs.Groups {
		for _, rule := range group.Rules {
			absent := false
			for _, field := range rule.Predicate.Fields() {
				if _, ok := snapshot[field]; !ok {
					missing[field] = true
					absent = true
				}
			}
			if absent {
				skippedForMissing = true
				continue
			}

			matched, err := rule.Predicate.Eval(snapshot)
			if err != nil || !matched {
				continue
			}
			contribs = append(contribs, contribution{
				kind:   rule.Kind,
				weight: rule.Weight,
				reason: ruleReason(rule),
			})
			break
		}
	}

	missingInputs := make([]string, 0, len(missing))
	for field := range missing {
		missingInputs = append(missingInputs, field)
	}
	sort.Strings(missingInputs)

	if len(contribs) == 0 {
		reason := ReasonNoRuleMatched
		if skippedForMissing {
			reason = ReasonInsufficientEvidence
		}
		return Verdict{
			Kind:          VerdictHold,
			Reasons:       []string{reason},
			MissingInputs: missingInputs,
		}
	}

	winner := VerdictHold
	for _, c := range contribs {
		switch c.kind {
		case VerdictDowngrade:
			winner = VerdictDowngrade
		case VerdictUpgrade:
			if winner != VerdictDowngrade {
				winner = VerdictUpgrade
			}
		}
	}

	var score float64
	var reasons []string
	for _, c := range contribs {
		if c.kind == winner {
			score += c.weight
			reasons = append(reasons, c.reason)
		}
	}
	if score > 1 {
		score = 1
	}

	return Verdict{
		Kind:          winner,
		Score:         score,
		Reasons:       reasons,
		MissingInputs: missingInputs,
	}
}

func ruleReason(rule Rule) string {
	if rule.Message == "" {
		return rule.ID
	}
	return fmt.Sprintf("%s: %s", rule.ID, rule.Message)
}
