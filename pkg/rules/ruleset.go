package rules

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/canonicalize"
	"github.com/Tracy625/event-stream-starter-sub000/pkg/rules/predicate"
)

// VerdictKind classifies what a matching rule asks for.
type VerdictKind string

const (
	VerdictUpgrade   VerdictKind = "upgrade"
	VerdictDowngrade VerdictKind = "downgrade"
	VerdictHold      VerdictKind = "hold"
)

// Rule is one compiled rule.
type Rule struct {
	ID        string
	Priority  int
	Weight    float64
	Kind      VerdictKind
	Tags      []string
	Message   string
	Predicate *predicate.Compiled
}

// Group is an ordered rule list, sorted by descending priority.
type Group struct {
	Name  string
	Rules []Rule
}

// RuleSet is a versioned, immutable snapshot of evaluation logic.
// Once published it is never mutated; replacement is always a swap to a
// new instance, which is what makes lock-free concurrent reads safe.
type RuleSet struct {
	VersionID string
	Groups    []Group
	LoadedAt  time.Time
	RuleCount int
}

// Limits cap the rule source.
type Limits struct {
	MaxBytes int64
	MaxRules int
}

// DefaultLimits returns the default source caps.
func DefaultLimits() Limits {
	return Limits{MaxBytes: 256 * 1024, MaxRules: 500}
}

// Builder turns raw rule documents into RuleSets. The whole pipeline
// runs off to the side; nothing is published until every check passes.
type Builder struct {
	compiler      *predicate.Compiler
	limits        Limits
	engineVersion *semver.Version
	clock         func() time.Time
}

// NewBuilder creates a Builder checking documents against the given
// engine version.
func NewBuilder(engineVersion string, limits Limits) (*Builder, error) {
	compiler, err := predicate.NewCompiler()
	if err != nil {
		return nil, err
	}
	ver, err := semver.NewVersion(engineVersion)
	if err != nil {
		return nil, fmt.Errorf("engine version %q: %w", engineVersion, err)
	}
	if limits.MaxBytes <= 0 || limits.MaxRules <= 0 {
		limits = DefaultLimits()
	}
	return &Builder{
		compiler:      compiler,
		limits:        limits,
		engineVersion: ver,
		clock:         time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Build parses, validates, compiles, and versions a rule document.
// All failures carry a Category; on any failure the caller keeps its
// previously published set.
func (b *Builder) Build(raw []byte) (*RuleSet, error) {
	if int64(len(raw)) > b.limits.MaxBytes {
		return nil, buildErr(CategorySize, "rule source is %d bytes, cap %d", len(raw), b.limits.MaxBytes)
	}

	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, buildErr(CategorySyntax, "parse rule source: %w", err)
	}

	if doc.Version == "" {
		return nil, buildErr(CategorySchema, "rule document missing version")
	}
	if len(doc.Groups) == 0 {
		return nil, buildErr(CategorySchema, "rule document has no groups")
	}
	if doc.Requires != "" {
		constraint, err := semver.NewConstraint(doc.Requires)
		if err != nil {
			return nil, buildErr(CategorySchema, "requires constraint %q: %w", doc.Requires, err)
		}
		if !constraint.Check(b.engineVersion) {
			return nil, buildErr(CategorySchema, "document requires engine %q, running %s", doc.Requires, b.engineVersion)
		}
	}

	ruleCount := 0
	seenIDs := make(map[string]bool)
	groups := make([]Group, 0, len(doc.Groups))
	for gi, gd := range doc.Groups {
		if gd.Name == "" {
			return nil, buildErr(CategorySchema, "group %d missing name", gi)
		}
		group := Group{Name: gd.Name, Rules: make([]Rule, 0, len(gd.Rules))}
		for _, rd := range gd.Rules {
			ruleCount++
			if ruleCount > b.limits.MaxRules {
				return nil, buildErr(CategoryRuleCount, "rule count exceeds cap %d", b.limits.MaxRules)
			}
			if rd.ID == "" {
				return nil, buildErr(CategorySchema, "group %q has a rule without id", gd.Name)
			}
			if seenIDs[rd.ID] {
				return nil, buildErr(CategorySchema, "duplicate rule id %q", rd.ID)
			}
			seenIDs[rd.ID] = true
			if rd.Predicate == "" {
				return nil, buildErr(CategorySchema, "rule %q missing predicate", rd.ID)
			}
			if rd.Weight < 0 || rd.Weight > 1 {
				return nil, buildErr(CategorySchema, "rule %q weight %v outside [0,1]", rd.ID, rd.Weight)
			}

			compiled, err := b.compiler.Compile(rd.Predicate)
			if err != nil {
				if errors.Is(err, predicate.ErrDisallowed) {
					return nil, buildErr(CategoryPredicate, "rule %q: %w", rd.ID, err)
				}
				return nil, buildErr(CategorySyntax, "rule %q: %w", rd.ID, err)
			}

			group.Rules = append(group.Rules, Rule{
				ID:        rd.ID,
				Priority:  rd.Priority,
				Weight:    rd.Weight,
				Kind:      verdictFromTags(rd.Tags),
				Tags:      append([]string(nil), rd.Tags...),
				Message:   rd.Message,
				Predicate: compiled,
			})
		}
		sort.SliceStable(group.Rules, func(i, j int) bool {
			return group.Rules[i].Priority > group.Rules[j].Priority
		})
		groups = append(groups, group)
	}

	versionID, err := canonicalize.Hash(doc)
	if err != nil {
		return nil, buildErr(CategorySchema, "version rule document: %w", err)
	}

	return &RuleSet{
		VersionID: versionID,
		Groups:    groups,
		LoadedAt:  b.clock().UTC(),
		RuleCount: ruleCount,
	}, nil
}

// verdictFromTags picks the verdict kind from the rule's tags. A rule
// with no verdict tag contributes a hold.
func verdictFromTags(tags []string) VerdictKind {
	for _, tag := range tags {
		switch VerdictKind(tag) {
		case VerdictUpgrade, VerdictDowngrade, VerdictHold:
			return VerdictKind(tag)
		}
	}
	return VerdictHold
}
