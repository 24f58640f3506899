// Package rules loads, validates, and hot-swaps versioned rule sets,
// and evaluates signal snapshots against the active set.
package rules

import (
	"errors"
	"fmt"
)

// Document is the human-editable YAML rule source.
type Document struct {
	// Version is an editorial marker chosen by rule authors; the
	// published identity is the content hash, not this field.
	Version string `yaml:"version"`
	// Requires optionally constrains the engine version this document
	// is written for, as a semver range.
	Requires string     `yaml:"requires,omitempty"`
	Groups   []GroupDoc `yaml:"groups"`
}

// GroupDoc is one ordered rule group.
type GroupDoc struct {
	Name  string    `yaml:"name"`
	Rules []RuleDoc `yaml:"rules"`
}

// RuleDoc is one rule definition.
type RuleDoc struct {
	ID        string   `yaml:"id"`
	Priority  int      `yaml:"priority"`
	Weight    float64  `yaml:"weight"`
	Predicate string   `yaml:"predicate"`
	Tags      []string `yaml:"tags,omitempty"`
	Message   string   `yaml:"message,omitempty"`
}

// Category classifies why a rule source failed to build.
type Category string

const (
	CategoryIO        Category = "io_error"
	CategorySize      Category = "size_exceeded"
	CategoryRuleCount Category = "rule_count_exceeded"
	CategorySyntax    Category = "syntax_error"
	CategorySchema    Category = "schema_error"
	CategoryPredicate Category = "disallowed_predicate"
)

// BuildError is a categorized rule-source failure. Reload keeps the
// previously published set active whenever one of these occurs.
type BuildError struct {
	Category Category
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("rule build failed (%s): %v", e.Category, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

func buildErr(cat Category, format string, args ...any) *BuildError {
	return &BuildError{Category: cat, Err: fmt.Errorf(format, args...)}
}

// Categorize extracts the category from a build error, CategoryIO for
// anything uncategorized.
func Categorize(err error) Category {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Category
	}
	return CategoryIO
}
