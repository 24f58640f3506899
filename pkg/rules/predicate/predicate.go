// Package predicate compiles rule predicates against a restricted
// expression grammar: whitelisted fields, comparison and boolean
// operators, and literals. Anything else (function calls,
// comprehensions, list or map construction, field selection) is
// rejected at compile time, so a predicate can never execute arbitrary
// code or reach outside its snapshot.
package predicate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// ErrDisallowed marks a predicate using a construct outside the closed
// grammar.
var ErrDisallowed = errors.New("disallowed predicate construct")

// fieldTypes is the closed snapshot field set predicates may reference.
var fieldTypes = map[string]*cel.Type{
	"sentiment_score":        cel.DoubleType,
	"mention_velocity":       cel.DoubleType,
	"active_addr_percentile": cel.DoubleType,
	"growth_ratio":           cel.DoubleType,
	"top10_share":            cel.DoubleType,
	"liquidity_usd":          cel.DoubleType,
	"volume_24h_usd":         cel.DoubleType,
	"price_change_1h":        cel.DoubleType,
	"risk_flag_count":        cel.IntType,
	"honeypot_risk":          cel.BoolType,
	"evidence_count":         cel.IntType,
	"distinct_source_count":  cel.IntType,
	"candidate_score":        cel.DoubleType,
	"spread_score":           cel.DoubleType,
}

// allowedCalls are the only callable functions: boolean connectives,
// comparisons, and unary minus for negative literals.
var allowedCalls = map[string]bool{
	"_&&_": true,
	"_||_": true,
	"!_":   true,
	"_==_": true,
	"_!=_": true,
	"_<_":  true,
	"_<=_": true,
	"_>_":  true,
	"_>=_": true,
	"-_":   true,
}

// Fields returns the whitelisted snapshot field names, sorted.
func Fields() []string {
	names := make([]string, 0, len(fieldTypes))
	for name := range fieldTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsField reports whether name is a whitelisted snapshot field.
func IsField(name string) bool {
	_, ok := fieldTypes[name]
	return ok
}

// Compiled is a validated, executable predicate.
type Compiled struct {
	Source string
	prg    cel.Program
	fields []string
}

// Fields returns the snapshot fields the predicate references, sorted.
// The evaluator uses this for exact missing-input detection.
func (c *Compiled) Fields() []string {
	return append([]string(nil), c.fields...)
}

// Eval runs the predicate over a snapshot. Callers must ensure every
// referenced field is present; absent fields are an evaluation error
// here, not a silent false.
func (c *Compiled) Eval(snapshot map[string]any) (bool, error) {
	out, _, err := c.prg.Eval(snapshot)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", c.Source, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: result not bool", c.Source)
	}
	return matched, nil
}

// Compiler compiles predicates in an environment that declares exactly
// the whitelisted fields.
type Compiler struct {
	env *cel.Env
}

// NewCompiler builds the restricted environment.
func NewCompiler() (*Compiler, error) {
	opts := []cel.EnvOption{
		cel.CrossTypeNumericComparisons(true),
	}
	for name, t := range fieldTypes {
		opts = append(opts, cel.Variable(name, t))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("predicate env: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Compile parses, validates against the AST whitelist, type-checks, and
// builds the program. The referenced field set is extracted during the
// AST walk.
func (c *Compiler) Compile(src string) (*Compiled, error) {
	parsed, issues := c.env.Parse(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("parse %q: %w", src, issues.Err())
	}

	refs := make(map[string]bool)
	//nolint:staticcheck // deprecated, but still the traversable AST form
	if err := walk(parsed.Expr(), refs); err != nil {
		return nil, fmt.Errorf("validate %q: %w", src, err)
	}

	ast, issues := c.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("check %q: %w", src, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("predicate %q: result type %s, want bool", src, ast.OutputType())
	}

	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", src, err)
	}

	fields := make([]string, 0, len(refs))
	for name := range refs {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	return &Compiled{Source: src, prg: prg, fields: fields}, nil
}

// walk enforces the closed grammar and collects field references.
func walk(e *exprpb.Expr, refs map[string]bool) error {
	if e == nil {
		return nil
	}

	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		switch k.ConstExpr.ConstantKind.(type) {
		case *exprpb.Constant_BoolValue,
			*exprpb.Constant_Int64Value,
			*exprpb.Constant_Uint64Value,
			*exprpb.Constant_DoubleValue,
			*exprpb.Constant_StringValue:
			return nil
		default:
			return fmt.Errorf("%w: literal kind %T", ErrDisallowed, k.ConstExpr.ConstantKind)
		}

	case *exprpb.Expr_IdentExpr:
		name := k.IdentExpr.Name
		if !IsField(name) {
			return fmt.Errorf("%w: unknown field %q", ErrDisallowed, name)
		}
		refs[name] = true
		return nil

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		if !allowedCalls[call.Function] {
			return fmt.Errorf("%w: call %q", ErrDisallowed, call.Function)
		}
		if call.Target != nil {
			return fmt.Errorf("%w: method call %q", ErrDisallowed, call.Function)
		}
		for _, arg := range call.Args {
			if err := walk(arg, refs); err != nil {
				return err
			}
		}
		return nil

	case *exprpb.Expr_SelectExpr:
		return fmt.Errorf("%w: field selection", ErrDisallowed)

	case *exprpb.Expr_ListExpr:
		return fmt.Errorf("%w: list construction", ErrDisallowed)

	case *exprpb.Expr_StructExpr:
		return fmt.Errorf("%w: map or struct construction", ErrDisallowed)

	case *exprpb.Expr_ComprehensionExpr:
		return fmt.Errorf("%w: comprehension", ErrDisallowed)

	default:
		return fmt.Errorf("%w: expression kind %T", ErrDisallowed, e.ExprKind)
	}
}
