package expressions

import (
	"context"

	"github.com/runbooklabs/runbook/pkg/schema"
)

// Engine evaluates expressions against run state.
// Three implementations: CEL (conditions), Expr (logic), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Check compiles the expression without evaluating it, so documents can
	// be rejected at validation time instead of mid-run.
	Check(expression string) error
}

// Set bundles the engines a run needs, keyed by the language names accepted
// in rollback conditions and transform steps.
type Set struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewSet constructs all three engines.
func NewSet() (*Set, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Set{
		CEL:  celEngine,
		Expr: NewExprEngine(),
		JQ:   NewGoJQEngine(),
	}, nil
}

// ForLanguage returns the engine registered under name. The empty name
// selects CEL, the default condition language.
func (s *Set) ForLanguage(name string) (Engine, error) {
	switch name {
	case "", "cel":
		return s.CEL, nil
	case "expr":
		return s.Expr, nil
	case "jq":
		return s.JQ, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown expression language %q (supported: cel, expr, jq)", name)
	}
}

// EvalBool evaluates a condition and coerces the result to a boolean.
// Conditions must produce true or false; anything else is an error, never a
// truthiness guess.
func (s *Set) EvalBool(ctx context.Context, language, expression string, data map[string]any) (bool, error) {
	engine, err := s.ForLanguage(language)
	if err != nil {
		return false, err
	}
	out, err := engine.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeCondition,
			"condition %q produced %T, want boolean", expression, out).
			WithDetails(map[string]any{"expression": expression, "language": engine.Name()})
	}
	return b, nil
}

// Check compiles an expression in the named language without running it.
func (s *Set) Check(language, expression string) error {
	engine, err := s.ForLanguage(language)
	if err != nil {
		return err
	}
	return engine.Check(expression)
}
