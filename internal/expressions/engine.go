package expressions

import (
	"context"
	"strings"

	"github.com/tandemhq/tandem/pkg/schema"
)

// Engine evaluates expressions used by branch conditions and loop item
// references. Three implementations: Expr (default logic), CEL (guards),
// GoJQ (JSON transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Evaluator dispatches an expression to the engine selected by its prefix:
// "cel:" and "jq:" route to those engines, everything else (with an
// optional "expr:" prefix) runs on expr-lang.
type Evaluator struct {
	expr *ExprEngine
	cel  *CELEngine
	jq   *GoJQEngine
}

// NewEvaluator builds an Evaluator with all three engines.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		expr: NewExprEngine(),
		cel:  celEngine,
		jq:   NewGoJQEngine(),
	}, nil
}

// Evaluate runs the expression against the data with the engine its prefix
// selects.
func (ev *Evaluator) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expression")
	}

	switch {
	case strings.HasPrefix(expression, "cel:"):
		return ev.cel.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(expression, "cel:")), data)
	case strings.HasPrefix(expression, "jq:"):
		return ev.jq.EvaluateNormalized(ctx, strings.TrimSpace(strings.TrimPrefix(expression, "jq:")), data)
	case strings.HasPrefix(expression, "expr:"):
		return ev.expr.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(expression, "expr:")), data)
	default:
		return ev.expr.Evaluate(ctx, expression, data)
	}
}

// EvaluateBool evaluates the expression and coerces the result to a boolean.
// nil, empty strings, zero numbers, and empty collections are false.
func (ev *Evaluator) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := ev.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// Truthy applies the boolean coercion shared by expression conditions.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
