package condition

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/tandemhq/tandem/internal/expressions"
	"github.com/tandemhq/tandem/internal/resolver"
	"github.com/tandemhq/tandem/pkg/schema"
)

// Evaluator evaluates branch condition trees against a resolution context.
// Evaluation is fail-soft: a leaf that cannot be compared (type mismatch,
// unresolvable reference, expression error) is false, never an error, so a
// bad condition can skip a branch but never abort a run.
type Evaluator struct {
	exprs *expressions.Evaluator
	log   *slog.Logger
}

// NewEvaluator builds a condition evaluator on top of the expression engines.
func NewEvaluator(exprs *expressions.Evaluator, log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{exprs: exprs, log: log}
}

// Evaluate walks the condition tree. A nil condition imposes no constraint
// and is true; callers decide separately whether nil means "default branch".
func (e *Evaluator) Evaluate(ctx context.Context, cond *schema.Condition, rc *resolver.Context) bool {
	if cond == nil {
		return true
	}

	if cond.Expression != "" {
		ok, err := e.exprs.EvaluateBool(ctx, cond.Expression, rc.Flatten())
		if err != nil {
			e.log.WarnContext(ctx, "condition expression failed, treating as false",
				slog.String("expression", cond.Expression),
				slog.String("error", err.Error()))
			return false
		}
		return ok
	}

	switch cond.Operator {
	case schema.OpAnd:
		for i := range cond.Conditions {
			if !e.Evaluate(ctx, &cond.Conditions[i], rc) {
				return false
			}
		}
		return true
	case schema.OpOr:
		for i := range cond.Conditions {
			if e.Evaluate(ctx, &cond.Conditions[i], rc) {
				return true
			}
		}
		return false
	}

	return e.evaluateLeaf(ctx, cond, rc)
}

func (e *Evaluator) evaluateLeaf(ctx context.Context, cond *schema.Condition, rc *resolver.Context) bool {
	switch cond.Operator {
	case schema.OpExists:
		return exists(cond.Left, rc)
	case schema.OpNotExists:
		return !exists(cond.Left, rc)
	}

	left := resolver.Resolve(cond.Left, rc)
	right := resolver.Resolve(cond.Right, rc)

	switch cond.Operator {
	case schema.OpEquals:
		return looseEqual(left, right)
	case schema.OpNotEquals:
		return !looseEqual(left, right)
	case schema.OpContains:
		return contains(left, right)
	case schema.OpStartsWith:
		return strings.HasPrefix(resolver.Stringify(left), resolver.Stringify(right))
	case schema.OpEndsWith:
		return strings.HasSuffix(resolver.Stringify(left), resolver.Stringify(right))
	case schema.OpGreaterThan:
		cmp, ok := compare(left, right)
		return ok && cmp > 0
	case schema.OpLessThan:
		cmp, ok := compare(left, right)
		return ok && cmp < 0
	case schema.OpGreaterOrEqual:
		cmp, ok := compare(left, right)
		return ok && cmp >= 0
	case schema.OpLessOrEqual:
		cmp, ok := compare(left, right)
		return ok && cmp <= 0
	case schema.OpIsEmpty:
		return isEmpty(left)
	case schema.OpIsNotEmpty:
		return !isEmpty(left)
	}

	e.log.WarnContext(ctx, "unknown condition operator, treating as false",
		slog.String("operator", string(cond.Operator)))
	return false
}

// exists reports whether a reference path resolves to a non-nil value.
// A non-reference operand exists when it is non-nil.
func exists(operand any, rc *resolver.Context) bool {
	s, ok := operand.(string)
	if !ok {
		return operand != nil
	}
	refs := resolver.ExtractReferences(s)
	if len(refs) == 0 {
		return s != ""
	}
	for _, ref := range refs {
		v, found := rc.Lookup(ref)
		if !found || v == nil {
			return false
		}
	}
	return true
}

// looseEqual compares with numeric widening: 3 equals 3.0 regardless of the
// concrete Go type either side decoded into.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// compare orders two values numerically. Both sides must coerce to
// float64; anything else is incomparable and the leaf stays false.
func compare(a, b any) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	default:
		return 0, true
	}
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, resolver.Stringify(needle))
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false
		}
		_, present := h[key]
		return present
	}
	return false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// toFloat widens any numeric value (including numeric strings and
// json.Number) to float64.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
