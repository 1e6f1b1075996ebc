package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tandemhq/tandem/pkg/schema"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator()
	require.NoError(t, err)
	return ev
}

// --- Expr engine ---

func TestExprEngine_Basics(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())

	out, err := e.Evaluate(context.Background(), "a + b", map[string]any{"a": 10, "b": 3})
	require.NoError(t, err)
	assert.Equal(t, 13, out)
}

func TestExprEngine_ArrayOperations(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"items": []any{
			map[string]any{"name": "A", "amount": 10.0},
			map[string]any{"name": "B", "amount": 25.0},
		},
	}

	out, err := e.Evaluate(context.Background(), `filter(items, .amount > 15)`, data)
	require.NoError(t, err)
	filtered, ok := out.([]any)
	require.True(t, ok)
	require.Len(t, filtered, 1)
	assert.Equal(t, "B", filtered[0].(map[string]any)["name"])
}

func TestExprEngine_UndefinedVariableIsNil(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "missing ?? \"fallback\"", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestExprEngine_CompileErrorCode(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "1 +", map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestExprEngine_CacheIsConcurrencySafe(t *testing.T) {
	e := NewExprEngine()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "x * 2", map[string]any{"x": 21})
			assert.NoError(t, err)
			assert.Equal(t, 42, out)
		}()
	}
	wg.Wait()
}

// --- CEL engine ---

func TestCELEngine_Basics(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	out, err := e.Evaluate(context.Background(), `trigger.amount > 100.0`, map[string]any{
		"trigger": map[string]any{"amount": 150.0},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_MissingRootsDefaultToEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `"status" in step`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCELEngine_CompileErrorCode(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `undeclared_root.x == 1`, map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

// --- GoJQ engine ---

func TestGoJQEngine_Basics(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())

	out, err := e.Evaluate(context.Background(), `.trigger.items | length`, map[string]any{
		"trigger": map[string]any{"items": []any{"a", "b", "c"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

func TestGoJQEngine_MultipleOutputsCollected(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.items[]`, map[string]any{
		"items": []any{1.0, 2.0},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, out)
}

func TestGoJQEngine_NormalizedWidensIntegers(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.EvaluateNormalized(context.Background(), `.count + 1`, map[string]any{
		"count": 41,
	})
	require.NoError(t, err)
	assert.Equal(t, 42.0, out)
}

func TestGoJQEngine_EnvAccessIsBlocked(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `env | length`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestGoJQEngine_ParseErrorCode(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.[invalid`, map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

// --- Evaluator dispatch ---

func TestEvaluator_PrefixDispatch(t *testing.T) {
	ev := newTestEvaluator(t)
	data := map[string]any{
		"trigger": map[string]any{"amount": 150.0},
	}

	t.Run("default routes to expr", func(t *testing.T) {
		out, err := ev.Evaluate(context.Background(), "trigger.amount * 2", data)
		require.NoError(t, err)
		assert.Equal(t, 300.0, out)
	})

	t.Run("expr prefix", func(t *testing.T) {
		out, err := ev.Evaluate(context.Background(), "expr: trigger.amount > 100", data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("cel prefix", func(t *testing.T) {
		out, err := ev.Evaluate(context.Background(), "cel: trigger.amount > 100.0", data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("jq prefix", func(t *testing.T) {
		out, err := ev.Evaluate(context.Background(), "jq: .trigger.amount", data)
		require.NoError(t, err)
		assert.Equal(t, 150.0, out)
	})
}

func TestEvaluator_EmptyExpression(t *testing.T) {
	ev := newTestEvaluator(t)

	_, err := ev.Evaluate(context.Background(), "   ", map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestEvaluator_EvaluateBool(t *testing.T) {
	ev := newTestEvaluator(t)

	ok, err := ev.EvaluateBool(context.Background(), "len(items) > 0", map[string]any{
		"items": []any{"x"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want bool
	}{
		{"nil", nil, false},
		{"false", false, false},
		{"true", true, true},
		{"empty string", "", false},
		{"string", "x", true},
		{"zero float", 0.0, false},
		{"float", 1.5, true},
		{"zero int", 0, false},
		{"int", 7, true},
		{"empty slice", []any{}, false},
		{"slice", []any{1}, true},
		{"empty map", map[string]any{}, false},
		{"map", map[string]any{"k": 1}, true},
		{"struct falls back to true", struct{}{}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Truthy(tc.in))
		})
	}
}
