package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() *Context {
	rc := NewContext()
	rc.Trigger = map[string]any{
		"amount": float64(42),
		"name":   "Ann",
		"nested": map[string]any{"deal": map[string]any{"id": "d-1"}},
		"items":  []any{map[string]any{"name": "A"}, map[string]any{"name": "B"}},
		"active": true,
	}
	rc.Flow = map[string]any{"execution_id": "exec-1", "workflow_id": "wf-1"}
	return rc
}

func TestResolve_FullStringPreservesType(t *testing.T) {
	rc := testContext()

	got := Resolve("{{trigger.amount}}", rc)
	assert.Equal(t, float64(42), got)

	got = Resolve("{{trigger.active}}", rc)
	assert.Equal(t, true, got)

	got = Resolve("{{trigger.nested}}", rc)
	require.IsType(t, map[string]any{}, got)
	assert.Equal(t, "d-1", got.(map[string]any)["deal"].(map[string]any)["id"])

	got = Resolve("{{trigger.items}}", rc)
	require.IsType(t, []any{}, got)
	assert.Len(t, got, 2)
}

func TestResolve_MixedTextStringifies(t *testing.T) {
	rc := testContext()

	got := Resolve("Hi {{trigger.name}}", rc)
	assert.Equal(t, "Hi Ann", got)

	got = Resolve("amount={{trigger.amount}}!", rc)
	assert.Equal(t, "amount=42!", got)

	// Complex values embed as compact JSON.
	got = Resolve("deal: {{trigger.nested.deal}}", rc)
	assert.Equal(t, `deal: {"id":"d-1"}`, got)
}

func TestResolve_UnresolvedIsFailSoft(t *testing.T) {
	rc := NewContext()

	got := Resolve("{{trigger.missing}}", rc)
	assert.Equal(t, "{{trigger.missing}}", got)

	got = Resolve("Hello {{trigger.missing}}!", rc)
	assert.Equal(t, "Hello {{trigger.missing}}!", got)
}

func TestResolve_ArrayIndexing(t *testing.T) {
	rc := testContext()

	got := Resolve("{{trigger.items[1].name}}", rc)
	assert.Equal(t, "B", got)

	// Out of range, negative-shaped, and non-list navigation are not found.
	assert.Equal(t, "{{trigger.items[9].name}}", Resolve("{{trigger.items[9].name}}", rc))
	assert.Equal(t, "{{trigger.amount[0]}}", Resolve("{{trigger.amount[0]}}", rc))
}

func TestResolve_NullNavigationNotFound(t *testing.T) {
	rc := NewContext()
	rc.Trigger = map[string]any{"maybe": nil}

	got := Resolve("{{trigger.maybe.deep}}", rc)
	assert.Equal(t, "{{trigger.maybe.deep}}", got)
}

func TestResolve_RecursesMapsAndSlices(t *testing.T) {
	rc := testContext()
	params := map[string]any{
		"to":     "{{trigger.name}}",
		"amount": "{{trigger.amount}}",
		"rows":   []any{"{{trigger.items[0].name}}", "static"},
	}

	got := ResolveParams(params, rc)
	assert.Equal(t, "Ann", got["to"])
	assert.Equal(t, float64(42), got["amount"])
	assert.Equal(t, []any{"A", "static"}, got["rows"])
}

func TestResolve_StepAndFlowRoots(t *testing.T) {
	rc := testContext()
	rc.AddStepOutput("fetch", map[string]any{"status": float64(200)})

	assert.Equal(t, float64(200), Resolve("{{step.fetch.status}}", rc))
	assert.Equal(t, "exec-1", Resolve("{{execution.execution_id}}", rc))
	assert.Equal(t, "wf-1", Resolve("{{flow.workflow_id}}", rc))
}

func TestResolve_Functions(t *testing.T) {
	rc := NewContext()

	now, ok := Resolve("{{now}}", rc).(string)
	require.True(t, ok)
	assert.NotEmpty(t, now)

	id1 := Resolve("{{uuid}}", rc)
	id2 := Resolve("{{uuid}}", rc)
	assert.NotEqual(t, id1, id2)
}

func TestContext_ChildLoopVariables(t *testing.T) {
	rc := testContext()
	child := rc.Child("contact", map[string]any{"email": "a@b.co"}, 2)

	assert.Equal(t, "a@b.co", Resolve("{{contact.email}}", child))
	assert.Equal(t, 2, Resolve("{{contact_index}}", child))
	assert.Equal(t, 3, Resolve("{{contact_number}}", child))
	// Parent roots stay visible.
	assert.Equal(t, "Ann", Resolve("{{trigger.name}}", child))
	// Parent context is unaffected.
	assert.Equal(t, "{{contact.email}}", Resolve("{{contact.email}}", rc))
}

func TestContext_MergeLocalsShadowsRoots(t *testing.T) {
	rc := testContext()
	rc.MergeLocals(map[string]any{"review": map[string]any{"approved": true}})

	assert.Equal(t, true, Resolve("{{review.approved}}", rc))
}

func TestExtractReferences(t *testing.T) {
	value := map[string]any{
		"subject": "Deal {{trigger.nested.deal.id}} for {{trigger.name}}",
		"body":    []any{"{{step.render.url}}", "{{step.render.url}}"},
		"static":  42,
	}

	refs := ExtractReferences(value)
	assert.ElementsMatch(t, []string{
		"trigger.nested.deal.id",
		"trigger.name",
		"step.render.url",
	}, refs)
}

func TestStepDependencies(t *testing.T) {
	value := map[string]any{
		"a": "{{step.fetch.body}}",
		"b": "{{step.render.url}} and {{step.fetch.status}}",
		"c": "{{trigger.name}}",
	}

	deps := StepDependencies(value)
	assert.ElementsMatch(t, []string{"fetch", "render"}, deps)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "42", Stringify(float64(42)))
	assert.Equal(t, "42.5", Stringify(42.5))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, `["a"]`, Stringify([]any{"a"}))
}

func TestSplitPath_Malformed(t *testing.T) {
	assert.Nil(t, splitPath("a..b"))
	assert.Nil(t, splitPath("a[x]"))
	assert.Nil(t, splitPath("a[1"))
	assert.NotNil(t, splitPath("a.b[0].c"))
}
