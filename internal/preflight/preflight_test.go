package preflight

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemhq/tandem/internal/connectors"
	"github.com/tandemhq/tandem/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubExec is a configurable test executor.
type stubExec struct {
	key         string
	paramSchema string
	validateErr error
	permErr     error
}

func (s *stubExec) Key() string         { return s.key }
func (s *stubExec) Description() string { return "stub" }
func (s *stubExec) SideEffecting() bool { return false }
func (s *stubExec) ParameterSchema() json.RawMessage {
	if s.paramSchema == "" {
		return nil
	}
	return json.RawMessage(s.paramSchema)
}
func (s *stubExec) Validate(params map[string]any) error { return s.validateErr }
func (s *stubExec) Execute(ctx context.Context, in connectors.ExecutionInput) (map[string]any, error) {
	return map[string]any{}, nil
}
func (s *stubExec) CheckPermission(ctx context.Context, params map[string]any) error {
	return s.permErr
}

func newTestValidator(t *testing.T, extra ...connectors.StepExecutor) *Validator {
	t.Helper()
	reg := connectors.NewRegistry()
	require.NoError(t, connectors.RegisterBuiltins(reg, connectors.HTTPConfig{}, testLogger()))
	for _, e := range extra {
		require.NoError(t, reg.Register(e))
	}
	return NewValidator(reg, testLogger())
}

func triggerNode() schema.Node {
	return schema.Node{ID: "start", Kind: schema.NodeKindTrigger, Capability: "trigger.manual", Position: 0}
}

func codes(report *schema.PreflightReport) []string {
	var out []string
	for _, issue := range report.Issues() {
		out = append(out, issue.Code)
	}
	return out
}

func actionNames(report *schema.PreflightReport) []string {
	var out []string
	for _, a := range report.RecommendedActions {
		out = append(out, a.Action)
	}
	return out
}

func TestCheckCleanWorkflowPasses(t *testing.T) {
	v := newTestValidator(t)
	def := &schema.WorkflowDefinition{Nodes: []schema.Node{
		triggerNode(),
		{ID: "log", Kind: schema.NodeKindAction, Capability: "util.log", Position: 1,
			Params: map[string]any{"message": "amount is {{trigger.amount}}"}},
		{ID: "notify", Kind: schema.NodeKindAction, Capability: "email.send", Position: 2,
			Params: map[string]any{"to": "ops@example.com", "subject": "done", "body": "{{step.log.message}}"}},
	}}

	report, err := v.Check(context.Background(), def, map[string]any{"amount": 42})
	require.NoError(t, err)
	assert.False(t, report.Blocked())
	assert.Zero(t, report.BlockingCount)
	assert.Zero(t, report.WarningCount)
	assert.Empty(t, report.RecommendedActions)
}

func TestCheckFlagsMissingTriggerAndDuplicateIDs(t *testing.T) {
	v := newTestValidator(t)
	def := &schema.WorkflowDefinition{Nodes: []schema.Node{
		{ID: "log", Kind: schema.NodeKindAction, Capability: "util.log", Position: 0,
			Params: map[string]any{"message": "a"}},
		{ID: "log", Kind: schema.NodeKindAction, Capability: "util.log", Position: 1,
			Params: map[string]any{"message": "b"}},
	}}

	report, err := v.Check(context.Background(), def, nil)
	require.NoError(t, err)
	assert.True(t, report.Blocked())
	assert.Contains(t, codes(report), schema.IssueNoTrigger)
	assert.Contains(t, codes(report), schema.IssueDuplicateNodeID)
	assert.Contains(t, actionNames(report), "add_trigger")
	assert.Contains(t, actionNames(report), "rename_step")
}

func TestCheckFlagsUnknownCapability(t *testing.T) {
	v := newTestValidator(t)
	def := &schema.WorkflowDefinition{Nodes: []schema.Node{
		triggerNode(),
		{ID: "crm", Kind: schema.NodeKindAction, Capability: "crm.update", Position: 1},
	}}

	report, err := v.Check(context.Background(), def, nil)
	require.NoError(t, err)
	require.True(t, report.Blocked())

	issues := report.Groups[schema.LogDomainConnector]
	require.Len(t, issues, 1)
	assert.Equal(t, schema.IssueCapabilityUnknown, issues[0].Code)
	assert.Equal(t, "crm", issues[0].NodeID)

	require.Contains(t, actionNames(report), "install_capability")
	for _, a := range report.RecommendedActions {
		if a.Action == "install_capability" {
			assert.Equal(t, "crm", a.TargetNodeID)
		}
	}
}

func TestCheckBranchTargetsAndDefault(t *testing.T) {
	v := newTestValidator(t)
	cond := &schema.Condition{Operator: schema.OpGreaterThan, Left: "{{trigger.amount}}", Right: 100}
	def := &schema.WorkflowDefinition{Nodes: []schema.Node{
		triggerNode(),
		{ID: "route", Kind: schema.NodeKindBranch, Position: 1, Branches: []schema.BranchRule{
			{Label: "high", Condition: cond, Next: "ghost"},
		}},
		{ID: "log", Kind: schema.NodeKindAction, Capability: "util.log", Position: 2,
			Params: map[string]any{"message": "x"}},
	}}

	report, err := v.Check(context.Background(), def, map[string]any{"amount": 1})
	require.NoError(t, err)
	assert.True(t, report.Blocked())
	assert.Contains(t, codes(report), schema.IssueBranchTargetabsent)
	assert.Contains(t, codes(report), schema.IssueBranchNoDefault)
	assert.Equal(t, 1, report.WarningCount)
}

func TestCheckFlagsForwardStepReference(t *testing.T) {
	v := newTestValidator(t)
	def := &schema.WorkflowDefinition{Nodes: []schema.Node{
		triggerNode(),
		{ID: "early", Kind: schema.NodeKindAction, Capability: "util.log", Position: 1,
			Params: map[string]any{"message": "{{step.late.out}}"}},
		{ID: "late", Kind: schema.NodeKindAction, Capability: "util.log", Position: 2,
			Params: map[string]any{"message": "{{step.early.message}}"}},
	}}

	report, err := v.Check(context.Background(), def, nil)
	require.NoError(t, err)
	require.True(t, report.Blocked())

	issues := report.Groups[schema.LogDomainResolver]
	require.Len(t, issues, 1)
	assert.Equal(t, schema.IssueMissingReference, issues[0].Code)
	assert.Equal(t, "early", issues[0].NodeID)
	assert.Contains(t, actionNames(report), "fix_reference")
}

func TestCheckTriggerPathsAgainstPayload(t *testing.T) {
	v := newTestValidator(t)
	def := &schema.WorkflowDefinition{Nodes: []schema.Node{
		triggerNode(),
		{ID: "log", Kind: schema.NodeKindAction, Capability: "util.log", Position: 1,
			Params: map[string]any{"message": "{{trigger.customer.name}}"}},
	}}

	// Payload missing the referenced top-level key.
	report, err := v.Check(context.Background(), def, map[string]any{"amount": 1})
	require.NoError(t, err)
	assert.Contains(t, codes(report), schema.IssueMissingReference)

	// No payload at all: trigger shape is unknown, so nothing to prove.
	report, err = v.Check(context.Background(), def, nil)
	require.NoError(t, err)
	assert.False(t, report.Blocked())
}

func TestCheckFlagsInvalidRecipient(t *testing.T) {
	v := newTestValidator(t)
	def := &schema.WorkflowDefinition{Nodes: []schema.Node{
		triggerNode(),
		{ID: "notify", Kind: schema.NodeKindAction, Capability: "email.send", Position: 1,
			Params: map[string]any{"to": "not-an-address", "subject": "hi"}},
	}}

	report, err := v.Check(context.Background(), def, nil)
	require.NoError(t, err)
	require.True(t, report.Blocked())
	assert.Contains(t, codes(report), schema.IssueInvalidRecipient)
	assert.Contains(t, actionNames(report), "fix_recipient")
}

func TestCheckSkipsValidationForRuntimeParams(t *testing.T) {
	v := newTestValidator(t)
	def := &schema.WorkflowDefinition{Nodes: []schema.Node{
		triggerNode(),
		{ID: "lookup", Kind: schema.NodeKindAction, Capability: "util.log", Position: 1,
			Params: map[string]any{"message": "x"}},
		{ID: "notify", Kind: schema.NodeKindAction, Capability: "email.send", Position: 2,
			Params: map[string]any{"to": "{{step.lookup.message}}", "subject": "hi"}},
	}}

	// The recipient depends on a prior step, so it cannot be judged yet.
	report, err := v.Check(context.Background(), def, nil)
	require.NoError(t, err)
	assert.False(t, report.Blocked())
}

func TestCheckFlagsExpiredOAuth(t *testing.T) {
	expired := schema.NewError(schema.ErrCodeValidation, "oauth token expired").
		WithDetails(map[string]any{"reason": "oauth_expired"})
	v := newTestValidator(t, &stubExec{key: "crm.update", permErr: expired})
	def := &schema.WorkflowDefinition{Nodes: []schema.Node{
		triggerNode(),
		{ID: "crm", Kind: schema.NodeKindAction, Capability: "crm.update", Position: 1,
			Params: map[string]any{"record": "123"}},
	}}

	report, err := v.Check(context.Background(), def, nil)
	require.NoError(t, err)
	require.True(t, report.Blocked())
	assert.Contains(t, codes(report), schema.IssueOAuthExpired)
	assert.Contains(t, actionNames(report), "reconnect_provider")
}

func TestCheckFlagsPermissionDenied(t *testing.T) {
	denied := schema.NewError(schema.ErrCodeValidation, "insufficient scope")
	v := newTestValidator(t, &stubExec{key: "crm.update", permErr: denied})
	def := &schema.WorkflowDefinition{Nodes: []schema.Node{
		triggerNode(),
		{ID: "crm", Kind: schema.NodeKindAction, Capability: "crm.update", Position: 1,
			Params: map[string]any{"record": "123"}},
	}}

	report, err := v.Check(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Contains(t, codes(report), schema.IssuePermissionDenied)
}

func TestCheckFlagsMissingSigners(t *testing.T) {
	v := newTestValidator(t, &stubExec{key: "esign.request"})
	def := &schema.WorkflowDefinition{Nodes: []schema.Node{
		triggerNode(),
		{ID: "sign", Kind: schema.NodeKindAction, Capability: "esign.request", Position: 1,
			Params: map[string]any{"document": "contract.pdf"}},
	}}

	report, err := v.Check(context.Background(), def, nil)
	require.NoError(t, err)
	require.True(t, report.Blocked())
	assert.Contains(t, codes(report), schema.IssueMissingSigners)
	assert.Contains(t, actionNames(report), "add_signers")

	// With signers present the step passes.
	def.Nodes[1].Params["signers"] = []any{"legal@example.com"}
	report, err = v.Check(context.Background(), def, nil)
	require.NoError(t, err)
	assert.False(t, report.Blocked())
}

func TestCheckLoopIssues(t *testing.T) {
	v := newTestValidator(t)

	t.Run("empty items ref blocks", func(t *testing.T) {
		def := &schema.WorkflowDefinition{Nodes: []schema.Node{
			triggerNode(),
			{ID: "each", Kind: schema.NodeKindLoop, Position: 1, Loop: &schema.LoopSpec{}},
		}}
		report, err := v.Check(context.Background(), def, nil)
		require.NoError(t, err)
		assert.True(t, report.Blocked())
		assert.Contains(t, codes(report), schema.IssueLoopItemsNotList)
	})

	t.Run("non-list payload warns", func(t *testing.T) {
		def := &schema.WorkflowDefinition{Nodes: []schema.Node{
			triggerNode(),
			{ID: "each", Kind: schema.NodeKindLoop, Position: 1, Loop: &schema.LoopSpec{
				ItemsRef: "{{trigger.name}}",
				Steps: []schema.Node{
					{ID: "log", Kind: schema.NodeKindAction, Capability: "util.log",
						Params: map[string]any{"message": "{{item}}"}},
				},
			}},
		}}
		report, err := v.Check(context.Background(), def, map[string]any{"name": "solo"})
		require.NoError(t, err)
		assert.False(t, report.Blocked())
		assert.Contains(t, codes(report), schema.IssueLoopItemsNotList)
		assert.Equal(t, 1, report.WarningCount)
	})

	t.Run("loop locals are in scope for nested steps", func(t *testing.T) {
		def := &schema.WorkflowDefinition{Nodes: []schema.Node{
			triggerNode(),
			{ID: "each", Kind: schema.NodeKindLoop, Position: 1, Loop: &schema.LoopSpec{
				ItemsRef: "{{trigger.rows}}",
				ItemName: "row",
				Steps: []schema.Node{
					{ID: "log", Kind: schema.NodeKindAction, Capability: "util.log",
						Params: map[string]any{"message": "{{row.id}} at {{row_index}}"}},
				},
			}},
			{ID: "after", Kind: schema.NodeKindAction, Capability: "util.log", Position: 2,
				Params: map[string]any{"message": "{{row}}"}},
		}}
		report, err := v.Check(context.Background(), def, map[string]any{"rows": []any{map[string]any{"id": 1}}})
		require.NoError(t, err)

		// Inside the loop the locals resolve; after it they do not.
		issues := report.Groups[schema.LogDomainResolver]
		require.Len(t, issues, 1)
		assert.Equal(t, "after", issues[0].NodeID)
	})
}

func TestParamValidatorSchemaViolations(t *testing.T) {
	v := NewParamValidator()
	schemaBytes := []byte(`{
		"type": "object",
		"required": ["channel"],
		"properties": {
			"channel": {"type": "string", "minLength": 1},
			"limit": {"type": "integer", "minimum": 1}
		}
	}`)

	require.NoError(t, v.Validate(map[string]any{"channel": "ops", "limit": 5}, schemaBytes))

	err := v.Validate(map[string]any{"limit": 0}, schemaBytes)
	require.Error(t, err)
	te, ok := err.(*schema.TandemError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, te.Code)
	violations, ok := te.Details["violations"].([]string)
	require.True(t, ok)
	assert.Len(t, violations, 2)

	// Empty schema accepts anything; a second call reuses the cache.
	require.NoError(t, v.Validate(map[string]any{"whatever": true}, nil))
	require.NoError(t, v.Validate(map[string]any{"channel": "x"}, schemaBytes))
}
