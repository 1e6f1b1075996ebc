package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tandemhq/tandem/internal/connectors"
	"github.com/tandemhq/tandem/internal/resolver"
	"github.com/tandemhq/tandem/pkg/schema"
)

// Validator performs the dry validation pass a run goes through before it
// leaves queued. It walks the workflow graph without executing anything and
// collects every issue it can prove from the definition, the registry and
// the trigger payload.
type Validator struct {
	registry *connectors.Registry
	params   *ParamValidator
	log      *slog.Logger
}

func NewValidator(registry *connectors.Registry, log *slog.Logger) *Validator {
	return &Validator{
		registry: registry,
		params:   NewParamValidator(),
		log:      log.With("component", "preflight"),
	}
}

// Check validates def against triggerData and returns the aggregated report.
// Blocking issues hold the run in needs_review; warnings are informational.
func (v *Validator) Check(ctx context.Context, def *schema.WorkflowDefinition, triggerData map[string]any) (*schema.PreflightReport, error) {
	report := &schema.PreflightReport{}

	v.checkStructure(def, report)

	sc := newScope(triggerData)
	if trig := def.TriggerNode(); trig != nil {
		v.checkCapability(ctx, trig, sc, report)
	}
	v.checkNodes(ctx, def.Nodes, sc, report)

	report.RecommendedActions = recommend(report)

	v.log.Info("preflight completed",
		"blocking", report.BlockingCount,
		"warnings", report.WarningCount)
	return report, nil
}

// checkStructure validates the graph shape: trigger presence, unique node
// IDs, branch targets and defaults.
func (v *Validator) checkStructure(def *schema.WorkflowDefinition, report *schema.PreflightReport) {
	if def.TriggerNode() == nil {
		report.Add(schema.PreflightIssue{
			Code:         schema.IssueNoTrigger,
			Domain:       schema.LogDomainEngine,
			MessageHuman: "This workflow has no trigger, so it can never start on its own.",
			MessageTech:  "definition contains no node of kind trigger",
			Severity:     schema.SeverityBlocking,
		})
	}

	seen := make(map[string]bool)
	var visit func(nodes []schema.Node)
	visit = func(nodes []schema.Node) {
		for i := range nodes {
			node := &nodes[i]
			if seen[node.ID] {
				report.Add(schema.PreflightIssue{
					Code:         schema.IssueDuplicateNodeID,
					Domain:       schema.LogDomainEngine,
					MessageHuman: fmt.Sprintf("Two steps share the ID %q. Step IDs must be unique.", node.ID),
					MessageTech:  fmt.Sprintf("duplicate node id %q", node.ID),
					NodeID:       node.ID,
					Severity:     schema.SeverityBlocking,
				})
			}
			seen[node.ID] = true
			if node.Loop != nil {
				visit(node.Loop.Steps)
			}
		}
	}
	visit(def.Nodes)

	var branches func(nodes []schema.Node)
	branches = func(nodes []schema.Node) {
		for i := range nodes {
			node := &nodes[i]
			if node.Kind == schema.NodeKindBranch {
				hasDefault := false
				for _, rule := range node.Branches {
					if rule.Condition == nil {
						hasDefault = true
					}
					if rule.Next != "" && def.NodeByID(rule.Next) == nil {
						report.Add(schema.PreflightIssue{
							Code:         schema.IssueBranchTargetabsent,
							Domain:       schema.LogDomainBranch,
							MessageHuman: fmt.Sprintf("The branch %q points at a step %q that does not exist.", node.ID, rule.Next),
							MessageTech:  fmt.Sprintf("branch rule target %q not found", rule.Next),
							NodeID:       node.ID,
							Severity:     schema.SeverityBlocking,
						})
					}
				}
				if !hasDefault {
					report.Add(schema.PreflightIssue{
						Code:         schema.IssueBranchNoDefault,
						Domain:       schema.LogDomainBranch,
						MessageHuman: fmt.Sprintf("The branch %q has no default path. Runs that match no rule continue to the next step.", node.ID),
						MessageTech:  "branch has no rule with nil condition",
						NodeID:       node.ID,
						Severity:     schema.SeverityWarning,
					})
				}
			}
			if node.Loop != nil {
				branches(node.Loop.Steps)
			}
		}
	}
	branches(def.Nodes)
}

// checkNodes walks a node list in position order, validating each node
// against the scope of references reachable at that point in the run.
func (v *Validator) checkNodes(ctx context.Context, nodes []schema.Node, sc *scope, report *schema.PreflightReport) {
	for i := range nodes {
		node := &nodes[i]
		switch node.Kind {
		case schema.NodeKindTrigger:
			// Structure pass already covered the trigger.
		case schema.NodeKindAction:
			v.checkAction(ctx, node, sc, report)
		case schema.NodeKindBranch:
			v.checkReferences(node.ID, branchConditionValues(node), sc, report)
		case schema.NodeKindLoop:
			v.checkLoop(ctx, node, sc, report)
		}
		sc.known[node.ID] = true
	}
}

func (v *Validator) checkAction(ctx context.Context, node *schema.Node, sc *scope, report *schema.PreflightReport) {
	exec := v.checkCapability(ctx, node, sc, report)
	v.checkReferences(node.ID, node.Params, sc, report)
	if exec == nil {
		return
	}

	// Parameters are only checked when every reference in them resolves
	// against what preflight knows. A param that depends on a prior step's
	// output cannot be judged before the run.
	resolved, concrete := sc.resolve(node.Params)
	if !concrete {
		return
	}
	if err := v.params.Validate(resolved, exec.ParameterSchema()); err != nil {
		report.Add(paramIssue(node, err))
	}
	if err := exec.Validate(resolved); err != nil {
		report.Add(paramIssue(node, err))
	}
	if checker, ok := exec.(connectors.PermissionChecker); ok {
		if err := checker.CheckPermission(ctx, resolved); err != nil {
			report.Add(permissionIssue(node, err))
		}
	}
	if strings.HasPrefix(node.Capability, "esign.") || strings.HasPrefix(node.Capability, "sign.") {
		if signers, _ := resolved["signers"].([]any); len(signers) == 0 {
			report.Add(schema.PreflightIssue{
				Code:         schema.IssueMissingSigners,
				Domain:       schema.LogDomainConnector,
				MessageHuman: fmt.Sprintf("The signature step %q has no signers.", node.ID),
				MessageTech:  "signers parameter is empty or missing",
				NodeID:       node.ID,
				Severity:     schema.SeverityBlocking,
			})
		}
	}
}

func (v *Validator) checkLoop(ctx context.Context, node *schema.Node, sc *scope, report *schema.PreflightReport) {
	spec := node.Loop
	if spec == nil || spec.ItemsRef == "" {
		report.Add(schema.PreflightIssue{
			Code:         schema.IssueLoopItemsNotList,
			Domain:       schema.LogDomainLoop,
			MessageHuman: fmt.Sprintf("The loop %q does not say what to iterate over.", node.ID),
			MessageTech:  "loop items_ref is empty",
			NodeID:       node.ID,
			Severity:     schema.SeverityBlocking,
		})
		return
	}

	v.checkReferences(node.ID, spec.ItemsRef, sc, report)
	if items, concrete := sc.resolve(map[string]any{"items": spec.ItemsRef}); concrete && !isEngineExpression(spec.ItemsRef) {
		switch items["items"].(type) {
		case []any, []map[string]any, []string, nil:
		default:
			report.Add(schema.PreflightIssue{
				Code:         schema.IssueLoopItemsNotList,
				Domain:       schema.LogDomainLoop,
				MessageHuman: fmt.Sprintf("The loop %q points at a value that is not a list. It will run zero times.", node.ID),
				MessageTech:  fmt.Sprintf("items_ref resolves to %T, want a sequence", items["items"]),
				NodeID:       node.ID,
				Severity:     schema.SeverityWarning,
			})
		}
	}

	child := sc.child(loopItemName(spec))
	v.checkNodes(ctx, spec.Steps, child, report)
}

// checkCapability verifies the node's capability is registered and returns
// the executor when it is.
func (v *Validator) checkCapability(ctx context.Context, node *schema.Node, sc *scope, report *schema.PreflightReport) connectors.StepExecutor {
	if node.Capability == "" {
		report.Add(schema.PreflightIssue{
			Code:         schema.IssueMissingParameter,
			Domain:       schema.LogDomainEngine,
			MessageHuman: fmt.Sprintf("The step %q does not name a capability.", node.ID),
			MessageTech:  "node has empty capability key",
			NodeID:       node.ID,
			Severity:     schema.SeverityBlocking,
		})
		return nil
	}
	exec, err := v.registry.Get(node.Capability)
	if err != nil {
		report.Add(schema.PreflightIssue{
			Code:         schema.IssueCapabilityUnknown,
			Domain:       schema.LogDomainConnector,
			MessageHuman: fmt.Sprintf("The step %q uses %q, which is not installed.", node.ID, node.Capability),
			MessageTech:  fmt.Sprintf("no executor registered for %q", node.Capability),
			NodeID:       node.ID,
			Severity:     schema.SeverityBlocking,
		})
		return nil
	}
	return exec
}

// checkReferences flags {{...}} references whose root or step source cannot
// exist when the node runs.
func (v *Validator) checkReferences(nodeID string, value any, sc *scope, report *schema.PreflightReport) {
	for _, ref := range resolver.ExtractReferences(value) {
		if sc.reachable(ref) {
			continue
		}
		report.Add(schema.PreflightIssue{
			Code:         schema.IssueMissingReference,
			Domain:       schema.LogDomainResolver,
			MessageHuman: fmt.Sprintf("The step %q refers to {{%s}}, which will not exist when it runs.", nodeID, ref),
			MessageTech:  fmt.Sprintf("unresolvable reference %q", ref),
			NodeID:       nodeID,
			Severity:     schema.SeverityBlocking,
		})
	}
}

func paramIssue(node *schema.Node, err error) schema.PreflightIssue {
	code := schema.IssueSchemaViolation
	if node.Capability == "email.send" {
		code = schema.IssueInvalidRecipient
	}
	human, tech := issueMessages(err)
	return schema.PreflightIssue{
		Code:         code,
		Domain:       schema.LogDomainConnector,
		MessageHuman: fmt.Sprintf("The step %q has invalid parameters: %s", node.ID, human),
		MessageTech:  tech,
		NodeID:       node.ID,
		Severity:     schema.SeverityBlocking,
	}
}

func permissionIssue(node *schema.Node, err error) schema.PreflightIssue {
	code := schema.IssuePermissionDenied
	if te, ok := err.(*schema.TandemError); ok && te.Details["reason"] == "oauth_expired" {
		code = schema.IssueOAuthExpired
	}
	human, tech := issueMessages(err)
	return schema.PreflightIssue{
		Code:         code,
		Domain:       schema.LogDomainConnector,
		MessageHuman: fmt.Sprintf("The step %q cannot access its provider: %s", node.ID, human),
		MessageTech:  tech,
		NodeID:       node.ID,
		Severity:     schema.SeverityBlocking,
	}
}

func issueMessages(err error) (human, tech string) {
	if te, ok := err.(*schema.TandemError); ok {
		human = te.HumanMessage
		if human == "" {
			human = te.Message
		}
		return human, te.Message
	}
	return err.Error(), err.Error()
}

// branchConditionValues gathers every Value operand of a branch node's
// condition tree so references inside them can be scope-checked.
func branchConditionValues(node *schema.Node) []any {
	var values []any
	var visit func(c *schema.Condition)
	visit = func(c *schema.Condition) {
		if c == nil {
			return
		}
		if c.Left != nil {
			values = append(values, c.Left)
		}
		if c.Right != nil {
			values = append(values, c.Right)
		}
		for i := range c.Conditions {
			visit(&c.Conditions[i])
		}
	}
	for _, rule := range node.Branches {
		visit(rule.Condition)
	}
	return values
}

// scope tracks which references are provably reachable at a point in the
// graph walk: known step IDs, loop locals and the trigger payload.
type scope struct {
	trigger map[string]any
	known   map[string]bool
	locals  map[string]bool
}

func newScope(triggerData map[string]any) *scope {
	return &scope{
		trigger: triggerData,
		known:   make(map[string]bool),
		locals:  make(map[string]bool),
	}
}

// child derives the scope visible inside a loop body: the parent's steps
// plus the iteration variables.
func (s *scope) child(item string) *scope {
	c := newScope(s.trigger)
	for k := range s.known {
		c.known[k] = true
	}
	for k := range s.locals {
		c.locals[k] = true
	}
	c.locals[item] = true
	c.locals[item+"_index"] = true
	c.locals[item+"_number"] = true
	return c
}

// reachable reports whether a reference root can exist when the node runs.
// Paths under a reachable root are never judged statically except trigger
// paths, which are checked against the provided payload.
func (s *scope) reachable(ref string) bool {
	head, rest, _ := strings.Cut(ref, ".")
	if idx := strings.IndexByte(head, '['); idx >= 0 {
		head = head[:idx]
	}
	if s.locals[head] {
		return true
	}
	switch head {
	case "trigger":
		if s.trigger == nil || rest == "" {
			return true
		}
		first, _, _ := strings.Cut(rest, ".")
		if idx := strings.IndexByte(first, '['); idx >= 0 {
			first = first[:idx]
		}
		_, ok := s.trigger[first]
		return ok
	case "step", "steps":
		id, _, _ := strings.Cut(rest, ".")
		if idx := strings.IndexByte(id, '['); idx >= 0 {
			id = id[:idx]
		}
		return s.known[id]
	case "flow", "execution", "env", "now", "uuid":
		return true
	}
	return false
}

// resolve substitutes references against the trigger payload only. The
// second return is false when any reference depends on run-time state, in
// which case the params cannot be validated before the run.
func (s *scope) resolve(params map[string]any) (map[string]any, bool) {
	for _, ref := range resolver.ExtractReferences(params) {
		head, _, _ := strings.Cut(ref, ".")
		if head != "trigger" {
			return nil, false
		}
	}
	rc := resolver.NewContext()
	rc.Trigger = s.trigger
	resolved := resolver.ResolveParams(params, rc)
	return resolved, len(resolver.ExtractReferences(resolved)) == 0
}

func isEngineExpression(s string) bool {
	return strings.HasPrefix(s, "cel:") || strings.HasPrefix(s, "jq:") || strings.HasPrefix(s, "expr:")
}

func loopItemName(spec *schema.LoopSpec) string {
	if spec.ItemName != "" {
		return spec.ItemName
	}
	return "item"
}
