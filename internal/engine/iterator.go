package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandemhq/tandem/internal/condition"
	"github.com/tandemhq/tandem/internal/connectors"
	"github.com/tandemhq/tandem/internal/expressions"
	"github.com/tandemhq/tandem/internal/logging"
	"github.com/tandemhq/tandem/internal/resolver"
	"github.com/tandemhq/tandem/internal/store"
	"github.com/tandemhq/tandem/pkg/schema"
)

// StepClass groups capabilities by the lifecycle phase they drive. The
// delivery and signature classes advance the run through the
// ready/sending/sent/signing/signed chain; everything else runs in place.
type StepClass int

const (
	ClassGeneric StepClass = iota
	ClassDelivery
	ClassSignature
)

func classifyCapability(key string) StepClass {
	switch {
	case strings.HasPrefix(key, "email.") || strings.HasPrefix(key, "delivery."):
		return ClassDelivery
	case strings.HasPrefix(key, "esign.") || strings.HasPrefix(key, "sign."):
		return ClassSignature
	}
	return ClassGeneric
}

// Control decisions a Controller surfaces from a checkpoint. The walk stops
// at the node boundary and returns the decision unchanged.
var (
	ErrRunCanceled = errors.New("run canceled by signal")
	ErrRunPaused   = errors.New("run paused by signal")
)

// Controller is the runtime's hook into a walk. Checkpoint is called before
// every top-level node and is the only place signals take effect; the other
// callbacks let the runtime persist trigger output and advance the delivery
// status chain with proper phase timings.
type Controller interface {
	Checkpoint(ctx context.Context, nodeID string, stepsDone int) error
	TriggerCompleted(ctx context.Context, out map[string]any) error
	StepStarting(ctx context.Context, class StepClass) error
	StepSucceeded(ctx context.Context, class StepClass) error
}

// Iterator walks one workflow graph per run: trigger first, then actions,
// branches and loops in position order, persisting one ExecutionStep row per
// node entered (the trigger produces none; its output becomes the trigger
// root of the resolution context).
type Iterator struct {
	registry   *connectors.Registry
	conditions *condition.Evaluator
	exprs      *expressions.Evaluator
	store      store.Store
	log        *slog.Logger
}

// NewIterator creates an Iterator. A nil logger falls back to slog.Default.
func NewIterator(registry *connectors.Registry, conditions *condition.Evaluator, exprs *expressions.Evaluator, st store.Store, log *slog.Logger) *Iterator {
	if log == nil {
		log = slog.Default()
	}
	return &Iterator{
		registry:   registry,
		conditions: conditions,
		exprs:      exprs,
		store:      st,
		log:        log,
	}
}

// WalkParams configures one walk over a run's graph.
type WalkParams struct {
	Execution  *store.Execution
	Definition *schema.WorkflowDefinition
	Context    *resolver.Context
	Controller Controller

	// StartAt resumes the walk at a top-level node id; empty starts at the
	// trigger. NextPosition is the first step position to assign (resume
	// passes one past the highest persisted position).
	StartAt      string
	NextPosition int
	StepsDone    int

	// Untaken carries branch decisions already persisted before a resume:
	// targets of non-chosen rules, which sequential flow passes over
	// without a step row.
	Untaken map[string]bool
}

type walk struct {
	it   *Iterator
	ex   *store.Execution
	def  *schema.WorkflowDefinition
	rc   *resolver.Context
	ctrl Controller
	skip map[string]bool

	mu   sync.Mutex
	pos  int // last assigned step position
	done int // terminal step rows written
}

// Run executes the walk. It returns nil when the graph completed or a
// stop-before directive halted it cleanly, a control decision from the
// Controller (ErrRunCanceled, ErrRunPaused), or the error that failed the
// run. A recoverable executor error carries ErrCodeNeedsReview.
func (it *Iterator) Run(ctx context.Context, p WalkParams) error {
	w := &walk{
		it:   it,
		ex:   p.Execution,
		def:  p.Definition,
		rc:   p.Context,
		ctrl: p.Controller,
		skip: make(map[string]bool, len(p.Execution.SkipNodes)),
		pos:  p.NextPosition - 1,
		done: p.StepsDone,
	}
	if w.pos < 0 {
		w.pos = 0
	}
	for _, id := range p.Execution.SkipNodes {
		w.skip[id] = true
	}
	untaken := make(map[string]bool, len(p.Untaken))
	for id, v := range p.Untaken {
		untaken[id] = v
	}

	order := nodesByPosition(p.Definition.Nodes)

	start := 0
	if p.StartAt == "" {
		trig := p.Definition.TriggerNode()
		if trig == nil {
			return schema.NewError(schema.ErrCodeValidation,
				"workflow definition has no trigger node")
		}
		out, err := w.execTrigger(ctx, trig)
		if err != nil {
			return err
		}
		w.rc.Trigger = out
		if err := w.ctrl.TriggerCompleted(ctx, out); err != nil {
			return err
		}
	} else {
		start = indexOfNode(order, p.StartAt)
		if start < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"resume node %q not found in workflow definition", p.StartAt)
		}
	}

	for idx := start; idx >= 0 && idx < len(order); {
		node := &order[idx]
		if node.Kind == schema.NodeKindTrigger || untaken[node.ID] {
			idx++
			continue
		}
		if w.ex.StopBefore != "" && node.ID == w.ex.StopBefore {
			w.it.log.Info("stopping before node",
				"execution_id", w.ex.ID, "node_id", node.ID)
			return nil
		}
		if err := w.ctrl.Checkpoint(ctx, node.ID, w.stepsDone()); err != nil {
			return err
		}

		next, err := w.execNode(ctx, node, w.rc, nil)
		if err != nil {
			return err
		}
		markUntaken(untaken, node, next)
		if next == "" {
			idx++
			continue
		}
		idx = indexOfNode(order, next)
		if idx < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"branch target %q not found in workflow definition", next).
				WithNode(node.ID)
		}
	}
	return nil
}

// markUntaken records the arms a decided branch did not take; sequential
// flow passes over them without a step row.
func markUntaken(untaken map[string]bool, node *schema.Node, next string) {
	if node.Kind != schema.NodeKindBranch {
		return
	}
	for i := range node.Branches {
		if t := node.Branches[i].Next; t != "" && t != next {
			untaken[t] = true
		}
	}
}

// execNode runs one node and returns the id of an explicit successor
// (branch jump) or "" for the sequential successor. collect, when non-nil,
// receives node id -> data_out for loop result assembly.
func (w *walk) execNode(ctx context.Context, node *schema.Node, rc *resolver.Context, collect map[string]any) (string, error) {
	switch node.Kind {
	case schema.NodeKindAction:
		out, err := w.runStep(ctx, node, rc)
		if err != nil {
			return "", err
		}
		if collect != nil && out != nil {
			collect[node.ID] = out
		}
		return "", nil
	case schema.NodeKindBranch:
		return w.runBranch(ctx, node, rc)
	case schema.NodeKindLoop:
		out, err := w.runLoop(ctx, node, rc)
		if err != nil {
			return "", err
		}
		if collect != nil && out != nil {
			collect[node.ID] = out
		}
		return "", nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"unknown node kind %q", node.Kind).WithNode(node.ID)
	}
}

func (w *walk) execTrigger(ctx context.Context, trig *schema.Node) (map[string]any, error) {
	exec, err := w.it.registry.Get(trig.Capability)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityUnknown,
			"trigger capability %q is not registered", trig.Capability).
			WithNode(trig.ID).WithCause(err)
	}
	params := resolver.ResolveParams(trig.Params, w.rc)
	out, err := exec.Execute(ctx, connectors.ExecutionInput{
		Params: params,
		Run:    w.runContext(w.rc),
	})
	if err != nil {
		return nil, w.stepError(trig, err)
	}
	w.it.log.Info("trigger executed",
		"execution_id", w.ex.ID, "node_id", trig.ID, "capability", trig.Capability)
	return out, nil
}

// runStep executes one action node: create the step row, resolve params,
// delegate to the executor, persist the outcome. Skipped nodes get a row
// with status skipped and no execution.
func (w *walk) runStep(ctx context.Context, node *schema.Node, rc *resolver.Context) (map[string]any, error) {
	ctx = logging.WithNodeID(ctx, node.ID)
	started := time.Now().UTC()
	params := resolver.ResolveParams(node.Params, rc)
	step := &store.ExecutionStep{
		ID:          uuid.NewString(),
		ExecutionID: w.ex.ID,
		NodeID:      node.ID,
		Capability:  node.Capability,
		Status:      schema.StepStatusRunning,
		Position:    w.nextPos(),
		DataIn:      params,
		StartedAt:   started,
	}

	if w.skip[node.ID] {
		step.Status = schema.StepStatusSkipped
		step.CompletedAt = &started
		if err := w.it.store.CreateStep(ctx, step); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "persist step").WithCause(err)
		}
		w.incDone()
		w.it.log.Info("step skipped", "execution_id", w.ex.ID, "node_id", node.ID)
		return nil, nil
	}

	if err := w.it.store.CreateStep(ctx, step); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "persist step").WithCause(err)
	}

	exec, err := w.it.registry.Get(node.Capability)
	if err != nil {
		ferr := schema.NewErrorf(schema.ErrCodeCapabilityUnknown,
			"capability %q is not registered", node.Capability).WithNode(node.ID)
		w.failStep(ctx, step, started, ferr)
		return nil, ferr
	}

	class := classifyCapability(node.Capability)
	if err := w.ctrl.StepStarting(ctx, class); err != nil {
		return nil, err
	}

	var out map[string]any
	if w.ex.DryRun && exec.SideEffecting() {
		out = map[string]any{
			"dry_run":    true,
			"simulated":  true,
			"capability": node.Capability,
		}
	} else {
		out, err = exec.Execute(ctx, connectors.ExecutionInput{
			Params: params,
			Run:    w.runContext(rc),
		})
	}
	if err != nil {
		ferr := w.stepError(node, err)
		w.failStep(ctx, step, started, ferr)
		return nil, ferr
	}

	completed := time.Now().UTC()
	duration := completed.Sub(started).Milliseconds()
	success := schema.StepStatusSuccess
	if uerr := w.it.store.UpdateStep(ctx, step.ID, store.StepUpdate{
		Status:      &success,
		DataOut:     out,
		CompletedAt: &completed,
		DurationMs:  &duration,
	}); uerr != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "persist step outcome").WithCause(uerr)
	}

	rc.AddStepOutput(node.ID, out)
	w.incDone()
	if err := w.ctrl.StepSucceeded(ctx, class); err != nil {
		return nil, err
	}
	w.it.log.Info("step completed",
		"execution_id", w.ex.ID, "node_id", node.ID,
		"capability", node.Capability, "duration_ms", duration)
	return out, nil
}

// runBranch evaluates rules in declared order; the first rule whose
// condition holds (a nil condition is the unconditional default) names the
// successor. No match and no default proceeds sequentially with a warning.
func (w *walk) runBranch(ctx context.Context, node *schema.Node, rc *resolver.Context) (string, error) {
	started := time.Now().UTC()
	capability := node.Capability
	if capability == "" {
		capability = "branch"
	}
	step := &store.ExecutionStep{
		ID:          uuid.NewString(),
		ExecutionID: w.ex.ID,
		NodeID:      node.ID,
		Capability:  capability,
		Status:      schema.StepStatusRunning,
		Position:    w.nextPos(),
		StartedAt:   started,
	}
	if err := w.it.store.CreateStep(ctx, step); err != nil {
		return "", schema.NewError(schema.ErrCodeStore, "persist step").WithCause(err)
	}

	var chosen *schema.BranchRule
	for i := range node.Branches {
		rule := &node.Branches[i]
		if rule.Condition == nil || w.it.conditions.Evaluate(ctx, rule.Condition, rc) {
			chosen = rule
			break
		}
	}

	next := ""
	out := map[string]any{"matched": false}
	if chosen != nil {
		next = chosen.Next
		out = map[string]any{"matched": true, "label": chosen.Label, "next": chosen.Next}
	} else {
		w.warn(ctx, node.ID, schema.LogDomainBranch,
			"no branch rule matched and no default is declared; continuing sequentially", nil)
	}

	completed := time.Now().UTC()
	duration := completed.Sub(started).Milliseconds()
	status := schema.StepStatusSuccess
	update := store.StepUpdate{
		Status:      &status,
		DataOut:     out,
		CompletedAt: &completed,
		DurationMs:  &duration,
	}
	if w.skip[node.ID] {
		// A skipped branch still routes; only its row is marked skipped and
		// its output withheld from later steps.
		status = schema.StepStatusSkipped
		update.DataOut = nil
	}
	if err := w.it.store.UpdateStep(ctx, step.ID, update); err != nil {
		return "", schema.NewError(schema.ErrCodeStore, "persist step outcome").WithCause(err)
	}
	if status == schema.StepStatusSuccess {
		rc.AddStepOutput(node.ID, out)
	}
	w.incDone()
	w.it.log.Info("branch evaluated",
		"execution_id", w.ex.ID, "node_id", node.ID, "matched", chosen != nil, "next", next)
	return next, nil
}

// walkList runs a nested node list (loop body) sequentially against rc.
// Nested walks observe context cancellation but not signal checkpoints;
// signals take effect at top-level node boundaries only.
func (w *walk) walkList(ctx context.Context, nodes []schema.Node, rc *resolver.Context, collect map[string]any) error {
	order := nodesByPosition(nodes)
	untaken := make(map[string]bool)
	for idx := 0; idx >= 0 && idx < len(order); {
		if err := ctx.Err(); err != nil {
			return ErrRunCanceled
		}
		node := &order[idx]
		if untaken[node.ID] {
			idx++
			continue
		}
		next, err := w.execNode(ctx, node, rc, collect)
		if err != nil {
			return err
		}
		markUntaken(untaken, node, next)
		if next == "" {
			idx++
			continue
		}
		idx = indexOfNode(order, next)
		if idx < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"branch target %q not found in loop body", next).WithNode(node.ID)
		}
	}
	return nil
}

func (w *walk) runContext(rc *resolver.Context) connectors.RunContext {
	return connectors.RunContext{
		ExecutionID:   w.ex.ID,
		WorkflowID:    w.ex.WorkflowID,
		CorrelationID: w.ex.CorrelationID,
		TriggerOutput: rc.Trigger,
		StepOutputs:   rc.Steps,
		DryRun:        w.ex.DryRun,
	}
}

// stepError normalizes an executor error, preserving a TandemError's code
// (NEEDS_REVIEW in particular routes the run to review, not failure).
func (w *walk) stepError(node *schema.Node, err error) error {
	var te *schema.TandemError
	if errors.As(err, &te) {
		return te.WithNode(node.ID)
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed,
		"step %s (%s) failed: %s", node.ID, node.Capability, err.Error()).
		WithNode(node.ID).WithCause(err)
}

func (w *walk) failStep(ctx context.Context, step *store.ExecutionStep, started time.Time, ferr error) {
	completed := time.Now().UTC()
	duration := completed.Sub(started).Milliseconds()
	status := schema.StepStatusFailure
	human, tech := errorMessages(ferr)
	if err := w.it.store.UpdateStep(ctx, step.ID, store.StepUpdate{
		Status:      &status,
		ErrorHuman:  &human,
		ErrorTech:   &tech,
		CompletedAt: &completed,
		DurationMs:  &duration,
	}); err != nil {
		w.it.log.Error("persist step failure",
			"execution_id", w.ex.ID, "step_id", step.ID, "error", err)
	}
	w.incDone()
	w.warn(ctx, step.NodeID, schema.LogDomainConnector, human,
		map[string]any{"capability": step.Capability, "technical": tech})
}

// warn writes a warning to both the process log and the run's queryable log.
func (w *walk) warn(ctx context.Context, nodeID, domain, msg string, fields map[string]any) {
	w.it.log.Warn(msg, "execution_id", w.ex.ID, "node_id", nodeID, "domain", domain)
	entry := &store.ExecutionLog{
		ExecutionID: w.ex.ID,
		NodeID:      nodeID,
		Level:       schema.LogLevelWarning,
		Domain:      domain,
		Message:     msg,
		Fields:      fields,
	}
	if err := w.it.store.AppendLog(ctx, entry); err != nil {
		w.it.log.Error("append execution log", "execution_id", w.ex.ID, "error", err)
	}
}

func (w *walk) nextPos() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pos++
	return w.pos
}

func (w *walk) incDone() {
	w.mu.Lock()
	w.done++
	w.mu.Unlock()
}

func (w *walk) stepsDone() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// errorMessages splits an error into its human and technical halves.
func errorMessages(err error) (human, tech string) {
	var te *schema.TandemError
	if errors.As(err, &te) {
		human = te.HumanMessage
		if human == "" {
			human = te.Message
		}
		tech = te.Message
		if te.Cause != nil {
			tech = tech + ": " + te.Cause.Error()
		}
		return human, tech
	}
	return "The step could not be completed.", err.Error()
}

func nodesByPosition(nodes []schema.Node) []schema.Node {
	order := make([]schema.Node, len(nodes))
	copy(order, nodes)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].Position < order[j].Position
	})
	return order
}

func indexOfNode(nodes []schema.Node, id string) int {
	for i := range nodes {
		if nodes[i].ID == id {
			return i
		}
	}
	return -1
}
