package engine

import (
	"context"
	"errors"
	"log/slog"
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

// Preflighter validates a workflow graph without executing adapters.
// Implemented by the preflight package; an interface here keeps the engine
// free of a dependency on validation internals.
type Preflighter interface {
	Check(ctx context.Context, def *schema.WorkflowDefinition, triggerData map[string]any) (*schema.PreflightReport, error)
}

// Runtime is the durable execution adapter: it launches runs asynchronously,
// guards the one-running-run-per-workflow invariant, delivers out-of-band
// signals at step boundaries, and reconstructs a suspended run's context so
// it can resume where it stopped.
type Runtime struct {
	store     store.Store
	registry  *connectors.Registry
	iterator  *Iterator
	fsm       *ExecutionFSM
	preflight Preflighter
	pool      *WorkerPool
	log       *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	boxes map[string]*signalBox // live runs by execution id

	slotMu sync.Mutex // serializes claiming a workflow's concurrency slot
}

// RuntimeConfig wires a Runtime.
type RuntimeConfig struct {
	Store     store.Store
	Registry  *connectors.Registry
	Exprs     *expressions.Evaluator
	Preflight Preflighter
	PoolSize  int
	Logger    *slog.Logger
}

// NewRuntime builds the adapter and its iterator. A nil logger falls back
// to slog.Default.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	conds := condition.NewEvaluator(cfg.Exprs, log)
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		store:     cfg.Store,
		registry:  cfg.Registry,
		iterator:  NewIterator(cfg.Registry, conds, cfg.Exprs, cfg.Store, log),
		fsm:       NewExecutionFSM(cfg.Store),
		preflight: cfg.Preflight,
		pool:      NewWorkerPool(cfg.PoolSize),
		log:       log,
		baseCtx:   baseCtx,
		cancel:    cancel,
		boxes:     make(map[string]*signalBox),
	}
}

// Shutdown stops accepting runs and waits for in-flight ones to reach a
// suspension point.
func (r *Runtime) Shutdown() {
	r.cancel()
	r.pool.Shutdown()
}

// PoolMetrics exposes the run pool counters.
func (r *Runtime) PoolMetrics() PoolMetrics {
	return r.pool.Metrics()
}

// Start creates and launches a run for the workflow's latest version.
// It fails with CONCURRENT_EXECUTION when another run of the workflow is
// already active; the error identifies the conflicting execution. A run
// blocked by preflight is created but held in needs_review instead of
// being scheduled.
func (r *Runtime) Start(ctx context.Context, workflowID string, opts schema.StartOptions) (*store.Execution, error) {
	wf, err := r.store.LatestWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	// A run binds to one immutable version; lock a draft on first use.
	if !wf.Locked {
		if err := r.store.LockWorkflow(ctx, wf.ID, wf.Version); err != nil {
			return nil, err
		}
		r.audit(ctx, "", opts.Actor, schema.AuditDefinitionLocked, map[string]any{
			"workflow_id": wf.ID, "version": wf.Version,
		})
	}
	return r.createRun(ctx, wf, opts, "")
}

// Retry creates a brand-new run of the same workflow version, optionally
// with an overridden trigger payload. The original execution is never
// mutated.
func (r *Runtime) Retry(ctx context.Context, executionID string, overrides schema.RetryOverrides) (*store.Execution, error) {
	orig, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !orig.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is still %s; only finished runs can be retried", orig.ID, orig.Status)
	}
	wf, err := r.store.GetWorkflow(ctx, orig.WorkflowID, orig.WorkflowVersion)
	if err != nil {
		return nil, err
	}

	opts := schema.StartOptions{
		TriggerData: orig.TriggerData,
		DryRun:      overrides.DryRun,
		SkipNodes:   orig.SkipNodes,
		StopBefore:  orig.StopBefore,
		Actor:       overrides.Actor,
		Correlation: orig.CorrelationID,
	}
	if overrides.TriggerData != nil {
		opts.TriggerData = overrides.TriggerData
	}
	ex, err := r.createRun(ctx, wf, opts, orig.ID)
	if err != nil {
		return nil, err
	}
	r.audit(ctx, ex.ID, opts.Actor, schema.AuditRunRetried, map[string]any{
		"retry_of": orig.ID,
	})
	return ex, nil
}

func (r *Runtime) createRun(ctx context.Context, wf *store.WorkflowRecord, opts schema.StartOptions, retryOf string) (*store.Execution, error) {
	if err := r.guardConcurrency(ctx, wf.ID, ""); err != nil {
		return nil, err
	}

	def := &wf.Definition

	correlation := opts.Correlation
	if correlation == "" {
		correlation = uuid.NewString()
	}
	ex := &store.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          schema.ExecutionStatusQueued,
		DryRun:          opts.DryRun,
		Actor:           opts.Actor,
		CorrelationID:   correlation,
		RetryOf:         retryOf,
		TriggerData:     opts.TriggerData,
		SkipNodes:       opts.SkipNodes,
		StopBefore:      opts.StopBefore,
		ProgressTotal:   countSteps(def),
		PhaseTimings:    StartPreflightPhase(),
	}
	if err := r.store.CreateExecution(ctx, ex); err != nil {
		return nil, err
	}

	if r.preflight != nil {
		report, err := r.preflight.Check(ctx, def, opts.TriggerData)
		if err != nil {
			return nil, err
		}
		r.audit(ctx, ex.ID, opts.Actor, schema.AuditPreflightPerformed, map[string]any{
			"blocking": report.BlockingCount, "warnings": report.WarningCount,
		})
		if report.Blocked() {
			return r.holdForReview(ctx, ex, report)
		}
	}

	if err := r.schedule(ex.ID, ""); err != nil {
		return nil, err
	}
	return ex, nil
}

// guardConcurrency enforces the one-active-run-per-workflow invariant.
// selfID excludes the caller's own execution from the check on re-entry.
func (r *Runtime) guardConcurrency(ctx context.Context, workflowID, selfID string) error {
	active, err := r.store.GetActiveExecution(ctx, workflowID)
	if err != nil {
		return err
	}
	if active != nil && active.ID != selfID {
		return schema.NewErrorf(schema.ErrCodeConcurrentExecution,
			"workflow %s already has an active execution", workflowID).
			WithHuman("Another run of this workflow is in progress; wait for it to finish or cancel it.").
			WithDetails(map[string]any{"conflicting_execution_id": active.ID})
	}
	return nil
}

// claimSlot moves a queued run to running. The Start-time guard only saw
// runs that were active then; sibling runs queued alongside this one may
// have won the slot while this walk waited for a worker, so the guard is
// re-verified and the transition applied under one lock.
func (r *Runtime) claimSlot(ctx context.Context, ctl *runControl) error {
	r.slotMu.Lock()
	defer r.slotMu.Unlock()
	ex := ctl.snapshot()
	if err := r.guardConcurrency(ctx, ex.WorkflowID, ex.ID); err != nil {
		return err
	}
	now := time.Now().UTC()
	return ctl.transition(ctx, schema.ExecutionStatusRunning, store.ExecutionUpdate{StartedAt: &now})
}

// holdForReview parks a preflight-blocked run in needs_review with the
// report's remediation attached.
func (r *Runtime) holdForReview(ctx context.Context, ex *store.Execution, report *schema.PreflightReport) (*store.Execution, error) {
	if err := r.fsm.Transition(ctx, ex.ID, ex.Status, schema.ExecutionStatusNeedsReview); err != nil {
		return nil, err
	}
	status := schema.ExecutionStatusNeedsReview
	code := schema.ErrCodePreflightBlocked
	human := "The workflow cannot run until the reported issues are fixed."
	tech := "preflight reported blocking issues"
	updated, err := r.store.UpdateExecution(ctx, ex.ID, ex.Version, store.ExecutionUpdate{
		Status:             &status,
		ErrorCode:          &code,
		ErrorHuman:         &human,
		ErrorTech:          &tech,
		RecommendedActions: report.RecommendedActions,
		PhaseTimings:       phaseChanges(ex.Status, status, ex.PhaseTimings),
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// schedule hands the run to the pool. Runs execute on the runtime's base
// context so they outlive the caller's request.
func (r *Runtime) schedule(executionID, startAt string) error {
	return r.pool.Submit(r.baseCtx, func(ctx context.Context) error {
		if err := r.execute(ctx, executionID, startAt); err != nil {
			r.log.Error("run finished with error", "execution_id", executionID, "error", err)
			return err
		}
		return nil
	})
}

// Signal delivers an out-of-band control message. Cancel and pause are
// observed by a live run at its next step boundary; a suspended run is
// transitioned directly. resume_after_review is valid only from
// needs_review or paused, merges its payload into the run context, and
// reschedules the walk; any other source state is rejected without a state
// change.
func (r *Runtime) Signal(ctx context.Context, executionID string, sig schema.Signal) (*store.Execution, error) {
	ex, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	r.audit(ctx, ex.ID, sig.Actor, schema.AuditSignalReceived, map[string]any{
		"type": string(sig.Type), "reason": sig.Reason,
	})

	switch sig.Type {
	case schema.SignalCancel:
		return r.signalCancel(ctx, ex, sig)
	case schema.SignalPause:
		return r.signalPause(ctx, ex, sig)
	case schema.SignalResumeAfterReview:
		return r.signalResume(ctx, ex, sig)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeSignalRejected,
			"unknown signal type %q", sig.Type)
	}
}

func (r *Runtime) signalCancel(ctx context.Context, ex *store.Execution, sig schema.Signal) (*store.Execution, error) {
	if ex.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeSignalRejected,
			"execution %s is already %s", ex.ID, ex.Status)
	}
	if box := r.liveBox(ex.ID); box != nil {
		box.set(sig)
		return ex, nil
	}
	// No live walk (queued, needs_review, paused, or orphaned): cancel the
	// row directly.
	if err := r.fsm.Transition(ctx, ex.ID, ex.Status, schema.ExecutionStatusCanceled); err != nil {
		return nil, err
	}
	status := schema.ExecutionStatusCanceled
	code := schema.ErrCodeCancelled
	human := cancelReason(sig)
	now := time.Now().UTC()
	return r.store.UpdateExecution(ctx, ex.ID, ex.Version, store.ExecutionUpdate{
		Status:       &status,
		ErrorCode:    &code,
		ErrorHuman:   &human,
		CompletedAt:  &now,
		PhaseTimings: phaseChanges(ex.Status, status, ex.PhaseTimings),
	})
}

func (r *Runtime) signalPause(ctx context.Context, ex *store.Execution, sig schema.Signal) (*store.Execution, error) {
	if ex.Status != schema.ExecutionStatusRunning {
		return nil, schema.NewErrorf(schema.ErrCodeSignalRejected,
			"execution %s is %s; only a running execution can be paused", ex.ID, ex.Status)
	}
	box := r.liveBox(ex.ID)
	if box == nil {
		return nil, schema.NewErrorf(schema.ErrCodeSignalRejected,
			"execution %s has no active walk to pause", ex.ID)
	}
	box.set(sig)
	return ex, nil
}

func (r *Runtime) signalResume(ctx context.Context, ex *store.Execution, sig schema.Signal) (*store.Execution, error) {
	if ex.Status != schema.ExecutionStatusNeedsReview && ex.Status != schema.ExecutionStatusPaused {
		return nil, schema.NewErrorf(schema.ErrCodeSignalRejected,
			"execution %s is %s; resume_after_review requires needs_review or paused", ex.ID, ex.Status)
	}
	updated, err := r.resumeToRunning(ctx, ex, sig)
	if err != nil {
		return nil, err
	}
	r.audit(ctx, ex.ID, sig.Actor, schema.AuditRunResumed, nil)

	if err := r.schedule(ex.ID, updated.CurrentNodeID); err != nil {
		return nil, err
	}
	return updated, nil
}

// resumeToRunning moves a suspended run back to running. The run gave up
// the workflow's concurrency slot when it suspended, so it has to win the
// slot back; the guard and the transition happen under slotMu, which is
// released before the walk is rescheduled.
func (r *Runtime) resumeToRunning(ctx context.Context, ex *store.Execution, sig schema.Signal) (*store.Execution, error) {
	r.slotMu.Lock()
	defer r.slotMu.Unlock()
	if err := r.guardConcurrency(ctx, ex.WorkflowID, ex.ID); err != nil {
		return nil, err
	}
	if err := r.fsm.Transition(ctx, ex.ID, ex.Status, schema.ExecutionStatusRunning); err != nil {
		return nil, err
	}

	locals := make(map[string]any, len(ex.Locals)+len(sig.Payload))
	for k, v := range ex.Locals {
		locals[k] = v
	}
	for k, v := range sig.Payload {
		locals[k] = v
	}
	status := schema.ExecutionStatusRunning
	clear := ""
	update := store.ExecutionUpdate{
		Status:       &status,
		Locals:       locals,
		ErrorCode:    &clear,
		ErrorHuman:   &clear,
		ErrorTech:    &clear,
		PhaseTimings: phaseChanges(ex.Status, status, ex.PhaseTimings),
	}
	if ex.StartedAt == nil {
		// Resuming a run that preflight held before it ever started.
		now := time.Now().UTC()
		update.StartedAt = &now
	}
	return r.store.UpdateExecution(ctx, ex.ID, ex.Version, update)
}

// QueryResult is the operator-facing view of a run.
type QueryResult struct {
	ExecutionID   string                       `json:"execution_id"`
	WorkflowID    string                       `json:"workflow_id"`
	Status        schema.ExecutionStatus       `json:"status"`
	DryRun        bool                         `json:"dry_run,omitempty"`
	ProgressDone  int                          `json:"progress_done"`
	ProgressTotal int                          `json:"progress_total"`
	CurrentNodeID string                       `json:"current_node_id,omitempty"`
	CurrentStep   *store.ExecutionStep         `json:"current_step,omitempty"`
	ErrorCode     string                       `json:"error_code,omitempty"`
	ErrorHuman    string                       `json:"error_human,omitempty"`
	ErrorTech     string                       `json:"error_tech,omitempty"`
	Actions       []schema.RecommendedAction   `json:"recommended_actions,omitempty"`
	PhaseTimings  map[string]store.PhaseTiming `json:"phase_timings,omitempty"`
	StartedAt     *time.Time                   `json:"started_at,omitempty"`
	CompletedAt   *time.Time                   `json:"completed_at,omitempty"`
}

// Query returns a run's status, progress, current step and errors.
func (r *Runtime) Query(ctx context.Context, executionID string) (*QueryResult, error) {
	ex, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	res := &QueryResult{
		ExecutionID:   ex.ID,
		WorkflowID:    ex.WorkflowID,
		Status:        ex.Status,
		DryRun:        ex.DryRun,
		ProgressDone:  ex.ProgressDone,
		ProgressTotal: ex.ProgressTotal,
		CurrentNodeID: ex.CurrentNodeID,
		ErrorCode:     ex.ErrorCode,
		ErrorHuman:    ex.ErrorHuman,
		ErrorTech:     ex.ErrorTech,
		Actions:       ex.RecommendedActions,
		PhaseTimings:  ex.PhaseTimings,
		StartedAt:     ex.StartedAt,
		CompletedAt:   ex.CompletedAt,
	}
	steps, err := r.store.ListSteps(ctx, ex.ID)
	if err != nil {
		return nil, err
	}
	if len(steps) > 0 {
		res.CurrentStep = steps[len(steps)-1]
	}
	return res, nil
}

// execute drives one walk of the run, from fresh start or resume, and maps
// its outcome onto the state machine.
func (r *Runtime) execute(ctx context.Context, executionID, startAt string) error {
	ex, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	wf, err := r.store.GetWorkflow(ctx, ex.WorkflowID, ex.WorkflowVersion)
	if err != nil {
		return err
	}
	def := &wf.Definition
	ctx = logging.WithExecutionID(ctx, ex.ID)
	if ex.CorrelationID != "" {
		ctx = logging.WithCorrelationID(ctx, ex.CorrelationID)
	}

	ctl := &runControl{rt: r, ex: ex, box: newSignalBox()}
	r.registerBox(ex.ID, ctl.box)
	defer r.unregisterBox(ex.ID)

	if ex.Status == schema.ExecutionStatusQueued {
		if err := r.claimSlot(ctx, ctl); err != nil {
			return ctl.fail(ctx, err)
		}
	} else if ex.Status != schema.ExecutionStatusRunning {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is %s; cannot start its walk", ex.ID, ex.Status)
	}

	params, err := r.buildWalk(ctx, ctl, def, startAt)
	if err != nil {
		return ctl.fail(ctx, err)
	}

	runErr := r.iterator.Run(ctx, params)
	return ctl.finish(ctx, runErr)
}

// buildWalk reconstructs the resolution context. A resumed run gets its
// recorded trigger output and every persisted successful step output back;
// a fresh run starts with the trigger.
func (r *Runtime) buildWalk(ctx context.Context, ctl *runControl, def *schema.WorkflowDefinition, startAt string) (WalkParams, error) {
	ex := ctl.snapshot()
	rc := resolver.NewContext()
	rc.Flow = map[string]any{
		"execution_id":     ex.ID,
		"workflow_id":      ex.WorkflowID,
		"workflow_version": ex.WorkflowVersion,
		"correlation_id":   ex.CorrelationID,
		"dry_run":          ex.DryRun,
		"actor":            ex.Actor,
	}
	rc.MergeLocals(ex.Locals)

	params := WalkParams{
		Execution:    ex,
		Definition:   def,
		Context:      rc,
		Controller:   ctl,
		StartAt:      startAt,
		NextPosition: 1,
	}
	if startAt == "" {
		return params, nil
	}

	rc.Trigger = ex.TriggerOutput
	steps, err := r.store.ListSteps(ctx, ex.ID)
	if err != nil {
		return params, err
	}
	done := 0
	maxPos := 0
	untaken := make(map[string]bool)
	for _, s := range steps {
		if s.Position > maxPos {
			maxPos = s.Position
		}
		if s.Status.Terminal() {
			done++
		}
		if s.Status == schema.StepStatusSuccess && s.DataOut != nil {
			rc.AddStepOutput(s.NodeID, s.DataOut)
		}
		// Replay persisted branch decisions so untaken arms stay untaken.
		if node := def.NodeByID(s.NodeID); node != nil && node.Kind == schema.NodeKindBranch {
			next, _ := s.DataOut["next"].(string)
			markUntaken(untaken, node, next)
		}
	}
	params.NextPosition = maxPos + 1
	params.StepsDone = done
	params.Untaken = untaken
	return params, nil
}

func (r *Runtime) registerBox(id string, box *signalBox) {
	r.mu.Lock()
	r.boxes[id] = box
	r.mu.Unlock()
}

func (r *Runtime) unregisterBox(id string) {
	r.mu.Lock()
	delete(r.boxes, id)
	r.mu.Unlock()
}

func (r *Runtime) liveBox(id string) *signalBox {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.boxes[id]
}

func (r *Runtime) audit(ctx context.Context, executionID, actor, action string, details map[string]any) {
	event := &store.AuditEvent{
		ExecutionID: executionID,
		Actor:       actor,
		Action:      action,
		Details:     details,
	}
	if err := r.store.AppendAudit(ctx, event); err != nil {
		r.log.Error("append audit event", "action", action, "error", err)
	}
}

// signalBox carries at most one pending signal into a live walk.
type signalBox struct {
	mu      sync.Mutex
	pending *schema.Signal
}

func newSignalBox() *signalBox {
	return &signalBox{}
}

func (b *signalBox) set(sig schema.Signal) {
	b.mu.Lock()
	b.pending = &sig
	b.mu.Unlock()
}

func (b *signalBox) take() *schema.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	sig := b.pending
	b.pending = nil
	return sig
}

// runControl is the Controller for one walk. It owns the authoritative
// in-memory Execution snapshot and serializes every optimistic-locked write,
// so concurrent loop iterations never race on the run row.
type runControl struct {
	rt  *Runtime
	box *signalBox

	mu sync.Mutex
	ex *store.Execution

	cancelReason string
}

func (c *runControl) snapshot() *store.Execution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ex
}

// applyLocked persists an update under the optimistic lock and swaps in the
// returned snapshot. Callers hold c.mu.
func (c *runControl) applyLocked(ctx context.Context, update store.ExecutionUpdate) error {
	updated, err := c.rt.store.UpdateExecution(ctx, c.ex.ID, c.ex.Version, update)
	if err != nil {
		return err
	}
	c.ex = updated
	return nil
}

// transition validates and persists a status change with its phase timings.
func (c *runControl) transition(ctx context.Context, to schema.ExecutionStatus, update store.ExecutionUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(ctx, to, update)
}

func (c *runControl) transitionLocked(ctx context.Context, to schema.ExecutionStatus, update store.ExecutionUpdate) error {
	from := c.ex.Status
	if from == to {
		return nil
	}
	if err := c.rt.fsm.Transition(ctx, c.ex.ID, from, to); err != nil {
		return err
	}
	update.Status = &to
	update.PhaseTimings = phaseChanges(from, to, c.ex.PhaseTimings)
	return c.applyLocked(ctx, update)
}

// Checkpoint is called before every top-level node: pending signals take
// effect here, and the walk's position and progress are persisted so a
// suspended run can resume.
func (c *runControl) Checkpoint(ctx context.Context, nodeID string, stepsDone int) error {
	if err := ctx.Err(); err != nil {
		return ErrRunCanceled
	}
	if sig := c.box.take(); sig != nil {
		switch sig.Type {
		case schema.SignalCancel:
			c.mu.Lock()
			c.cancelReason = cancelReason(*sig)
			c.mu.Unlock()
			return ErrRunCanceled
		case schema.SignalPause:
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.ex.Status == schema.ExecutionStatusRunning {
				if err := c.applyLocked(ctx, store.ExecutionUpdate{
					CurrentNodeID: &nodeID,
					ProgressDone:  &stepsDone,
				}); err != nil {
					return err
				}
				return ErrRunPaused
			}
			c.rt.log.Warn("pause signal ignored outside running status",
				"execution_id", c.ex.ID, "status", string(c.ex.Status))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(ctx, store.ExecutionUpdate{
		CurrentNodeID: &nodeID,
		ProgressDone:  &stepsDone,
	})
}

// TriggerCompleted records the trigger output for resumes and closes the
// trigger phase bracket.
func (c *runControl) TriggerCompleted(ctx context.Context, out map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(ctx, store.ExecutionUpdate{
		TriggerOutput: out,
		PhaseTimings:  CompleteTriggerPhase(c.ex.PhaseTimings),
	})
}

// StepStarting advances the delivery chain when a delivery or signature
// step is about to run.
func (c *runControl) StepStarting(ctx context.Context, class StepClass) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch class {
	case ClassDelivery:
		if c.ex.Status == schema.ExecutionStatusRunning {
			if err := c.transitionLocked(ctx, schema.ExecutionStatusReady, store.ExecutionUpdate{}); err != nil {
				return err
			}
			return c.transitionLocked(ctx, schema.ExecutionStatusSending, store.ExecutionUpdate{})
		}
	case ClassSignature:
		if c.ex.Status == schema.ExecutionStatusSent {
			return c.transitionLocked(ctx, schema.ExecutionStatusSigning, store.ExecutionUpdate{})
		}
	}
	return nil
}

// StepSucceeded closes the delivery chain segment the step opened.
func (c *runControl) StepSucceeded(ctx context.Context, class StepClass) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch class {
	case ClassDelivery:
		if c.ex.Status == schema.ExecutionStatusSending {
			return c.transitionLocked(ctx, schema.ExecutionStatusSent, store.ExecutionUpdate{})
		}
	case ClassSignature:
		if c.ex.Status == schema.ExecutionStatusSigning {
			return c.transitionLocked(ctx, schema.ExecutionStatusSigned, store.ExecutionUpdate{})
		}
	}
	return nil
}

// finish maps the walk's outcome onto the final status.
func (c *runControl) finish(ctx context.Context, runErr error) error {
	now := time.Now().UTC()
	switch {
	case runErr == nil:
		c.mu.Lock()
		defer c.mu.Unlock()
		done := c.ex.ProgressTotal
		return c.transitionLocked(ctx, schema.ExecutionStatusCompleted, store.ExecutionUpdate{
			CompletedAt:  &now,
			ProgressDone: &done,
		})
	case errors.Is(runErr, ErrRunPaused):
		return c.transition(ctx, schema.ExecutionStatusPaused, store.ExecutionUpdate{})
	case errors.Is(runErr, ErrRunCanceled):
		c.mu.Lock()
		defer c.mu.Unlock()
		code := schema.ErrCodeCancelled
		human := c.cancelReason
		if human == "" {
			human = "The run was canceled."
		}
		return c.transitionLocked(ctx, schema.ExecutionStatusCanceled, store.ExecutionUpdate{
			ErrorCode:   &code,
			ErrorHuman:  &human,
			CompletedAt: &now,
		})
	case schema.IsCode(runErr, schema.ErrCodeNeedsReview):
		return c.review(ctx, runErr)
	default:
		return c.fail(ctx, runErr)
	}
}

// review parks the run in needs_review with the recoverable error attached;
// an explicit resume signal picks it back up at the current node.
func (c *runControl) review(ctx context.Context, runErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	code := schema.ErrCodeNeedsReview
	human, tech := errorMessages(runErr)
	return c.transitionLocked(ctx, schema.ExecutionStatusNeedsReview, store.ExecutionUpdate{
		ErrorCode:  &code,
		ErrorHuman: &human,
		ErrorTech:  &tech,
	})
}

func (c *runControl) fail(ctx context.Context, runErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	code := schema.ErrCodeExecution
	var te *schema.TandemError
	if errors.As(runErr, &te) {
		code = te.Code
	}
	human, tech := errorMessages(runErr)
	if err := c.transitionLocked(ctx, schema.ExecutionStatusFailed, store.ExecutionUpdate{
		ErrorCode:   &code,
		ErrorHuman:  &human,
		ErrorTech:   &tech,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	return runErr
}

func cancelReason(sig schema.Signal) string {
	if sig.Reason != "" {
		return sig.Reason
	}
	return "The run was canceled."
}

// countSteps is the progress denominator: every top-level node except the
// trigger produces one step row.
func countSteps(def *schema.WorkflowDefinition) int {
	n := 0
	for i := range def.Nodes {
		if def.Nodes[i].Kind != schema.NodeKindTrigger {
			n++
		}
	}
	return n
}
