package engine

import (
	"context"
	"sync"
	"time"

	"github.com/tandemhq/tandem/internal/store"
	"github.com/tandemhq/tandem/pkg/schema"
)

// TransitionHook is called before or after a status transition.
type TransitionHook func(from, to schema.ExecutionStatus) error

// AuditAppender is satisfied by the Store; the FSM emits an audit event on
// every transition that has a lifecycle action.
type AuditAppender interface {
	AppendAudit(ctx context.Context, event *store.AuditEvent) error
}

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates run lifecycle transitions and emits audit events.
// The caller persists the new status; the FSM only decides legality and runs
// the registered hooks.
type ExecutionFSM struct {
	mu       sync.Mutex
	auditor  AuditAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewExecutionFSM creates an FSM emitting audit events via the appender.
func NewExecutionFSM(auditor AuditAppender) *ExecutionFSM {
	return &ExecutionFSM{
		auditor: auditor,
		before:  make(map[hookKey][]TransitionHook),
		after:   make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a status transition for one run.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if action := auditAction(to); action != "" && f.auditor != nil {
		event := &store.AuditEvent{
			ExecutionID: executionID,
			Action:      action,
			Details:     map[string]any{"from": string(from), "to": string(to)},
		}
		if err := f.auditor.AppendAudit(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit audit event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	return nil
}

// CanTransition reports whether from -> to is a legal move.
func (f *ExecutionFSM) CanTransition(from, to schema.ExecutionStatus) bool {
	return isValidTransition(from, to)
}

func isValidTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidExecutionTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func auditAction(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.AuditRunStarted
	case schema.ExecutionStatusNeedsReview:
		return schema.AuditRunNeedsReview
	case schema.ExecutionStatusCompleted:
		return schema.AuditRunCompleted
	case schema.ExecutionStatusFailed:
		return schema.AuditRunFailed
	case schema.ExecutionStatusCanceled:
		return schema.AuditRunCanceled
	case schema.ExecutionStatusPaused:
		return schema.AuditRunPaused
	default:
		return ""
	}
}

// ValidExecutionTransitions is the status graph: the forward chain
// queued -> running -> {needs_review | ready} -> sending -> sent ->
// signing -> signed -> completed, with failed and canceled reachable from
// any non-terminal state and paused reachable from running. Runs without a
// delivery phase complete straight from running.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusQueued: {
		schema.ExecutionStatusRunning, schema.ExecutionStatusNeedsReview,
		schema.ExecutionStatusFailed, schema.ExecutionStatusCanceled,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusNeedsReview, schema.ExecutionStatusReady,
		schema.ExecutionStatusCompleted, schema.ExecutionStatusPaused,
		schema.ExecutionStatusFailed, schema.ExecutionStatusCanceled,
	},
	schema.ExecutionStatusNeedsReview: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusFailed, schema.ExecutionStatusCanceled,
	},
	schema.ExecutionStatusReady: {
		schema.ExecutionStatusSending, schema.ExecutionStatusCompleted,
		schema.ExecutionStatusNeedsReview,
		schema.ExecutionStatusFailed, schema.ExecutionStatusCanceled,
	},
	schema.ExecutionStatusSending: {
		schema.ExecutionStatusSent, schema.ExecutionStatusNeedsReview,
		schema.ExecutionStatusFailed, schema.ExecutionStatusCanceled,
	},
	schema.ExecutionStatusSent: {
		schema.ExecutionStatusSigning, schema.ExecutionStatusCompleted,
		schema.ExecutionStatusNeedsReview,
		schema.ExecutionStatusFailed, schema.ExecutionStatusCanceled,
	},
	schema.ExecutionStatusSigning: {
		schema.ExecutionStatusSigned, schema.ExecutionStatusNeedsReview,
		schema.ExecutionStatusFailed, schema.ExecutionStatusCanceled,
	},
	schema.ExecutionStatusSigned: {
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed, schema.ExecutionStatusCanceled,
	},
	schema.ExecutionStatusPaused: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusFailed, schema.ExecutionStatusCanceled,
	},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCanceled:  {},
}

// phaseChanges is the single place phase-timing metrics mutate: it brackets
// each logical phase on the status span it corresponds to.
//
//	preflight: creation        -> leaving queued
//	trigger:   enter running   -> trigger output recorded
//	render:    trigger done    -> leave running
//	delivery:  enter sending   -> enter sent
//	signature: enter signing   -> enter signed
func phaseChanges(from, to schema.ExecutionStatus, timings map[string]store.PhaseTiming) map[string]store.PhaseTiming {
	out := make(map[string]store.PhaseTiming, len(timings)+1)
	for k, v := range timings {
		out[k] = v
	}

	if from == schema.ExecutionStatusQueued {
		completePhase(out, schema.PhasePreflight)
	}
	if from == schema.ExecutionStatusRunning {
		completePhase(out, schema.PhaseTrigger)
		completePhase(out, schema.PhaseRender)
	}
	switch to {
	case schema.ExecutionStatusRunning:
		startPhase(out, schema.PhaseTrigger)
	case schema.ExecutionStatusSending:
		startPhase(out, schema.PhaseDelivery)
	case schema.ExecutionStatusSent:
		completePhase(out, schema.PhaseDelivery)
	case schema.ExecutionStatusSigning:
		startPhase(out, schema.PhaseSignature)
	case schema.ExecutionStatusSigned:
		completePhase(out, schema.PhaseSignature)
	}
	return out
}

func startPhase(timings map[string]store.PhaseTiming, phase schema.Phase) {
	key := string(phase)
	if _, ok := timings[key]; ok {
		// A bracket opens once; re-entry after pause or review keeps it.
		return
	}
	timings[key] = store.PhaseTiming{StartedAt: time.Now().UTC()}
}

func completePhase(timings map[string]store.PhaseTiming, phase schema.Phase) {
	key := string(phase)
	t, ok := timings[key]
	if !ok || t.CompletedAt != nil {
		return
	}
	now := time.Now().UTC()
	t.CompletedAt = &now
	t.DurationMs = now.Sub(t.StartedAt).Milliseconds()
	timings[key] = t
}

// StartPreflightPhase opens the preflight bracket at run creation.
func StartPreflightPhase() map[string]store.PhaseTiming {
	timings := make(map[string]store.PhaseTiming, 1)
	startPhase(timings, schema.PhasePreflight)
	return timings
}

// CompleteTriggerPhase closes the trigger bracket and opens the render
// bracket once the trigger adapter's output has been recorded. It is the
// one phase boundary that falls inside the running span rather than on a
// status transition.
func CompleteTriggerPhase(timings map[string]store.PhaseTiming) map[string]store.PhaseTiming {
	out := make(map[string]store.PhaseTiming, len(timings)+1)
	for k, v := range timings {
		out[k] = v
	}
	completePhase(out, schema.PhaseTrigger)
	startPhase(out, schema.PhaseRender)
	return out
}
