package schema

// ExecutionStatus represents the lifecycle state of one run.
type ExecutionStatus string

const (
	ExecutionStatusQueued      ExecutionStatus = "queued"
	ExecutionStatusRunning     ExecutionStatus = "running"
	ExecutionStatusNeedsReview ExecutionStatus = "needs_review"
	ExecutionStatusReady       ExecutionStatus = "ready"
	ExecutionStatusSending     ExecutionStatus = "sending"
	ExecutionStatusSent        ExecutionStatus = "sent"
	ExecutionStatusSigning     ExecutionStatus = "signing"
	ExecutionStatusSigned      ExecutionStatus = "signed"
	ExecutionStatusCompleted   ExecutionStatus = "completed"
	ExecutionStatusFailed      ExecutionStatus = "failed"
	ExecutionStatusCanceled    ExecutionStatus = "canceled"
	ExecutionStatusPaused      ExecutionStatus = "paused"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCanceled:
		return true
	}
	return false
}

// Active reports whether the run's walk is live and occupies the
// workflow's single concurrency slot. Covers running plus the
// post-running delivery chain, whose walks are still in flight.
func (s ExecutionStatus) Active() bool {
	switch s {
	case ExecutionStatusRunning, ExecutionStatusReady, ExecutionStatusSending,
		ExecutionStatusSent, ExecutionStatusSigning, ExecutionStatusSigned:
		return true
	}
	return false
}

// Suspended reports whether the run is parked waiting for an operator.
func (s ExecutionStatus) Suspended() bool {
	return s == ExecutionStatusNeedsReview || s == ExecutionStatusPaused
}

// StepStatus represents the lifecycle state of one executed node.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusFailure StepStatus = "failure"
	StepStatusSkipped StepStatus = "skipped"
)

// Terminal reports whether a step record is immutable.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSuccess, StepStatusFailure, StepStatusSkipped:
		return true
	}
	return false
}

// Phase names for the per-phase timing metrics on an Execution.
// Phase timings mutate only inside state-machine transition hooks.
type Phase string

const (
	PhasePreflight Phase = "preflight"
	PhaseTrigger   Phase = "trigger"
	PhaseRender    Phase = "render"
	PhaseDelivery  Phase = "delivery"
	PhaseSignature Phase = "signature"
)

// Audit action constants for append-only AuditEvent records.
const (
	AuditRunStarted         = "run_started"
	AuditRunCompleted       = "run_completed"
	AuditRunFailed          = "run_failed"
	AuditRunCanceled        = "run_canceled"
	AuditRunPaused          = "run_paused"
	AuditRunResumed         = "run_resumed"
	AuditRunRetried         = "run_retried"
	AuditRunNeedsReview     = "run_needs_review"
	AuditPreflightPerformed = "preflight_performed"
	AuditDefinitionLocked   = "definition_locked"
	AuditSignalReceived     = "signal_received"
)

// Log levels and domains for ExecutionLog records.
const (
	LogLevelDebug   = "debug"
	LogLevelInfo    = "info"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)

const (
	LogDomainEngine    = "engine"
	LogDomainResolver  = "resolver"
	LogDomainBranch    = "branch"
	LogDomainLoop      = "loop"
	LogDomainConnector = "connector"
	LogDomainPreflight = "preflight"
	LogDomainSignal    = "signal"
)
