package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows (versioned definitions)
	SaveWorkflow(ctx context.Context, wf *WorkflowRecord) error
	GetWorkflow(ctx context.Context, id string, version int) (*WorkflowRecord, error)
	LatestWorkflow(ctx context.Context, id string) (*WorkflowRecord, error)
	LockWorkflow(ctx context.Context, id string, version int) error
	ListWorkflows(ctx context.Context, limit int) ([]*WorkflowRecord, error)

	// Executions (optimistic locking)
	CreateExecution(ctx context.Context, ex *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, expectedVersion int64, update ExecutionUpdate) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	GetActiveExecution(ctx context.Context, workflowID string) (*Execution, error)

	// Steps (append-only, immutable once terminal)
	CreateStep(ctx context.Context, step *ExecutionStep) error
	UpdateStep(ctx context.Context, id string, update StepUpdate) error
	ListSteps(ctx context.Context, executionID string) ([]*ExecutionStep, error)

	// Logs (cursor-paginated)
	AppendLog(ctx context.Context, entry *ExecutionLog) error
	QueryLogs(ctx context.Context, q LogQuery) ([]*ExecutionLog, int64, error)

	// Audit trail (append-only)
	AppendAudit(ctx context.Context, event *AuditEvent) error
	ListAudit(ctx context.Context, executionID string) ([]*AuditEvent, error)

	// Scheduled triggers
	CreateScheduledTrigger(ctx context.Context, st *ScheduledTrigger) error
	ListScheduledTriggers(ctx context.Context, enabledOnly bool) ([]*ScheduledTrigger, error)
	UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error
	DeleteScheduledTrigger(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
