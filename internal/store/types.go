package store

import (
	"time"

	"github.com/tandemhq/tandem/pkg/schema"
)

// WorkflowRecord is one persisted version of a workflow definition.
// Versions are editable drafts until locked; runs bind to locked versions
// and a locked version is never mutated again.
type WorkflowRecord struct {
	ID         string                    `json:"id"`
	Version    int                       `json:"version"`
	Name       string                    `json:"name,omitempty"`
	Locked     bool                      `json:"locked"`
	OwnerID    string                    `json:"owner_id,omitempty"`
	Definition schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// Execution is the persisted state of one run.
// Version is the optimistic-lock counter: every mutation must present the
// version it read, and a stale writer loses with VERSION_CONFLICT.
type Execution struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id"`
	WorkflowVersion int                    `json:"workflow_version"`
	Status          schema.ExecutionStatus `json:"status"`
	Version         int64                  `json:"version"`
	DryRun          bool                   `json:"dry_run,omitempty"`
	Actor           string                 `json:"actor,omitempty"`
	CorrelationID   string                 `json:"correlation_id,omitempty"`
	RetryOf         string                 `json:"retry_of,omitempty"` // id of the execution this one retries

	TriggerData   map[string]any `json:"trigger_data,omitempty"`
	TriggerOutput map[string]any `json:"trigger_output,omitempty"` // recorded once, reused on resume
	SkipNodes     []string       `json:"skip_nodes,omitempty"`
	StopBefore    string         `json:"stop_before,omitempty"`

	CurrentNodeID string         `json:"current_node_id,omitempty"` // node the run is at or suspended before
	Locals        map[string]any `json:"locals,omitempty"`          // review payloads merged by resume
	ProgressDone  int            `json:"progress_done"`
	ProgressTotal int            `json:"progress_total"`

	ErrorCode          string                     `json:"error_code,omitempty"`
	ErrorHuman         string                     `json:"error_human,omitempty"`
	ErrorTech          string                     `json:"error_tech,omitempty"`
	RecommendedActions []schema.RecommendedAction `json:"recommended_actions,omitempty"`
	PhaseTimings       map[string]PhaseTiming     `json:"phase_timings,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PhaseTiming brackets one lifecycle phase of a run.
type PhaseTiming struct {
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}

// ExecutionStep is one executed node of a run. Rows are append-only and
// immutable once the step reaches a terminal status; the trigger node never
// produces a row (its output is the trigger context root).
type ExecutionStep struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	Capability  string            `json:"capability,omitempty"`
	Status      schema.StepStatus `json:"status"`
	Position    int               `json:"position"` // strictly increasing along the taken path
	DataIn      map[string]any    `json:"data_in,omitempty"`
	DataOut     map[string]any    `json:"data_out,omitempty"`
	ErrorHuman  string            `json:"error_human,omitempty"`
	ErrorTech   string            `json:"error_tech,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// ExecutionLog is one structured log line attached to a run.
type ExecutionLog struct {
	ID          int64          `json:"id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id,omitempty"`
	Level       string         `json:"level"`
	Domain      string         `json:"domain,omitempty"`
	Message     string         `json:"message"`
	Fields      map[string]any `json:"fields,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AuditEvent is an immutable record of a lifecycle action on a run.
type AuditEvent struct {
	ID          int64          `json:"id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	Action      string         `json:"action"`
	Actor       string         `json:"actor,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ScheduledTrigger is a cron-driven workflow start.
type ScheduledTrigger struct {
	ID              string     `json:"id"`
	WorkflowID      string     `json:"workflow_id"`
	WorkflowVersion int        `json:"workflow_version"`
	Cron            string     `json:"cron"`
	Enabled         bool       `json:"enabled"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies the mutable fields of an execution.
// Nil fields are left untouched.
type ExecutionUpdate struct {
	Status             *schema.ExecutionStatus    `json:"status,omitempty"`
	CurrentNodeID      *string                    `json:"current_node_id,omitempty"`
	TriggerOutput      map[string]any             `json:"trigger_output,omitempty"`
	Locals             map[string]any             `json:"locals,omitempty"`
	ProgressDone       *int                       `json:"progress_done,omitempty"`
	ProgressTotal      *int                       `json:"progress_total,omitempty"`
	ErrorCode          *string                    `json:"error_code,omitempty"`
	ErrorHuman         *string                    `json:"error_human,omitempty"`
	ErrorTech          *string                    `json:"error_tech,omitempty"`
	RecommendedActions []schema.RecommendedAction `json:"recommended_actions,omitempty"`
	PhaseTimings       map[string]PhaseTiming     `json:"phase_timings,omitempty"`
	StartedAt          *time.Time                 `json:"started_at,omitempty"`
	CompletedAt        *time.Time                 `json:"completed_at,omitempty"`
}

// StepUpdate specifies the mutable fields of a non-terminal step.
type StepUpdate struct {
	Status      *schema.StepStatus `json:"status,omitempty"`
	DataOut     map[string]any     `json:"data_out,omitempty"`
	ErrorHuman  *string            `json:"error_human,omitempty"`
	ErrorTech   *string            `json:"error_tech,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	DurationMs  *int64             `json:"duration_ms,omitempty"`
}

// LogQuery is a cursor-paginated log request. AfterID is the cursor; the
// next page starts after the last returned id.
type LogQuery struct {
	ExecutionID string `json:"execution_id"`
	AfterID     int64  `json:"after_id,omitempty"`
	Limit       int    `json:"limit,omitempty"` // default 50, max 100
}

// ScheduledTriggerUpdate specifies mutable fields of a scheduled trigger.
type ScheduledTriggerUpdate struct {
	Enabled   *bool      `json:"enabled,omitempty"`
	Cron      *string    `json:"cron,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

const (
	defaultLogLimit = 50
	maxLogLimit     = 100
)

// clampLogLimit normalizes a requested page size into [1, maxLogLimit].
func clampLogLimit(limit int) int {
	if limit <= 0 {
		return defaultLogLimit
	}
	if limit > maxLogLimit {
		return maxLogLimit
	}
	return limit
}
