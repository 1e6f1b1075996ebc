package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tandemhq/tandem/pkg/schema"
)

func statusPtr(s schema.ExecutionStatus) *schema.ExecutionStatus { return &s }
func stepStatusPtr(s schema.StepStatus) *schema.StepStatus       { return &s }
func strPtr(s string) *string                                    { return &s }

func TestWorkflowVersioning(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	wf := &WorkflowRecord{ID: "wf-1", Version: 1, Name: "invoices",
		Definition: schema.WorkflowDefinition{ID: "wf-1", Version: 1}}
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	// Drafts are overwritable.
	wf.Name = "invoices-v2"
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	require.NoError(t, s.LockWorkflow(ctx, "wf-1", 1))

	// Locked versions are immutable.
	err := s.SaveWorkflow(ctx, wf)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	// A new draft version is fine.
	wf2 := &WorkflowRecord{ID: "wf-1", Version: 2,
		Definition: schema.WorkflowDefinition{ID: "wf-1", Version: 2}}
	require.NoError(t, s.SaveWorkflow(ctx, wf2))

	latest, err := s.LatestWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.False(t, latest.Locked)

	got, err := s.GetWorkflow(ctx, "wf-1", 1)
	require.NoError(t, err)
	assert.True(t, got.Locked)
}

func TestExecutionOptimisticLock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ex := &Execution{ID: "ex-1", WorkflowID: "wf-1", WorkflowVersion: 1,
		Status: schema.ExecutionStatusQueued}
	require.NoError(t, s.CreateExecution(ctx, ex))
	assert.Equal(t, int64(1), ex.Version)

	// First writer wins and bumps the version.
	updated, err := s.UpdateExecution(ctx, "ex-1", 1, ExecutionUpdate{
		Status: statusPtr(schema.ExecutionStatusRunning),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, schema.ExecutionStatusRunning, updated.Status)

	// A writer with the stale version fails whole, no merge.
	_, err = s.UpdateExecution(ctx, "ex-1", 1, ExecutionUpdate{
		Status: statusPtr(schema.ExecutionStatusFailed),
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeVersionConflict))

	got, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, got.Status)
}

func TestGetActiveExecution(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Terminal, suspended and queued runs do not hold the slot.
	require.NoError(t, s.CreateExecution(ctx, &Execution{
		ID: "ex-1", WorkflowID: "wf-1", Status: schema.ExecutionStatusCompleted}))
	require.NoError(t, s.CreateExecution(ctx, &Execution{
		ID: "ex-2", WorkflowID: "wf-1", Status: schema.ExecutionStatusNeedsReview}))
	require.NoError(t, s.CreateExecution(ctx, &Execution{
		ID: "ex-3", WorkflowID: "wf-1", Status: schema.ExecutionStatusQueued}))

	got, err := s.GetActiveExecution(ctx, "wf-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.CreateExecution(ctx, &Execution{
		ID: "ex-4", WorkflowID: "wf-1", Status: schema.ExecutionStatusRunning}))

	got, err = s.GetActiveExecution(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ex-4", got.ID)

	// The live delivery chain keeps the slot occupied after running.
	got, err = s.GetActiveExecution(ctx, "wf-2")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, s.CreateExecution(ctx, &Execution{
		ID: "ex-5", WorkflowID: "wf-2", Status: schema.ExecutionStatusSending}))
	got, err = s.GetActiveExecution(ctx, "wf-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ex-5", got.ID)

	// Other workflows are unaffected.
	got, err = s.GetActiveExecution(ctx, "wf-other")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStepImmutabilityOnceTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	step := &ExecutionStep{ID: "st-1", ExecutionID: "ex-1", NodeID: "n1",
		Status: schema.StepStatusRunning, Position: 1}
	require.NoError(t, s.CreateStep(ctx, step))

	now := time.Now().UTC()
	require.NoError(t, s.UpdateStep(ctx, "st-1", StepUpdate{
		Status:      stepStatusPtr(schema.StepStatusSuccess),
		DataOut:     map[string]any{"ok": true},
		CompletedAt: &now,
	}))

	err := s.UpdateStep(ctx, "st-1", StepUpdate{
		ErrorTech: strPtr("late write"),
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestListStepsOrderedByPosition(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, pos := range []int{3, 1, 2} {
		require.NoError(t, s.CreateStep(ctx, &ExecutionStep{
			ID: fmt.Sprintf("st-%d", pos), ExecutionID: "ex-1",
			NodeID: fmt.Sprintf("n%d", pos), Status: schema.StepStatusSuccess, Position: pos,
		}))
	}

	steps, err := s.ListSteps(ctx, "ex-1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, st := range steps {
		assert.Equal(t, i+1, st.Position)
	}
}

func TestQueryLogsCursorPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		require.NoError(t, s.AppendLog(ctx, &ExecutionLog{
			ExecutionID: "ex-1", Level: schema.LogLevelInfo,
			Message: fmt.Sprintf("line %d", i),
		}))
	}

	// Limits above the cap are clamped to 100.
	page1, cursor, err := s.QueryLogs(ctx, LogQuery{ExecutionID: "ex-1", Limit: 500})
	require.NoError(t, err)
	assert.Len(t, page1, 100)
	require.NotZero(t, cursor)

	page2, cursor2, err := s.QueryLogs(ctx, LogQuery{ExecutionID: "ex-1", AfterID: cursor, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, page2, 20)
	assert.Zero(t, cursor2)
	assert.Greater(t, page2[0].ID, page1[len(page1)-1].ID)
}

func TestAuditAppendOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AppendAudit(ctx, &AuditEvent{
		ExecutionID: "ex-1", Action: schema.AuditRunStarted, Actor: "ops"}))
	require.NoError(t, s.AppendAudit(ctx, &AuditEvent{
		ExecutionID: "ex-1", Action: schema.AuditRunCompleted}))

	events, err := s.ListAudit(ctx, "ex-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.AuditRunStarted, events[0].Action)
	assert.Equal(t, schema.AuditRunCompleted, events[1].Action)
}

func TestScheduledTriggers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateScheduledTrigger(ctx, &ScheduledTrigger{
		ID: "sched-1", WorkflowID: "wf-1", WorkflowVersion: 1, Cron: "*/5 * * * *", Enabled: true}))
	require.NoError(t, s.CreateScheduledTrigger(ctx, &ScheduledTrigger{
		ID: "sched-2", WorkflowID: "wf-2", WorkflowVersion: 1, Cron: "0 9 * * *", Enabled: false}))

	all, err := s.ListScheduledTriggers(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := s.ListScheduledTriggers(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "sched-1", enabled[0].ID)

	off := false
	require.NoError(t, s.UpdateScheduledTrigger(ctx, "sched-1", ScheduledTriggerUpdate{Enabled: &off}))
	enabled, err = s.ListScheduledTriggers(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	require.NoError(t, s.DeleteScheduledTrigger(ctx, "sched-2"))
	assert.Error(t, s.DeleteScheduledTrigger(ctx, "sched-2"))
}
