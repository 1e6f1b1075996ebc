package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemhq/tandem/internal/store"
	"github.com/tandemhq/tandem/pkg/schema"
)

type startCall struct {
	workflowID string
	opts       schema.StartOptions
}

// fakeRunner records Start calls and returns a configurable error.
type fakeRunner struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

func (f *fakeRunner) Start(_ context.Context, workflowID string, opts schema.StartOptions) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, startCall{workflowID: workflowID, opts: opts})
	if f.err != nil {
		return nil, f.err
	}
	return &store.Execution{ID: "exec-1", WorkflowID: workflowID}, nil
}

func (f *fakeRunner) started() []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]startCall(nil), f.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedTrigger(t *testing.T, st store.Store, trig *store.ScheduledTrigger) {
	t.Helper()
	require.NoError(t, st.CreateScheduledTrigger(context.Background(), trig))
}

func TestTickFiresDueTriggers(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	sched := NewScheduler(st, runner, testLogger())

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	seedTrigger(t, st, &store.ScheduledTrigger{
		ID: "due", WorkflowID: "wf-due", Cron: "*/5 * * * *",
		Enabled: true, NextRunAt: &past,
	})
	seedTrigger(t, st, &store.ScheduledTrigger{
		ID: "later", WorkflowID: "wf-later", Cron: "0 0 * * *",
		Enabled: true, NextRunAt: &future,
	})
	seedTrigger(t, st, &store.ScheduledTrigger{
		ID: "off", WorkflowID: "wf-off", Cron: "* * * * *",
		Enabled: false, NextRunAt: &past,
	})

	sched.Tick(context.Background())

	calls := runner.started()
	require.Len(t, calls, 1)
	assert.Equal(t, "wf-due", calls[0].workflowID)
	assert.Equal(t, "scheduler", calls[0].opts.Actor)
	assert.Equal(t, true, calls[0].opts.TriggerData["scheduled"])
	assert.Equal(t, "due", calls[0].opts.TriggerData["trigger_id"])
}

func TestTickAdvancesTimestamps(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	sched := NewScheduler(st, runner, testLogger())

	past := time.Now().UTC().Add(-time.Minute)
	seedTrigger(t, st, &store.ScheduledTrigger{
		ID: "due", WorkflowID: "wf", Cron: "*/15 * * * *",
		Enabled: true, NextRunAt: &past,
	})

	before := time.Now().UTC()
	sched.Tick(context.Background())

	triggers, err := st.ListScheduledTriggers(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, triggers, 1)

	trig := triggers[0]
	require.NotNil(t, trig.LastRunAt)
	assert.False(t, trig.LastRunAt.Before(before.Truncate(time.Second)))
	require.NotNil(t, trig.NextRunAt)
	assert.True(t, trig.NextRunAt.After(*trig.LastRunAt))
}

func TestTickFiresWithNilNextRun(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	sched := NewScheduler(st, runner, testLogger())

	// A trigger that has never fired has no next_run_at yet.
	seedTrigger(t, st, &store.ScheduledTrigger{
		ID: "fresh", WorkflowID: "wf", Cron: "0 * * * *", Enabled: true,
	})

	sched.Tick(context.Background())
	assert.Len(t, runner.started(), 1)

	triggers, err := st.ListScheduledTriggers(context.Background(), true)
	require.NoError(t, err)
	require.NotNil(t, triggers[0].NextRunAt)
}

func TestTickToleratesConcurrentExecution(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{err: schema.NewError(schema.ErrCodeConcurrentExecution, "already running")}
	sched := NewScheduler(st, runner, testLogger())

	past := time.Now().UTC().Add(-time.Minute)
	seedTrigger(t, st, &store.ScheduledTrigger{
		ID: "busy", WorkflowID: "wf", Cron: "* * * * *",
		Enabled: true, NextRunAt: &past,
	})

	sched.Tick(context.Background())

	// The schedule advances even when the run was skipped.
	triggers, err := st.ListScheduledTriggers(context.Background(), true)
	require.NoError(t, err)
	require.NotNil(t, triggers[0].LastRunAt)
	assert.True(t, triggers[0].NextRunAt.After(time.Now().UTC()))
}

func TestInflightDedup(t *testing.T) {
	st := store.NewMemoryStore()
	sched := NewScheduler(st, &fakeRunner{}, testLogger())

	require.True(t, sched.tryAcquire("t1"))
	assert.False(t, sched.tryAcquire("t1"))
	sched.release("t1")
	assert.True(t, sched.tryAcquire("t1"))
}

func TestCalculateNextRun(t *testing.T) {
	sched := NewScheduler(store.NewMemoryStore(), &fakeRunner{}, testLogger())

	from := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)
	next, err := sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("not a cron", from)
	assert.Error(t, err)
}

func TestRecoverMissed(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	sched := NewScheduler(st, runner, testLogger())

	missed := time.Now().UTC().Add(-2 * time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	seedTrigger(t, st, &store.ScheduledTrigger{
		ID: "missed", WorkflowID: "wf-missed", Cron: "0 * * * *",
		Enabled: true, NextRunAt: &missed,
	})
	seedTrigger(t, st, &store.ScheduledTrigger{
		ID: "ontime", WorkflowID: "wf-ontime", Cron: "0 * * * *",
		Enabled: true, NextRunAt: &future,
	})

	require.NoError(t, sched.RecoverMissed(context.Background()))

	calls := runner.started()
	require.Len(t, calls, 1)
	assert.Equal(t, "wf-missed", calls[0].workflowID)
}

func TestStartAndStop(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	sched := NewScheduler(st, runner, testLogger())

	past := time.Now().UTC().Add(-time.Minute)
	seedTrigger(t, st, &store.ScheduledTrigger{
		ID: "due", WorkflowID: "wf", Cron: "* * * * *",
		Enabled: true, NextRunAt: &past,
	})

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()))

	// The initial tick fires without waiting for the ticker.
	require.Eventually(t, func() bool {
		return len(runner.started()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}
