package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tandemhq/tandem/pkg/schema"
)

// MemoryStore is an in-memory Store used by tests and ephemeral runs.
// It honors the same optimistic-locking and immutability contracts as
// LibSQLStore.
type MemoryStore struct {
	mu sync.RWMutex

	workflows  map[string]map[int]*WorkflowRecord
	executions map[string]*Execution
	steps      map[string]*ExecutionStep
	logs       []*ExecutionLog
	audits     []*AuditEvent
	scheduled  map[string]*ScheduledTrigger

	nextLogID   int64
	nextAuditID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]map[int]*WorkflowRecord),
		executions: make(map[string]*Execution),
		steps:      make(map[string]*ExecutionStep),
		scheduled:  make(map[string]*ScheduledTrigger),
	}
}

// --- Workflows ---

func (s *MemoryStore) SaveWorkflow(ctx context.Context, wf *WorkflowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.workflows[wf.ID]
	if !ok {
		versions = make(map[int]*WorkflowRecord)
		s.workflows[wf.ID] = versions
	}
	if existing, ok := versions[wf.Version]; ok && existing.Locked {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s version %d is locked", wf.ID, wf.Version)
	}

	cp := *wf
	cp.CreatedAt = timeOrNow(wf.CreatedAt)
	cp.UpdatedAt = time.Now().UTC()
	versions[wf.Version] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string, version int) (*WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id][version]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (s *MemoryStore) LatestWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.workflows[id]
	if len(versions) == 0 {
		return nil, storeNotFound("workflow", id)
	}
	best := -1
	for v := range versions {
		if v > best {
			best = v
		}
	}
	cp := *versions[best]
	return &cp, nil
}

func (s *MemoryStore) LockWorkflow(ctx context.Context, id string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id][version]
	if !ok {
		return storeNotFound("workflow", id)
	}
	wf.Locked = true
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, limit int) ([]*WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*WorkflowRecord
	for _, versions := range s.workflows {
		for _, wf := range versions {
			cp := *wf
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version > out[j].Version
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Executions ---

func (s *MemoryStore) CreateExecution(ctx context.Context, ex *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[ex.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already exists", ex.ID)
	}
	cp := *ex
	if cp.Version == 0 {
		cp.Version = 1
	}
	cp.CreatedAt = timeOrNow(ex.CreatedAt)
	cp.UpdatedAt = timeOrNow(ex.UpdatedAt)
	s.executions[ex.ID] = &cp
	ex.Version = cp.Version
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getExecutionLocked(id)
}

func (s *MemoryStore) getExecutionLocked(id string) (*Execution, error) {
	ex, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	cp := *ex
	return &cp, nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, id string, expectedVersion int64, update ExecutionUpdate) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	if ex.Version != expectedVersion {
		return nil, schema.NewErrorf(schema.ErrCodeVersionConflict,
			"execution %s was modified concurrently (expected version %d, have %d)", id, expectedVersion, ex.Version)
	}

	if update.Status != nil {
		ex.Status = *update.Status
	}
	if update.CurrentNodeID != nil {
		ex.CurrentNodeID = *update.CurrentNodeID
	}
	if update.TriggerOutput != nil {
		ex.TriggerOutput = cloneMap(update.TriggerOutput)
	}
	if update.Locals != nil {
		ex.Locals = cloneMap(update.Locals)
	}
	if update.ProgressDone != nil {
		ex.ProgressDone = *update.ProgressDone
	}
	if update.ProgressTotal != nil {
		ex.ProgressTotal = *update.ProgressTotal
	}
	if update.ErrorCode != nil {
		ex.ErrorCode = *update.ErrorCode
	}
	if update.ErrorHuman != nil {
		ex.ErrorHuman = *update.ErrorHuman
	}
	if update.ErrorTech != nil {
		ex.ErrorTech = *update.ErrorTech
	}
	if update.RecommendedActions != nil {
		ex.RecommendedActions = append([]schema.RecommendedAction(nil), update.RecommendedActions...)
	}
	if update.PhaseTimings != nil {
		timings := make(map[string]PhaseTiming, len(update.PhaseTimings))
		for k, v := range update.PhaseTimings {
			timings[k] = v
		}
		ex.PhaseTimings = timings
	}
	if update.StartedAt != nil {
		ex.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		ex.CompletedAt = update.CompletedAt
	}
	ex.Version++
	ex.UpdatedAt = time.Now().UTC()

	cp := *ex
	return &cp, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Execution
	for _, ex := range s.executions {
		if filter.WorkflowID != "" && ex.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && ex.Status != *filter.Status {
			continue
		}
		cp := *ex
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetActiveExecution(ctx context.Context, workflowID string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ex := range s.executions {
		if ex.WorkflowID == workflowID && ex.Status.Active() {
			cp := *ex
			return &cp, nil
		}
	}
	return nil, nil
}

// --- Steps ---

func (s *MemoryStore) CreateStep(ctx context.Context, step *ExecutionStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.steps[step.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step %s already exists", step.ID)
	}
	cp := *step
	cp.StartedAt = timeOrNow(step.StartedAt)
	s.steps[step.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateStep(ctx context.Context, id string, update StepUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.steps[id]
	if !ok {
		return storeNotFound("step", id)
	}
	if st.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "step %s is terminal and immutable", id)
	}

	if update.Status != nil {
		st.Status = *update.Status
	}
	if update.DataOut != nil {
		st.DataOut = cloneMap(update.DataOut)
	}
	if update.ErrorHuman != nil {
		st.ErrorHuman = *update.ErrorHuman
	}
	if update.ErrorTech != nil {
		st.ErrorTech = *update.ErrorTech
	}
	if update.CompletedAt != nil {
		st.CompletedAt = update.CompletedAt
	}
	if update.DurationMs != nil {
		st.DurationMs = *update.DurationMs
	}
	return nil
}

func (s *MemoryStore) ListSteps(ctx context.Context, executionID string) ([]*ExecutionStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionStep
	for _, st := range s.steps {
		if st.ExecutionID == executionID {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Position < out[j].Position
	})
	return out, nil
}

// --- Logs ---

func (s *MemoryStore) AppendLog(ctx context.Context, entry *ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLogID++
	cp := *entry
	cp.ID = s.nextLogID
	cp.CreatedAt = timeOrNow(entry.CreatedAt)
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *MemoryStore) QueryLogs(ctx context.Context, q LogQuery) ([]*ExecutionLog, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := clampLogLimit(q.Limit)
	var out []*ExecutionLog
	for _, l := range s.logs {
		if l.ExecutionID != q.ExecutionID || l.ID <= q.AfterID {
			continue
		}
		cp := *l
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	var next int64
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

// --- Audit ---

func (s *MemoryStore) AppendAudit(ctx context.Context, event *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAuditID++
	cp := *event
	cp.ID = s.nextAuditID
	cp.CreatedAt = timeOrNow(event.CreatedAt)
	s.audits = append(s.audits, &cp)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, executionID string) ([]*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditEvent
	for _, ev := range s.audits {
		if ev.ExecutionID == executionID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Scheduled triggers ---

func (s *MemoryStore) CreateScheduledTrigger(ctx context.Context, st *ScheduledTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scheduled[st.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled trigger %s already exists", st.ID)
	}
	cp := *st
	cp.CreatedAt = timeOrNow(st.CreatedAt)
	s.scheduled[st.ID] = &cp
	return nil
}

func (s *MemoryStore) ListScheduledTriggers(ctx context.Context, enabledOnly bool) ([]*ScheduledTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ScheduledTrigger
	for _, st := range s.scheduled {
		if enabledOnly && !st.Enabled {
			continue
		}
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.scheduled[id]
	if !ok {
		return storeNotFound("scheduled trigger", id)
	}
	if update.Enabled != nil {
		st.Enabled = *update.Enabled
	}
	if update.Cron != nil {
		st.Cron = *update.Cron
	}
	if update.LastRunAt != nil {
		st.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		st.NextRunAt = update.NextRunAt
	}
	return nil
}

func (s *MemoryStore) DeleteScheduledTrigger(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scheduled[id]; !ok {
		return storeNotFound("scheduled trigger", id)
	}
	delete(s.scheduled, id)
	return nil
}

// --- Maintenance ---

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Vacuum(ctx context.Context) error  { return nil }
func (s *MemoryStore) Close() error                      { return nil }

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
