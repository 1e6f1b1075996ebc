package connectors

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/tandemhq/tandem/pkg/schema"
)

// StepExecutor is the adapter contract every capability implements.
// Execute receives fully resolved params; references were substituted
// before the call and the executor never sees raw {{...}} tokens.
//
// A recoverable, human-actionable failure is returned as a TandemError
// built with schema.NewReviewError; the engine routes the run to
// needs_review instead of failed.
type StepExecutor interface {
	Key() string
	Description() string
	ParameterSchema() json.RawMessage
	SideEffecting() bool
	Validate(params map[string]any) error
	Execute(ctx context.Context, in ExecutionInput) (map[string]any, error)
}

// RunContext is the read-only slice of run state an executor may inspect.
type RunContext struct {
	ExecutionID   string
	WorkflowID    string
	CorrelationID string
	TriggerOutput map[string]any
	StepOutputs   map[string]any
	DryRun        bool
}

// ExecutionInput is the data handed to an executor for one step.
type ExecutionInput struct {
	Params map[string]any
	Run    RunContext
}

// Info is a registry listing entry.
type Info struct {
	Key           string          `json:"key"`
	Description   string          `json:"description,omitempty"`
	SideEffecting bool            `json:"side_effecting"`
	ParamSchema   json.RawMessage `json:"param_schema,omitempty"`
}

// Registry is the thread-safe capability lookup table. All registration
// happens explicitly at startup; there is no dynamic discovery.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]StepExecutor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]StepExecutor),
	}
}

// Register adds an executor to the registry. Returns error on duplicate key.
func (r *Registry) Register(e StepExecutor) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	key := e.Key()
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor key is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "capability %q already registered", key)
	}

	r.executors[key] = e
	return nil
}

// Get retrieves an executor by capability key.
func (r *Registry) Get(key string) (StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityUnknown, "capability %q not registered", key)
	}
	return e, nil
}

// Has checks whether a capability is registered.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[key]
	return ok
}

// Count returns the number of registered executors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}

// List returns info for all registered executors, sorted by key.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.executors))
	for _, e := range r.executors {
		infos = append(infos, Info{
			Key:           e.Key(),
			Description:   e.Description(),
			SideEffecting: e.SideEffecting(),
			ParamSchema:   e.ParameterSchema(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Key < infos[j].Key
	})
	return infos
}

// PermissionChecker is an optional second interface an executor can
// implement when its capability depends on an external connection.
// Preflight calls it to surface permission and expired-auth issues
// before a run starts.
type PermissionChecker interface {
	CheckPermission(ctx context.Context, params map[string]any) error
}
