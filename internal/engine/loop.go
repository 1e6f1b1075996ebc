package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandemhq/tandem/internal/resolver"
	"github.com/tandemhq/tandem/internal/store"
	"github.com/tandemhq/tandem/pkg/schema"
)

// MaxLoopIterations caps how many items a single loop node may process.
// Longer sequences are truncated with a warning, never an error.
const MaxLoopIterations = 1000

// runLoop executes a loop node: resolve the items reference to a sequence,
// then run the nested step list once per item with a child context exposing
// <item_name>, <item_name>_index and <item_name>_number. Iterations run
// sequentially, or with bounded fan-out when Concurrency > 1; one failed
// iteration aborts the loop and results merge only after all finish.
func (w *walk) runLoop(ctx context.Context, node *schema.Node, rc *resolver.Context) (map[string]any, error) {
	spec := node.Loop
	if spec == nil {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"loop node has no loop specification").WithNode(node.ID)
	}

	started := time.Now().UTC()
	step := &store.ExecutionStep{
		ID:          uuid.NewString(),
		ExecutionID: w.ex.ID,
		NodeID:      node.ID,
		Capability:  "loop",
		Status:      schema.StepStatusRunning,
		Position:    w.nextPos(),
		DataIn: map[string]any{
			"items_ref":   spec.ItemsRef,
			"item_name":   itemName(spec),
			"concurrency": fanOut(spec),
		},
		StartedAt: started,
	}

	if w.skip[node.ID] {
		step.Status = schema.StepStatusSkipped
		step.CompletedAt = &started
		if err := w.it.store.CreateStep(ctx, step); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "persist step").WithCause(err)
		}
		w.incDone()
		w.it.log.Info("loop skipped", "execution_id", w.ex.ID, "node_id", node.ID)
		return nil, nil
	}

	if err := w.it.store.CreateStep(ctx, step); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "persist step").WithCause(err)
	}

	items, ok := w.resolveItems(ctx, node.ID, spec.ItemsRef, rc)
	if !ok {
		out := loopResult(nil, 0, 0)
		if err := w.completeLoop(ctx, step, started, out); err != nil {
			return nil, err
		}
		rc.AddStepOutput(node.ID, out)
		w.incDone()
		return out, nil
	}
	if len(items) > MaxLoopIterations {
		w.warn(ctx, node.ID, schema.LogDomainLoop,
			"loop items exceed the iteration cap; extra items are not processed",
			map[string]any{"items": len(items), "cap": MaxLoopIterations})
		items = items[:MaxLoopIterations]
	}

	results, succeeded, runErr := w.runIterations(ctx, node, spec, rc, items)
	if runErr != nil {
		w.failStep(ctx, step, started, runErr)
		return nil, runErr
	}

	out := loopResult(results, len(items), succeeded)
	if err := w.completeLoop(ctx, step, started, out); err != nil {
		return nil, err
	}
	rc.AddStepOutput(node.ID, out)
	w.incDone()
	w.it.log.Info("loop completed",
		"execution_id", w.ex.ID, "node_id", node.ID, "count", len(items))
	return out, nil
}

// runIterations drives the per-item walks. Fail-fast: the first iteration
// error cancels the rest, and results merge only once every started
// iteration has finished.
func (w *walk) runIterations(ctx context.Context, node *schema.Node, spec *schema.LoopSpec, rc *resolver.Context, items []any) ([]any, int, error) {
	name := itemName(spec)
	results := make([]any, len(items))

	iterate := func(ctx context.Context, i int) error {
		child := rc.Child(name, items[i], i)
		// Each iteration writes step outputs into its own layer so
		// concurrent iterations never observe each other.
		child.Steps = cloneStepOutputs(rc.Steps)
		collected := make(map[string]any)
		if err := w.walkList(ctx, node.Loop.Steps, child, collected); err != nil {
			return err
		}
		results[i] = map[string]any{
			"index": i,
			"item":  items[i],
			"steps": collected,
		}
		return nil
	}

	concurrency := fanOut(spec)
	if concurrency <= 1 {
		for i := range items {
			if err := iterate(ctx, i); err != nil {
				return nil, countDone(results), err
			}
		}
		return results, len(items), nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	sem := make(chan struct{}, concurrency)
	for i := range items {
		if runCtx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := iterate(runCtx, i); err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(i)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, countDone(results), firstErr
	}
	return results, len(items), nil
}

// resolveItems turns the items reference into a sequence. A {{...}}
// reference goes through the resolver; a cel:/jq:/expr: prefixed string
// through the expression engines. A non-sequence result yields zero
// iterations and a warning.
func (w *walk) resolveItems(ctx context.Context, nodeID, ref string, rc *resolver.Context) ([]any, bool) {
	var value any
	switch {
	case ref == "":
		value = nil
	case hasEnginePrefix(ref):
		v, err := w.it.exprs.Evaluate(ctx, ref, rc.Flatten())
		if err != nil {
			w.warn(ctx, nodeID, schema.LogDomainLoop,
				"loop items expression failed; running zero iterations",
				map[string]any{"items_ref": ref, "error": err.Error()})
			return nil, false
		}
		value = v
	default:
		value = resolver.Resolve(ref, rc)
	}

	items, ok := asSequence(value)
	if !ok {
		w.warn(ctx, nodeID, schema.LogDomainLoop,
			"loop items did not resolve to a sequence; running zero iterations",
			map[string]any{"items_ref": ref})
		return nil, false
	}
	return items, true
}

func (w *walk) completeLoop(ctx context.Context, step *store.ExecutionStep, started time.Time, out map[string]any) error {
	completed := time.Now().UTC()
	duration := completed.Sub(started).Milliseconds()
	status := schema.StepStatusSuccess
	if err := w.it.store.UpdateStep(ctx, step.ID, store.StepUpdate{
		Status:      &status,
		DataOut:     out,
		CompletedAt: &completed,
		DurationMs:  &duration,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "persist step outcome").WithCause(err)
	}
	return nil
}

func loopResult(results []any, count, succeeded int) map[string]any {
	if results == nil {
		results = []any{}
	}
	return map[string]any{
		"items":         results,
		"count":         count,
		"success_count": succeeded,
		"error_count":   count - succeeded,
	}
}

func itemName(spec *schema.LoopSpec) string {
	if spec.ItemName != "" {
		return spec.ItemName
	}
	return "item"
}

func fanOut(spec *schema.LoopSpec) int {
	if spec.Concurrency > 1 {
		return spec.Concurrency
	}
	return 1
}

func countDone(results []any) int {
	n := 0
	for _, r := range results {
		if r != nil {
			n++
		}
	}
	return n
}

func hasEnginePrefix(s string) bool {
	for _, p := range []string{"cel:", "jq:", "expr:"} {
		if len(s) > len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

func asSequence(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []map[string]any:
		out := make([]any, len(s))
		for i, m := range s {
			out[i] = m
		}
		return out, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

func cloneStepOutputs(steps map[string]any) map[string]any {
	out := make(map[string]any, len(steps))
	for k, v := range steps {
		out[k] = v
	}
	return out
}
