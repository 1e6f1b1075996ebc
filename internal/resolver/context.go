package resolver

import (
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Context holds all data available for variable resolution in one run.
// Roots: trigger (trigger output), step.<id> (prior step outputs), flow and
// execution (run metadata), env (environment variables), plus the pure
// functions now() and uuid(). Locals sits on top of everything and carries
// loop iteration variables and review data merged by resume_after_review.
type Context struct {
	Trigger map[string]any
	Steps   map[string]any // step id -> data_out
	Flow    map[string]any // run metadata (execution_id, workflow_id, ...)
	Locals  map[string]any // loop vars, review payload; highest precedence
}

// NewContext creates a Context with initialized maps.
func NewContext() *Context {
	return &Context{
		Trigger: make(map[string]any),
		Steps:   make(map[string]any),
		Flow:    make(map[string]any),
		Locals:  make(map[string]any),
	}
}

// AddStepOutput registers a completed step's data_out as a step.<id> root.
// Outputs of prior steps are the sole channel of inter-step communication.
func (c *Context) AddStepOutput(stepID string, out any) {
	if c.Steps == nil {
		c.Steps = make(map[string]any)
	}
	c.Steps[stepID] = out
}

// MergeLocals overlays data on top of the context (review data, loop vars).
func (c *Context) MergeLocals(data map[string]any) {
	if c.Locals == nil {
		c.Locals = make(map[string]any)
	}
	for k, v := range data {
		c.Locals[k] = v
	}
}

// Child returns a copy sharing the parent's roots with its own Locals layer,
// used for per-iteration loop contexts. The item is exposed as <name>,
// <name>_index (0-based) and <name>_number (1-based).
func (c *Context) Child(itemName string, item any, index int) *Context {
	locals := make(map[string]any, len(c.Locals)+3)
	for k, v := range c.Locals {
		locals[k] = v
	}
	locals[itemName] = item
	locals[itemName+"_index"] = index
	locals[itemName+"_number"] = index + 1
	return &Context{
		Trigger: c.Trigger,
		Steps:   c.Steps,
		Flow:    c.Flow,
		Locals:  locals,
	}
}

// lookup resolves a dotted reference path against the context roots.
// The second return is false when the path cannot be resolved ("not found"),
// which callers treat as fail-soft, never as an error.
func (c *Context) lookup(path string) (any, bool) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, false
	}
	head := segs[0]

	// Locals shadow every named root.
	if c.Locals != nil {
		if v, ok := c.Locals[head.key]; ok && !head.isIndex {
			return navigate(v, segs[1:])
		}
	}

	switch head.key {
	case "trigger":
		return navigate(c.Trigger, segs[1:])
	case "step", "steps":
		if len(segs) < 2 || segs[1].isIndex {
			return nil, false
		}
		out, ok := c.Steps[segs[1].key]
		if !ok {
			return nil, false
		}
		return navigate(out, segs[2:])
	case "flow", "execution":
		return navigate(c.Flow, segs[1:])
	case "env":
		if len(segs) != 2 || segs[1].isIndex {
			return nil, false
		}
		v, ok := os.LookupEnv(segs[1].key)
		return v, ok
	case "now":
		return time.Now().UTC().Format(time.RFC3339), true
	case "uuid":
		return uuid.NewString(), true
	}
	return nil, false
}

// Lookup resolves a dotted reference path against the context roots.
// The second return is false when the path cannot be resolved.
func (c *Context) Lookup(path string) (any, bool) {
	return c.lookup(path)
}

// Flatten exposes the context as a plain map for expression engines.
func (c *Context) Flatten() map[string]any {
	data := map[string]any{
		"trigger":   c.Trigger,
		"step":      c.Steps,
		"flow":      c.Flow,
		"execution": c.Flow,
		"vars":      c.Locals,
	}
	for k, v := range c.Locals {
		data[k] = v
	}
	return data
}

// pathSeg is one parsed segment of a reference path: a field key or a
// bracketed integer index.
type pathSeg struct {
	key     string
	index   int
	isIndex bool
}

// splitPath parses "a.b[0].c" into field and index segments.
// A malformed path yields nil (treated as not found).
func splitPath(path string) []pathSeg {
	var segs []pathSeg
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil
		}
		for {
			open := strings.IndexByte(part, '[')
			if open == -1 {
				segs = append(segs, pathSeg{key: part})
				break
			}
			if open > 0 {
				segs = append(segs, pathSeg{key: part[:open]})
			}
			closeIdx := strings.IndexByte(part[open:], ']')
			if closeIdx == -1 {
				return nil
			}
			closeIdx += open
			idx, ok := parseIndex(part[open+1 : closeIdx])
			if !ok {
				return nil
			}
			segs = append(segs, pathSeg{index: idx, isIndex: true})
			part = part[closeIdx+1:]
			if part == "" {
				break
			}
			// Consecutive brackets: a[0][1]
			if part[0] != '[' {
				return nil
			}
		}
	}
	return segs
}

func parseIndex(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

// navigate walks nested maps and slices. Navigating through nil, a missing
// key, a non-container, or an out-of-range index yields not-found.
func navigate(root any, segs []pathSeg) (any, bool) {
	current := root
	for _, seg := range segs {
		if current == nil {
			return nil, false
		}
		if seg.isIndex {
			list, ok := asSlice(current)
			if !ok || seg.index < 0 || seg.index >= len(list) {
				return nil, false
			}
			current = list[seg.index]
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg.key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asSlice(v any) ([]any, bool) {
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
