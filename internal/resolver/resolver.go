package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// refPattern locates {{...}} reference spans inside a string.
var refPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Resolve substitutes every {{...}} reference in value against the context.
// Resolution is recursive over mappings and sequences and never fails:
//   - a string that is exactly one reference returns the referenced value
//     unconverted, preserving its native type;
//   - a string mixing literal text and references replaces each resolved
//     reference with its string representation;
//   - an unresolved reference is left as literal text unchanged (fail-soft)
//     so a run never aborts merely because an optional field is unset.
func Resolve(value any, rc *Context) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Resolve(item, rc)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Resolve(item, rc)
		}
		return out
	case string:
		return resolveString(v, rc)
	default:
		return value
	}
}

// ResolveParams resolves a node's raw parameter map into its data_in.
func ResolveParams(params map[string]any, rc *Context) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	resolved, _ := Resolve(params, rc).(map[string]any)
	return resolved
}

func resolveString(s string, rc *Context) any {
	match := refPattern.FindStringSubmatchIndex(s)
	if match == nil {
		return s
	}

	// Full-string single reference: return the value with its native type so
	// a resolved mapping or list passes through whole to a downstream call.
	if match[0] == 0 && match[1] == len(s) {
		path := strings.TrimSpace(s[match[2]:match[3]])
		if val, ok := rc.lookup(path); ok {
			return val
		}
		return s
	}

	// Mixed literal text and references: stringify each resolved reference,
	// keep unresolved ones as literal text.
	return refPattern.ReplaceAllStringFunc(s, func(tok string) string {
		m := refPattern.FindStringSubmatch(tok)
		path := strings.TrimSpace(m[1])
		val, ok := rc.lookup(path)
		if !ok {
			return tok
		}
		return Stringify(val)
	})
}

// Stringify renders a resolved value for embedding inside literal text.
// Maps and slices render as compact JSON; numbers avoid float artifacts.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// ExtractReferences lists every reference path inside a value, in encounter
// order without duplicates. It is the inverse utility of Resolve, used to
// compute a node's upstream dependencies before building its context.
func ExtractReferences(value any) []string {
	var refs []string
	seen := make(map[string]bool)
	walkReferences(value, func(path string) {
		if !seen[path] {
			seen[path] = true
			refs = append(refs, path)
		}
	})
	return refs
}

func walkReferences(value any, visit func(string)) {
	switch v := value.(type) {
	case map[string]any:
		for _, item := range v {
			walkReferences(item, visit)
		}
	case []any:
		for _, item := range v {
			walkReferences(item, visit)
		}
	case string:
		for _, m := range refPattern.FindAllStringSubmatch(v, -1) {
			visit(strings.TrimSpace(m[1]))
		}
	}
}

// StepDependencies returns the ids of steps a value's references depend on
// (the <id> of every step.<id> path), used for dependency ordering and
// missing-dependency preflight checks.
func StepDependencies(value any) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, ref := range ExtractReferences(value) {
		segs := splitPath(ref)
		if len(segs) < 2 || segs[1].isIndex {
			continue
		}
		if segs[0].key == "step" || segs[0].key == "steps" {
			id := segs[1].key
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}
