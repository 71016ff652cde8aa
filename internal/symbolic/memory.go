package symbolic

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Fact is a ground fact in working memory: a predicate over literal
// argument values, with an attached confidence.
type Fact struct {
	Predicate  string
	Args       []any
	Confidence float64
}

// ToolStatus is the per-tool lifecycle state visible to rules.
type ToolStatus string

const (
	ToolAvailable ToolStatus = "available"
	ToolExecuting ToolStatus = "executing"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
	ToolBlocked   ToolStatus = "blocked"
)

// WorkingMemory is the transient fact base for one query. It is never
// shared across queries.
type WorkingMemory struct {
	facts      map[string][]Fact
	bindings   map[string]any
	toolStates map[string]ToolStatus
}

// NewWorkingMemory creates an empty working memory.
func NewWorkingMemory() *WorkingMemory {
	return &WorkingMemory{
		facts:      map[string][]Fact{},
		bindings:   map[string]any{},
		toolStates: map[string]ToolStatus{},
	}
}

// Assert adds a fact unless an identical one (same predicate and args)
// already exists. It reports whether the fact base changed.
func (wm *WorkingMemory) Assert(f Fact) bool {
	for i := range f.Args {
		f.Args[i] = normalizeValue(f.Args[i])
	}
	for _, existing := range wm.facts[f.Predicate] {
		if argsEqual(existing.Args, f.Args) {
			return false
		}
	}
	wm.facts[f.Predicate] = append(wm.facts[f.Predicate], f)
	return true
}

// FactsFor returns the facts for a predicate.
func (wm *WorkingMemory) FactsFor(predicate string) []Fact {
	return wm.facts[predicate]
}

// SetToolState records a tool's lifecycle state.
func (wm *WorkingMemory) SetToolState(tool string, status ToolStatus) {
	wm.toolStates[tool] = status
}

// ToolState returns a tool's lifecycle state, defaulting to available.
func (wm *WorkingMemory) ToolState(tool string) ToolStatus {
	if st, ok := wm.toolStates[tool]; ok {
		return st
	}
	return ToolAvailable
}

// Bind records a global variable binding.
func (wm *WorkingMemory) Bind(name string, value any) {
	wm.bindings[name] = normalizeValue(value)
}

// Universe returns the distinct argument values across the whole fact
// base, in a deterministic order. Quantifiers range over this set.
func (wm *WorkingMemory) Universe() []any {
	seen := map[string]any{}
	for _, facts := range wm.facts {
		for _, f := range facts {
			for _, arg := range f.Args {
				seen[valueKey(arg)] = arg
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = seen[k]
	}
	return out
}

func argsEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !valueEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// valueKey renders a literal value as a stable map key.
func valueKey(v any) string {
	switch t := normalizeValue(v).(type) {
	case string:
		return "s:" + t
	case float64:
		return fmt.Sprintf("n:%g", t)
	case bool:
		return fmt.Sprintf("b:%v", t)
	default:
		raw, _ := json.Marshal(t)
		return "j:" + string(raw)
	}
}

// valueEqual compares literal values; numbers compare numerically,
// composites structurally.
func valueEqual(a, b any) bool {
	a, b = normalizeValue(a), normalizeValue(b)
	if af, aok := a.(float64); aok {
		bf, bok := b.(float64)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}
