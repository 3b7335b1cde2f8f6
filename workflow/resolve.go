package workflow

import (
	"fmt"
	"strconv"

	"github.com/songzhibin97/promptflow/types"
)

// Snapshot is a read-only view of a run's context. Nodes read through it; only
// the orchestrator writes results, between nodes.
type Snapshot struct {
	initialInputs map[string]any
	queryPrompt   string
	results       map[string]any
}

// InitialInput returns the value at path inside the initial inputs. An empty
// path yields the whole map.
func (s Snapshot) InitialInput(path ...string) (any, bool) {
	if len(path) == 0 {
		return s.initialInputs, true
	}
	return walk(s.initialInputs, path)
}

// QueryPrompt returns the query prompt of the run.
func (s Snapshot) QueryPrompt() string { return s.queryPrompt }

// StepResult returns the stored output of a completed node.
func (s Snapshot) StepResult(nodeID string) (any, bool) {
	v, ok := s.results[nodeID]
	return v, ok
}

// itemScope is the current element of a forEach iteration.
type itemScope struct {
	item  any
	index int
}

// resolveRef looks a source reference up. The boolean is false when the
// reference does not resolve; such a value is absent, which is distinct from
// resolving to an empty value.
func resolveRef(ref types.SourceRef, snap Snapshot, scope *itemScope) (any, bool) {
	switch ref.Kind {
	case types.RefCurrentItem:
		if scope == nil {
			return nil, false
		}
		return walk(scope.item, ref.Path)
	case types.RefInitialInput:
		return snap.InitialInput(ref.Path...)
	case types.RefQueryPrompt:
		return snap.QueryPrompt(), true
	default:
		return snap.StepResult(ref.NodeID)
	}
}

// resolveInputs builds the input map of a step. Every mapped variable gets a
// key: resolved ones carry their value, unresolved optional ones carry nil.
// An unresolved required variable fails the step.
func resolveInputs(node *compiledNode, step *compiledStep, snap Snapshot, scope *itemScope) (map[string]any, error) {
	inputs := make(map[string]any, len(step.bindings)+1)
	required := make(map[string]bool, len(step.required))
	for _, name := range step.required {
		required[name] = true
	}

	for _, b := range step.bindings {
		if v, ok := resolveRef(b.ref, snap, scope); ok {
			inputs[b.variable] = v
			continue
		}
		if required[b.variable] {
			return nil, stepError(node, step, b.variable, fmt.Errorf("%w: source %q (%s)", ErrMissingInput, b.ref.Raw, b.ref.Kind))
		}
		inputs[b.variable] = nil
	}
	return inputs, nil
}

func walk(v any, path []string) (any, bool) {
	cur := v
	for _, seg := range path {
		switch c := cur.(type) {
		case map[string]any:
			next, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]string:
			next, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil, false
			}
			cur = c[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
