package workflow

import (
	"errors"
	"fmt"
)

// Template errors, reported by Compile and Validate.
var (
	ErrNoNodes         = errors.New("template has no nodes")
	ErrEmptyNodeID     = errors.New("node has empty id")
	ErrDuplicateNodeID = errors.New("duplicate node id")
	ErrUnknownStepType = errors.New("unknown step type")
	ErrInvalidPrompt   = errors.New("invalid prompt template")
	ErrInvalidSchema   = errors.New("invalid output schema")
)

// Run errors. Configuration errors are always fatal; the others are fatal at
// the top level and cost only the affected item inside a forEach step.
var (
	ErrConfig       = errors.New("invalid step configuration")
	ErrInvalidStep  = fmt.Errorf("%w: step needs a name, a system prompt and a user prompt", ErrConfig)
	ErrMissingInput = errors.New("required input could not be resolved")
	ErrProvider     = errors.New("generative-text call failed")
	ErrParse        = errors.New("step output is not valid JSON for the declared shape")
	ErrAborted      = errors.New("workflow run aborted")
)

// StepError carries the diagnostics of a failed step.
type StepError struct {
	NodeID string // node the step belongs to
	Step   string // step name
	Key    string // input variable, when the failure is about one
	Err    error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	name := e.Step
	if name == "" {
		name = e.NodeID
	}
	if e.Key != "" {
		return fmt.Sprintf("step %q: input %q: %v", name, e.Key, e.Err)
	}
	return fmt.Sprintf("step %q: %v", name, e.Err)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

func stepError(node *compiledNode, step *compiledStep, key string, err error) *StepError {
	se := &StepError{Key: key, Err: err}
	if node != nil {
		se.NodeID = node.id
		se.Step = node.name
	}
	if step != nil && step.data.Name != "" {
		se.Step = step.data.Name
	}
	return se
}
