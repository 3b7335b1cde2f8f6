package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/songzhibin97/promptflow/prompt"
	"github.com/songzhibin97/promptflow/types"
)

// Program is a template compiled for execution: source references are parsed,
// prompts are compiled and input contracts are derived once, up front.
type Program struct {
	template types.WorkflowTemplate
	nodes    []*compiledNode
}

type compiledNode struct {
	id         string
	name       string
	kind       string
	expectJSON bool
	step       *compiledStep // the step itself, or the sub-step of a forEach node
	forEach    *types.ForEachConfig
}

type compiledStep struct {
	data     types.StepData
	system   *prompt.Template
	user     *prompt.Template
	bindings []binding // sorted by variable
	bound    map[string]bool
	required []string
	optional []string
	schema   *jsonschema.Schema
}

type binding struct {
	variable string
	ref      types.SourceRef
}

// InputContract describes what a step needs before it can run.
type InputContract struct {
	NodeID   string            `json:"node_id" yaml:"node_id"`
	Step     string            `json:"step" yaml:"step"`
	Required []string          `json:"required" yaml:"required"`
	Optional []string          `json:"optional" yaml:"optional"`
	Sources  map[string]string `json:"sources" yaml:"sources"`
}

// Compile checks the structure of tmpl and prepares it for execution. It does
// not check step contents that are validated when the step runs; see Validate.
func Compile(tmpl types.WorkflowTemplate) (*Program, error) {
	if len(tmpl.Nodes) == 0 {
		return nil, ErrNoNodes
	}

	prog := &Program{template: tmpl, nodes: make([]*compiledNode, 0, len(tmpl.Nodes))}
	seen := make(map[string]bool, len(tmpl.Nodes))
	for i, n := range tmpl.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("node %d: %w", i, ErrEmptyNodeID)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNodeID, n.ID)
		}
		seen[n.ID] = true

		node, err := compileNode(n)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		prog.nodes = append(prog.nodes, node)
	}
	return prog, nil
}

func compileNode(n types.WorkflowNode) (*compiledNode, error) {
	node := &compiledNode{
		id:         n.ID,
		name:       n.Data.Name,
		kind:       n.Data.Type,
		expectJSON: n.Data.ExpectJSON,
	}
	if node.kind == "" {
		node.kind = types.StepSequential
	}

	switch node.kind {
	case types.StepSequential:
		step, err := compileStep(n.ID, n.Data)
		if err != nil {
			return nil, err
		}
		node.step = step
	case types.StepForEach:
		node.forEach = n.Data.ForEachConfig
		if n.Data.SubStep != nil {
			step, err := compileStep(n.ID, *n.Data.SubStep)
			if err != nil {
				return nil, fmt.Errorf("sub_step: %w", err)
			}
			node.step = step
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStepType, n.Data.Type)
	}
	return node, nil
}

func compileStep(nodeID string, data types.StepData) (*compiledStep, error) {
	step := &compiledStep{data: data, bound: make(map[string]bool, len(data.InputMapping))}

	var err error
	if data.SystemPrompt != "" {
		if step.system, err = prompt.Parse(data.SystemPrompt); err != nil {
			return nil, fmt.Errorf("%w: system prompt: %v", ErrInvalidPrompt, err)
		}
	}
	if data.UserPrompt != "" {
		if step.user, err = prompt.Parse(data.UserPrompt); err != nil {
			return nil, fmt.Errorf("%w: user prompt: %v", ErrInvalidPrompt, err)
		}
	}

	for variable, raw := range data.InputMapping {
		step.bindings = append(step.bindings, binding{variable: variable, ref: types.ParseSourceRef(raw)})
		step.bound[variable] = true
	}
	sort.Slice(step.bindings, func(i, j int) bool {
		return step.bindings[i].variable < step.bindings[j].variable
	})

	step.required, step.optional = inputContract(data, step.user)

	if len(data.Schema) > 0 {
		if step.schema, err = compileSchema(nodeID, data.Schema); err != nil {
			return nil, err
		}
	}
	return step, nil
}

// inputContract returns the explicit required and optional inputs when the
// step declares any, and the ones derived from the user prompt otherwise.
func inputContract(data types.StepData, user *prompt.Template) (required, optional []string) {
	if len(data.RequiredInputs) > 0 || len(data.OptionalInputs) > 0 {
		return data.RequiredInputs, data.OptionalInputs
	}
	if user == nil {
		return nil, nil
	}
	return user.Required(), user.Optional()
}

func compileSchema(nodeID string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	resource := url.PathEscape(nodeID) + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return compiled, nil
}

// Template returns the template the program was compiled from.
func (p *Program) Template() types.WorkflowTemplate { return p.template }

// Contracts lists the input contract of every step, forEach sub-steps included.
func (p *Program) Contracts() []InputContract {
	out := make([]InputContract, 0, len(p.nodes))
	for _, node := range p.nodes {
		if node.step == nil {
			continue
		}
		c := InputContract{
			NodeID:   node.id,
			Step:     node.step.data.Name,
			Required: node.step.required,
			Optional: node.step.optional,
			Sources:  make(map[string]string, len(node.step.bindings)),
		}
		for _, b := range node.step.bindings {
			c.Sources[b.variable] = b.ref.Raw
		}
		out = append(out, c)
	}
	return out
}

// Validate compiles tmpl and additionally reports problems that would only
// surface while running: missing prompts, incomplete forEach configuration.
// References that point at unknown or later nodes are returned as warnings,
// since such inputs resolve as absent rather than failing the run.
func Validate(tmpl types.WorkflowTemplate) (warnings []string, err error) {
	prog, err := Compile(tmpl)
	if err != nil {
		return nil, err
	}

	var errs []error
	position := make(map[string]int, len(prog.nodes))
	for i, node := range prog.nodes {
		position[node.id] = i
	}

	for i, node := range prog.nodes {
		if node.kind == types.StepForEach {
			if err := checkForEachConfig(node); err != nil {
				errs = append(errs, fmt.Errorf("node %s: %w", node.id, err))
				continue
			}
			if p, ok := position[node.forEach.Source]; !ok || p >= i {
				warnings = append(warnings, fmt.Sprintf("node %s: forEach source %q is not an earlier node", node.id, node.forEach.Source))
			}
		}

		step := node.step
		if err := step.checkPrompts(); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", node.id, err))
		}
		for _, b := range step.bindings {
			switch b.ref.Kind {
			case types.RefStepOutput:
				if p, ok := position[b.ref.NodeID]; !ok || p >= i {
					warnings = append(warnings, fmt.Sprintf("node %s: input %q refers to %q, which is not an earlier node", node.id, b.variable, b.ref.NodeID))
				}
			case types.RefCurrentItem:
				if node.kind != types.StepForEach {
					warnings = append(warnings, fmt.Sprintf("node %s: input %q uses %s outside a forEach step", node.id, b.variable, types.CurrentItemToken))
				}
			}
		}
		for _, name := range step.required {
			if !step.bound[name] && !(node.forEach != nil && node.forEach.ItemInputParameterName == name) {
				warnings = append(warnings, fmt.Sprintf("node %s: required input %q has no mapping", node.id, name))
			}
		}
	}
	return warnings, errors.Join(errs...)
}

func (s *compiledStep) checkPrompts() error {
	if s.data.Name == "" || s.data.SystemPrompt == "" || s.data.UserPrompt == "" {
		return ErrInvalidStep
	}
	return nil
}

func checkForEachConfig(node *compiledNode) error {
	cfg := node.forEach
	switch {
	case cfg == nil:
		return fmt.Errorf("%w: missing for_each_config", ErrConfig)
	case cfg.Source == "":
		return fmt.Errorf("%w: for_each_config.source is empty", ErrConfig)
	case cfg.Field == "":
		return fmt.Errorf("%w: for_each_config.field is empty", ErrConfig)
	case node.step == nil:
		return fmt.Errorf("%w: missing sub_step", ErrConfig)
	}
	return nil
}
