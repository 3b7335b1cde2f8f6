package types

// Step type discriminators.
const (
	StepSequential = "sequential"
	StepForEach    = "forEach"
)

// WorkflowTemplate is an ordered list of generation steps. Node order is the schedule.
type WorkflowTemplate struct {
	ID    string         `json:"id" yaml:"id"`
	Name  string         `json:"name" yaml:"name"`
	Nodes []WorkflowNode `json:"nodes" yaml:"nodes"`
}

// WorkflowNode is a step together with its id, unique within a template.
type WorkflowNode struct {
	ID   string   `json:"id" yaml:"id"`
	Data StepData `json:"data" yaml:"data"`
}

// StepData describes either a sequential step (one model call) or a forEach
// step fanning a sequential sub-step out over an array produced earlier.
type StepData struct {
	Type string `json:"type,omitempty" yaml:"type,omitempty"` // "sequential" (default) or "forEach"
	Name string `json:"name" yaml:"name"`

	SystemPrompt string            `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	UserPrompt   string            `json:"userPrompt,omitempty" yaml:"userPrompt,omitempty"`
	InputMapping map[string]string `json:"inputMapping,omitempty" yaml:"inputMapping,omitempty"`
	LLMParams    LLMParams         `json:"llmParams,omitempty" yaml:"llmParams,omitempty"`
	Stream       bool              `json:"stream,omitempty" yaml:"stream,omitempty"`
	ExpectJSON   bool              `json:"expectJson,omitempty" yaml:"expectJson,omitempty"`
	Schema       map[string]any    `json:"schema,omitempty" yaml:"schema,omitempty"` // JSON Schema for the parsed output

	// Explicit input contracts. When both are empty they are derived from the user prompt.
	RequiredInputs []string `json:"required_inputs,omitempty" yaml:"required_inputs,omitempty"`
	OptionalInputs []string `json:"optional_inputs,omitempty" yaml:"optional_inputs,omitempty"`

	ForEachConfig *ForEachConfig `json:"for_each_config,omitempty" yaml:"for_each_config,omitempty"`
	SubStep       *StepData      `json:"sub_step,omitempty" yaml:"sub_step,omitempty"`
}

// IsForEach reports whether the step fans out over an array.
func (s StepData) IsForEach() bool {
	return s.Type == StepForEach
}

// ForEachConfig names the prior step output a forEach step iterates over.
type ForEachConfig struct {
	Source                 string `json:"source" yaml:"source"`
	Field                  string `json:"field" yaml:"field"`
	ItemInputParameterName string `json:"item_input_parameter_name,omitempty" yaml:"item_input_parameter_name,omitempty"`
	Filter                 string `json:"filter,omitempty" yaml:"filter,omitempty"` // expr boolean over {item, index}
	Strict                 bool   `json:"strict,omitempty" yaml:"strict,omitempty"` // abort on the first item failure
}

// LLMParams are the sampling knobs forwarded to the generative-text caller.
type LLMParams struct {
	Model            string   `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature      *float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP             *float32 `json:"topP,omitempty" yaml:"topP,omitempty"`
	MaxTokens        int      `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Stop             []string `json:"stop,omitempty" yaml:"stop,omitempty"`
	PresencePenalty  float32  `json:"presencePenalty,omitempty" yaml:"presencePenalty,omitempty"`
	FrequencyPenalty float32  `json:"frequencyPenalty,omitempty" yaml:"frequencyPenalty,omitempty"`
}

// Status is the kind of a progress event.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusGenerating Status = "generating"
	StatusComplete   Status = "complete"
)

// ProgressEvent is pushed to the event sink while a run executes. It is purely
// observational and never read back by the engine.
type ProgressEvent struct {
	RunID  uint64 `json:"run_id,omitempty"`
	NodeID string `json:"node_id,omitempty"`
	Status Status `json:"status"`
	Data   any    `json:"data"`
}

// Content is the payload of step-level progress events.
type Content struct {
	Content any `json:"content"`
}

// Run states.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunRecord is what an embedding application keeps of a finished run.
type RunRecord struct {
	ID          uint64         `json:"id"`
	TemplateID  string         `json:"template_id"`
	State       string         `json:"state"`
	QueryPrompt string         `json:"query_prompt,omitempty"`
	Results     map[string]any `json:"results,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}
