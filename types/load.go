package types

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DecodeTemplate decodes a template from YAML or JSON (YAML is a superset).
// Templates without an id get a random one; steps without a type are sequential.
func DecodeTemplate(data []byte) (WorkflowTemplate, error) {
	var tmpl WorkflowTemplate
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return WorkflowTemplate{}, fmt.Errorf("failed to decode template: %w", err)
	}
	if tmpl.ID == "" {
		tmpl.ID = uuid.NewString()
	}
	for i := range tmpl.Nodes {
		normalizeStep(&tmpl.Nodes[i].Data)
	}
	return tmpl, nil
}

// LoadTemplateFile reads and decodes a template file.
func LoadTemplateFile(path string) (WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkflowTemplate{}, fmt.Errorf("failed to read template %s: %w", path, err)
	}
	return DecodeTemplate(data)
}

// DecodeInputs decodes an initial-input object from YAML or JSON.
func DecodeInputs(data []byte) (map[string]any, error) {
	inputs := make(map[string]any)
	if err := yaml.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("failed to decode inputs: %w", err)
	}
	return inputs, nil
}

func normalizeStep(s *StepData) {
	if s.Type == "" {
		s.Type = StepSequential
	}
	if s.SubStep != nil {
		normalizeStep(s.SubStep)
	}
}
