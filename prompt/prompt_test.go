package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVariables(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		required []string
		optional []string
	}{
		{
			name:     "plain variables",
			text:     "Summarize {{topic}} for {{audience}}",
			required: []string{"audience", "topic"},
			optional: []string{},
		},
		{
			name:     "conditional block",
			text:     "Write about {{topic}}.{{#notes}} Consider: {{notes}}{{/notes}}",
			required: []string{"topic"},
			optional: []string{"notes"},
		},
		{
			name:     "inverted block",
			text:     "{{^outline}}No outline given, invent one for {{topic}}.{{/outline}}",
			required: []string{},
			optional: []string{"outline", "topic"},
		},
		{
			name:     "required wins over optional",
			text:     "{{topic}}{{#extra}}{{topic}}{{/extra}}",
			required: []string{"topic"},
			optional: []string{"extra"},
		},
		{
			name:     "dotted names use the root",
			text:     "{{doc.title}} {{#items}}{{.}}{{/items}}",
			required: []string{"doc"},
			optional: []string{"items"},
		},
		{
			name:     "no variables",
			text:     "You are a helpful writer.",
			required: []string{},
			optional: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := Parse(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.required, tmpl.Required())
			assert.Equal(t, tt.optional, tmpl.Optional())
			assert.Equal(t, tt.text, tmpl.Text())
		})
	}
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("{{#open}} never closed")
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	tmpl, err := Parse("Topic: {{topic}}{{#notes}} Notes: {{notes}}{{/notes}}{{^notes}} (no notes){{/notes}}")
	require.NoError(t, err)

	out, err := tmpl.Render(map[string]any{"topic": "Go & <generics>", "notes": nil})
	require.NoError(t, err)
	assert.Equal(t, "Topic: Go & <generics> (no notes)", out, "absent values are falsy and nothing is escaped")

	out, err = tmpl.Render(map[string]any{"topic": "Go", "notes": "keep it short"})
	require.NoError(t, err)
	assert.Equal(t, "Topic: Go Notes: keep it short", out)
}

func TestRenderStructuredValues(t *testing.T) {
	tmpl, err := Parse("Outline: {{outline}}\n{{#outline.items}}- {{.}}\n{{/outline.items}}")
	require.NoError(t, err)

	out, err := tmpl.Render(map[string]any{
		"outline": map[string]any{"items": []any{"intro", "body"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Outline: {\"items\":[\"intro\",\"body\"]}\n- intro\n- body\n", out)
}
