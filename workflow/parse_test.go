package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: `{"a":1}`, want: `{"a":1}`},
		{in: "  {\"a\":1}\n", want: `{"a":1}`},
		{in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{in: "```\n[1,2]\n```\n", want: `[1,2]`},
		{in: "```{\"a\":1}```", want: `{"a":1}`},
		{in: "```json\n{\"a\":1}", want: `{"a":1}`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripCodeFence(tt.in), tt.in)
	}
}

func TestParseResponse(t *testing.T) {
	got, err := parseResponse("  plain text ", false, nil)
	require.NoError(t, err)
	assert.Equal(t, "  plain text ", got, "text steps keep the raw response")

	got, err = parseResponse(`{"n":1.5,"list":["a"]}`, true, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 1.5, "list": []any{"a"}}, got)

	got, err = parseResponse(`"just a string"`, true, nil)
	require.NoError(t, err)
	assert.Equal(t, "just a string", got)

	for _, bad := range []string{"", "not json", `{"a":1} trailing`, `{"a":`} {
		_, err = parseResponse(bad, true, nil)
		assert.ErrorIs(t, err, ErrParse, bad)
	}
}

func TestParseResponseSchema(t *testing.T) {
	schema, err := compileSchema("count", map[string]any{
		"type":       "object",
		"required":   []any{"count"},
		"properties": map[string]any{"count": map[string]any{"type": "integer", "minimum": 1}},
	})
	require.NoError(t, err)

	got, err := parseResponse(`{"count": 3}`, true, schema)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": 3.0}, got)

	_, err = parseResponse(`{"count": 0}`, true, schema)
	assert.ErrorIs(t, err, ErrParse)
	_, err = parseResponse(`{"count": 1.5}`, true, schema)
	assert.ErrorIs(t, err, ErrParse)
	_, err = parseResponse(`{}`, true, schema)
	assert.ErrorIs(t, err, ErrParse)
}
