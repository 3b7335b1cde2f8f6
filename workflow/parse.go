package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// parseResponse turns the raw text of a call into the step output. Plain steps
// keep the text. JSON steps must decode, and match the schema when one is
// declared; there is no fallback to the raw text.
func parseResponse(raw string, expectJSON bool, schema *jsonschema.Schema) (any, error) {
	if !expectJSON {
		return raw, nil
	}
	text := stripCodeFence(raw)
	value, err := decodeJSON(text)
	if err != nil {
		return nil, err
	}
	if schema != nil {
		// the validator wants json.Number for exact numeric checks
		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if err := schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
	}
	return value, nil
}

func decodeJSON(text string) (any, error) {
	var value any
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrParse)
	}
	return value, nil
}

// stripCodeFence removes a surrounding ``` or ```json fence, which models
// often add even when asked for bare JSON.
func stripCodeFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
