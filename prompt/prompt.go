// Package prompt compiles mustache prompt templates and derives the input
// contract of a step from them.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cbroglie/mustache"
)

// Template is a compiled prompt.
type Template struct {
	text     string
	tmpl     *mustache.Template
	required []string
	optional []string
}

// Parse compiles text. Variables used at the top level of the template are
// required; variables that only occur inside a section or inverted section,
// and the section names themselves, are optional.
func Parse(text string) (*Template, error) {
	tmpl, err := mustache.ParseStringRaw(text, true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt: %w", err)
	}

	required := make(map[string]bool)
	optional := make(map[string]bool)
	collect(tmpl.Tags(), false, required, optional)
	for name := range required {
		delete(optional, name)
	}

	return &Template{
		text:     text,
		tmpl:     tmpl,
		required: sortedKeys(required),
		optional: sortedKeys(optional),
	}, nil
}

func collect(tags []mustache.Tag, nested bool, required, optional map[string]bool) {
	for _, tag := range tags {
		switch tag.Type() {
		case mustache.Variable:
			name := rootName(tag.Name())
			if name == "" {
				continue
			}
			if nested {
				optional[name] = true
			} else {
				required[name] = true
			}
		case mustache.Section, mustache.InvertedSection:
			if name := rootName(tag.Name()); name != "" {
				optional[name] = true
			}
			collect(tag.Tags(), true, required, optional)
		}
	}
}

// rootName maps "doc.title" to "doc"; the implicit iterator "." has no name.
func rootName(name string) string {
	name = strings.TrimSpace(name)
	if name == "." {
		return ""
	}
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Text returns the source of the template.
func (t *Template) Text() string { return t.text }

// Required returns the variables the template cannot render without.
func (t *Template) Required() []string { return t.required }

// Optional returns the variables only used conditionally.
func (t *Template) Optional() []string { return t.optional }

// Render renders the template without HTML escaping. Nil values are treated
// as missing, so sections over them are skipped. Objects and arrays print as JSON.
func (t *Template) Render(vars map[string]any) (string, error) {
	ctx := make(map[string]any, len(vars))
	for k, v := range vars {
		if v == nil {
			continue
		}
		ctx[k] = wrap(v)
	}
	out, err := t.tmpl.Render(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return out, nil
}

type jsonObject map[string]any

func (o jsonObject) String() string { return toJSON(map[string]any(o)) }

type jsonArray []any

func (a jsonArray) String() string { return toJSON([]any(a)) }

func wrap(v any) any {
	switch val := v.(type) {
	case map[string]any:
		obj := make(jsonObject, len(val))
		for k, item := range val {
			obj[k] = wrap(item)
		}
		return obj
	case []any:
		arr := make(jsonArray, len(val))
		for i, item := range val {
			arr[i] = wrap(item)
		}
		return arr
	default:
		return v
	}
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
