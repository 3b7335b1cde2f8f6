package types

import "strings"

// RefKind tells where a step input comes from.
type RefKind int

const (
	RefStepOutput RefKind = iota
	RefInitialInput
	RefQueryPrompt
	RefCurrentItem
)

func (k RefKind) String() string {
	switch k {
	case RefInitialInput:
		return "initial_input"
	case RefQueryPrompt:
		return "query_prompt"
	case RefCurrentItem:
		return "current_item"
	default:
		return "step_output"
	}
}

// CurrentItemToken refers to the item of the enclosing forEach iteration.
const CurrentItemToken = "for_each_field"

// SourceRef is a parsed input-mapping value.
type SourceRef struct {
	Kind   RefKind
	Path   []string // initial-input path, or sub-path into the current item
	NodeID string   // for RefStepOutput
	Raw    string
}

// ParseSourceRef classifies a mapping value. The rules are applied in order:
// the current-item token, the initialInput prefix, anything mentioning
// queryPrompt, and finally a prior node id.
func ParseSourceRef(raw string) SourceRef {
	ref := SourceRef{Raw: raw}
	switch {
	case raw == CurrentItemToken:
		ref.Kind = RefCurrentItem
	case strings.HasPrefix(raw, CurrentItemToken+"."):
		ref.Kind = RefCurrentItem
		ref.Path = splitPath(strings.TrimPrefix(raw, CurrentItemToken+"."))
	case strings.HasPrefix(raw, "initialInput"):
		ref.Kind = RefInitialInput
		segments := strings.Split(raw, ".")
		ref.Path = splitPath(strings.Join(segments[1:], "."))
	case strings.Contains(raw, "queryPrompt"):
		ref.Kind = RefQueryPrompt
	default:
		ref.Kind = RefStepOutput
		ref.NodeID = raw
	}
	return ref
}

func splitPath(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, ".")
}

func (r SourceRef) String() string {
	return r.Raw
}
