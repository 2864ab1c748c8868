package tool

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ArgumentDocument is the structured parameter listing for one tool.
type ArgumentDocument struct {
	Name     string        `json:"name"`
	Required []Param       `json:"required"`
	Optional []Param       `json:"optional"`
	Returns  []ReturnValue `json:"returns"`
}

// RenderDocument renders a human-readable block for each named tool. Unknown
// names are skipped. Without names every tool is rendered.
func (s *Snapshot) RenderDocument(names ...string) string {
	if len(names) == 0 {
		names = s.Names()
	}
	var b strings.Builder
	for _, name := range names {
		d, ok := s.byName[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "### %s\n", d.Name)
		if d.Category != "" {
			fmt.Fprintf(&b, "category: %s\n", d.Category)
		}
		fmt.Fprintf(&b, "description: %s\n", d.Description)
		writeParams(&b, "required parameters", d.RequiredParams)
		writeParams(&b, "optional parameters", d.OptionalParams)
		if len(d.ReturnValues) > 0 {
			b.WriteString("returns:\n")
			for _, rv := range d.ReturnValues {
				fmt.Fprintf(&b, "  - %s (%s): %s\n", rv.Name, rv.SemanticType, rv.Description)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func writeParams(b *strings.Builder, title string, params []Param) {
	if len(params) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, p := range params {
		fmt.Fprintf(b, "  - %s (%s): %s", p.Name, p.SemanticType, p.Description)
		if p.Default != nil {
			def, _ := json.Marshal(p.Default)
			fmt.Fprintf(b, " [default %s]", def)
		}
		b.WriteString("\n")
	}
}

// RenderArgumentDocument returns the parameter listing of one tool.
func (s *Snapshot) RenderArgumentDocument(name string) (ArgumentDocument, error) {
	d, ok := s.byName[name]
	if !ok {
		return ArgumentDocument{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return ArgumentDocument{
		Name:     d.Name,
		Required: append([]Param{}, d.RequiredParams...),
		Optional: append([]Param{}, d.OptionalParams...),
		Returns:  append([]ReturnValue{}, d.ReturnValues...),
	}, nil
}

// ArgumentDocuments returns the listing of every tool in name order.
func (s *Snapshot) ArgumentDocuments() []ArgumentDocument {
	out := make([]ArgumentDocument, 0, len(s.order))
	for _, d := range s.order {
		doc, _ := s.RenderArgumentDocument(d.Name)
		out = append(out, doc)
	}
	return out
}
