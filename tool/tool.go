// Package tool implements the tool registry: descriptors loaded from a
// directory tree, immutable snapshots swapped atomically on sync, lexical
// retrieval, prompt rendering and the external process runner used to invoke
// tools.
package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/biomesh/semtype"
)

// ErrNotFound is returned when a tool name is not in the registry.
var ErrNotFound = errors.New("tool not found")

// ToolError represents errors that occur while loading or running a tool.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}

// Param describes one tool parameter.
type Param struct {
	Name         string       `json:"name"`
	SemanticType semtype.Type `json:"semantic_type"`
	Description  string       `json:"description,omitempty"`
	Default      any          `json:"default,omitempty"`
}

// ReturnValue describes one field of a tool's result payload. Path is a gjson
// path into the payload and defaults to Name.
type ReturnValue struct {
	Name         string       `json:"name"`
	SemanticType semtype.Type `json:"semantic_type"`
	Description  string       `json:"description,omitempty"`
	Path         string       `json:"path,omitempty"`
}

// Descriptor is the static description of a tool function.
type Descriptor struct {
	Name           string        `json:"name"`
	Category       string        `json:"category"`
	Description    string        `json:"description"`
	RequiredParams []Param       `json:"required_params"`
	OptionalParams []Param       `json:"optional_params,omitempty"`
	ReturnValues   []ReturnValue `json:"return_values,omitempty"`

	// Command is the argv prefix of the external process. Relative program
	// paths are resolved against Dir.
	Command        []string `json:"command"`
	AutoConfirm    bool     `json:"auto_confirm,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`

	// Dir is the directory the descriptor was loaded from.
	Dir string `json:"-"`
}

// Params returns required parameters followed by optional ones, in
// declaration order.
func (d *Descriptor) Params() []Param {
	out := make([]Param, 0, len(d.RequiredParams)+len(d.OptionalParams))
	out = append(out, d.RequiredParams...)
	return append(out, d.OptionalParams...)
}

// Param looks up a parameter by name.
func (d *Descriptor) Param(name string) (Param, bool) {
	for _, p := range d.Params() {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// IsRequired reports whether name is a required parameter.
func (d *Descriptor) IsRequired(name string) bool {
	for _, p := range d.RequiredParams {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Validate checks descriptor invariants.
func (d *Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("name is required")
	}
	seen := map[string]bool{}
	for i, p := range d.Params() {
		if p.Name == "" {
			return fmt.Errorf("parameter %d has no name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		if !semtype.Known(p.SemanticType) {
			return fmt.Errorf("parameter %q: unknown semantic type %q", p.Name, p.SemanticType)
		}
	}
	for _, p := range d.RequiredParams {
		if p.Default != nil {
			return fmt.Errorf("required parameter %q must not have a default", p.Name)
		}
	}
	for _, rv := range d.ReturnValues {
		if rv.Name == "" {
			return errors.New("return value without name")
		}
		if !semtype.Known(rv.SemanticType) {
			return fmt.Errorf("return value %q: unknown semantic type %q", rv.Name, rv.SemanticType)
		}
	}
	return nil
}

func (d *Descriptor) clone() *Descriptor {
	cp := *d
	cp.RequiredParams = append([]Param(nil), d.RequiredParams...)
	cp.OptionalParams = append([]Param(nil), d.OptionalParams...)
	cp.ReturnValues = append([]ReturnValue(nil), d.ReturnValues...)
	cp.Command = append([]string(nil), d.Command...)
	return &cp
}

// ParseDescriptor decodes a JSON descriptor.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
