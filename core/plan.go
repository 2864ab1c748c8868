package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hupe1980/biomesh/semtype"
	"github.com/hupe1980/biomesh/tool"
)

// ErrEmptyPlan is returned by Validate for a plan without steps.
var ErrEmptyPlan = errors.New("plan has no steps")

// Step is one planned tool invocation.
type Step struct {
	ID              string   `json:"-"`
	Tool            string   `json:"tool"`
	Description     string   `json:"description"`
	InputsExpected  []string `json:"inputs_expected"`
	OutputsExpected []string `json:"outputs_expected"`
}

// Plan is an ordered mapping from step id to step. Its JSON form is an object
// whose key order is the step order.
type Plan struct {
	Steps []Step
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Steps)
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) (Step, bool) {
	if p == nil {
		return Step{}, false
	}
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// IDs returns the step ids in order.
func (p *Plan) IDs() []string {
	if p == nil {
		return nil
	}
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return ids
}

// Validate checks that the plan is non-empty, step ids are unique and every
// step names a tool present in the snapshot.
func (p *Plan) Validate(snap *tool.Snapshot) error {
	if p.Len() == 0 {
		return ErrEmptyPlan
	}
	seen := make(map[string]struct{}, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("plan step without id")
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if !snap.Has(s.Tool) {
			return fmt.Errorf("%s: unknown tool %q", s.ID, s.Tool)
		}
	}
	return nil
}

// Unsatisfied reports required parameter types of each step that neither the
// user input nor an earlier step provides. TEXT and PARAMETER values can always
// be extracted from the request and are never reported.
func (p *Plan) Unsatisfied(userTypes []semtype.Type, snap *tool.Snapshot) []string {
	if p == nil {
		return nil
	}
	available := make(map[semtype.Type]struct{}, len(userTypes))
	for _, t := range userTypes {
		available[t] = struct{}{}
	}

	var missing []string
	for _, s := range p.Steps {
		d, ok := snap.Lookup(s.Tool)
		if !ok {
			continue
		}
		for _, prm := range d.RequiredParams {
			switch prm.SemanticType {
			case semtype.Text, semtype.Parameter:
				continue
			}
			if _, ok := available[prm.SemanticType]; !ok {
				missing = append(missing, fmt.Sprintf("%s: %s needs %s for %q", s.ID, s.Tool, prm.SemanticType, prm.Name))
			}
		}
		for _, rv := range d.ReturnValues {
			available[rv.SemanticType] = struct{}{}
		}
		for _, o := range s.OutputsExpected {
			if t, err := semtype.Parse(o); err == nil {
				available[t] = struct{}{}
			}
		}
	}
	return missing
}

// MarshalJSON writes the steps as an object in step order.
func (p Plan) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, s := range p.Steps {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(s.ID)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a step object preserving key order.
func (p *Plan) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("plan: expected object, got %v", tok)
	}

	var steps []Step
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		id, ok := tok.(string)
		if !ok {
			return fmt.Errorf("plan: expected step id, got %v", tok)
		}
		var s Step
		if err := dec.Decode(&s); err != nil {
			return fmt.Errorf("plan: step %s: %w", id, err)
		}
		s.ID = id
		steps = append(steps, s)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	p.Steps = steps
	return nil
}
