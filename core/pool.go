package core

import (
	"sort"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/biomesh/semtype"
	"github.com/hupe1980/biomesh/tool"
)

// SourceUserInput tags pool entries extracted by the query parser.
const SourceUserInput = "user_input"

// ArgumentEntry is one candidate value in the Argument Pool.
type ArgumentEntry struct {
	Source        string       `json:"source"`
	SourceStepID  string       `json:"source_step_id,omitempty"`
	ParameterName string       `json:"parameter_name"`
	SemanticType  semtype.Type `json:"semantic_type"`
	Value         any          `json:"value"`
}

// Pool is the ordered set of candidate values derived from a Message Log.
type Pool []ArgumentEntry

// BuildPool scans the log for parser output and tool results. Entries appear
// in log order; parser entities are ordered by name then type.
func BuildPool(log *Log, snap *tool.Snapshot) Pool {
	var pool Pool
	for _, m := range log.Messages() {
		switch {
		case m.Sender == SenderQueryParser && m.Status == StatusGenerating:
			var q ParsedQuery
			if err := m.Decode(&q); err != nil {
				continue
			}
			pool = append(pool, userEntries(q)...)
		case m.Sender == SenderToolExecutor && m.Status == StatusToolResult:
			var r ToolResult
			if err := m.Decode(&r); err != nil {
				continue
			}
			pool = append(pool, resultEntries(r, snap)...)
		}
	}
	return pool
}

// Candidates returns the entries of type t, oldest first.
func (p Pool) Candidates(t semtype.Type) []ArgumentEntry {
	var out []ArgumentEntry
	for _, e := range p {
		if e.SemanticType == t {
			out = append(out, e)
		}
	}
	return out
}

// Types returns the distinct semantic types present in the pool.
func (p Pool) Types() []semtype.Type {
	seen := make(map[semtype.Type]struct{})
	var out []semtype.Type
	for _, e := range p {
		if _, ok := seen[e.SemanticType]; ok {
			continue
		}
		seen[e.SemanticType] = struct{}{}
		out = append(out, e.SemanticType)
	}
	return out
}

func userEntries(q ParsedQuery) []ArgumentEntry {
	names := make([]string, 0, len(q.Input))
	for name := range q.Input {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []ArgumentEntry
	for _, name := range names {
		values := q.Input[name]
		types := make([]string, 0, len(values))
		for t := range values {
			types = append(types, string(t))
		}
		sort.Strings(types)
		for _, t := range types {
			out = append(out, ArgumentEntry{
				Source:        SourceUserInput,
				ParameterName: name,
				SemanticType:  semtype.Type(t),
				Value:         values[semtype.Type(t)],
			})
		}
	}
	return out
}

func resultEntries(r ToolResult, snap *tool.Snapshot) []ArgumentEntry {
	d, ok := snap.Lookup(r.Tool)
	if !ok || len(r.Result) == 0 {
		return nil
	}
	var out []ArgumentEntry
	for _, rv := range d.ReturnValues {
		path := rv.Path
		if path == "" {
			path = rv.Name
		}
		res := gjson.GetBytes(r.Result, path)
		if !res.Exists() || res.Type == gjson.Null {
			continue
		}
		out = append(out, ArgumentEntry{
			Source:        r.Tool,
			SourceStepID:  r.Step,
			ParameterName: rv.Name,
			SemanticType:  rv.SemanticType,
			Value:         res.Value(),
		})
	}
	return out
}
