package agent

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/internal/util"
	"github.com/hupe1980/biomesh/semtype"
)

// ParserOptions configures a Parser.
type ParserOptions struct {
	Instruction Instruction
	Preset      string
}

// Parser extracts typed entities and requested output types from the user
// request. Values that fail type validation are dropped silently.
type Parser struct {
	BaseAgent
}

// NewParser creates the query parser subagent.
func NewParser(optFns ...func(o *ParserOptions)) *Parser {
	opts := ParserOptions{Instruction: TemplateInstruction(ParserInstruction)}
	for _, fn := range optFns {
		fn(&opts)
	}
	p := &Parser{BaseAgent: NewBaseAgent("parser", core.SenderQueryParser, opts.Instruction)}
	p.SetPreset(opts.Preset)
	return p
}

// rawQuery accepts any key types so unknown ones can be dropped.
type rawQuery struct {
	Input  map[string]map[string]any `json:"input"`
	Output []string                  `json:"output"`
}

// Parse runs one deterministic model call and emits the validated result as
// a generating message.
func (p *Parser) Parse(rc *RunContext) (core.ParsedQuery, error) {
	docs, err := json.MarshalIndent(rc.Tools.ArgumentDocuments(), "", "  ")
	if err != nil {
		return core.ParsedQuery{}, core.WrapError(core.KindInternal, err, "render argument documents")
	}
	prompt, err := render(parserPrompt, map[string]any{
		"Types":     semtype.Describe(),
		"Arguments": string(docs),
		"Request":   rc.Session.Request,
	})
	if err != nil {
		return core.ParsedQuery{}, core.WrapError(core.KindInternal, err, "render parser prompt")
	}
	req, err := p.request(rc, prompt, true)
	if err != nil {
		return core.ParsedQuery{}, err
	}

	text, err := p.generate(rc, req, func(_, delta string) error {
		return p.emit(rc, core.PartialMessage(p.Sender(), core.Delta{Text: delta}))
	})
	if err != nil {
		return core.ParsedQuery{}, err
	}

	var (
		raw      rawQuery
		analysis string
	)
	if chunk, ok := util.ExtractJSONObject(text); !ok {
		analysis = "model output contained no JSON object"
	} else if err := json.Unmarshal([]byte(chunk), &raw); err != nil {
		analysis = fmt.Sprintf("model output was not a query object: %v", err)
	}

	query, dropped := p.validate(rc, raw)
	if dropped > 0 && analysis == "" {
		analysis = fmt.Sprintf("dropped %d value(s) that failed validation", dropped)
	}

	msg, err := core.NewMessage(p.Sender(), core.StatusGenerating, query)
	if err != nil {
		return core.ParsedQuery{}, core.WrapError(core.KindInternal, err, "encode parser output")
	}
	if err := p.emit(rc, msg.WithAnalysis(analysis)); err != nil {
		return core.ParsedQuery{}, err
	}
	return query, nil
}

func (p *Parser) validate(rc *RunContext, raw rawQuery) (core.ParsedQuery, int) {
	query := core.ParsedQuery{
		Input:  map[string]map[semtype.Type]any{},
		Output: []semtype.Type{},
	}
	dropped := 0

	names := make([]string, 0, len(raw.Input))
	for name := range raw.Input {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		values := map[semtype.Type]any{}
		for typ, v := range raw.Input[name] {
			t, err := semtype.Parse(typ)
			if err != nil {
				dropped++
				continue
			}
			if err := rc.Checker.Check(rc.Context, name, v, t, rc.Session.OutDir); err != nil {
				p.logger(rc).Debug("dropping parsed value", "entity", name, "type", t, "error", err)
				dropped++
				continue
			}
			values[t] = v
		}
		if len(values) > 0 {
			query.Input[name] = values
		}
	}

	seen := map[semtype.Type]bool{}
	for _, o := range raw.Output {
		t, err := semtype.Parse(o)
		if err != nil || seen[t] {
			continue
		}
		seen[t] = true
		query.Output = append(query.Output, t)
	}
	return query, dropped
}

// InputTypes returns the distinct semantic types present in q, sorted.
func InputTypes(q core.ParsedQuery) []semtype.Type {
	seen := map[semtype.Type]bool{}
	var out []semtype.Type
	for _, values := range q.Input {
		for t := range values {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
