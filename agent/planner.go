package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/internal/util"
	"github.com/hupe1980/biomesh/semtype"
)

// PlannerOptions configures a Planner.
type PlannerOptions struct {
	Instruction Instruction
	Preset      string
	// TopK bounds the number of retrieved tools in the candidate document.
	TopK int
}

// Repair describes the failure a repair plan must work around.
type Repair struct {
	Step    string
	Tool    string
	Kind    core.ErrorKind
	Message string
}

// Planner proposes an ordered plan of tool steps. Partial plans are streamed
// as the model writes them; the final message carries the strictly parsed
// plan.
type Planner struct {
	BaseAgent
	topK int
}

// NewPlanner creates the plan generator subagent.
func NewPlanner(optFns ...func(o *PlannerOptions)) *Planner {
	opts := PlannerOptions{
		Instruction: TemplateInstruction(PlannerInstruction),
		TopK:        8,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	p := &Planner{
		BaseAgent: NewBaseAgent("planner", core.SenderPlanGenerator, opts.Instruction),
		topK:      opts.TopK,
	}
	p.SetPreset(opts.Preset)
	return p
}

// Plan generates a plan for query. With repair set, the prompt includes the
// failure and an empty plan is a valid answer meaning the user has to clarify
// the request. An empty initial plan or an unknown tool is a planning error.
func (p *Planner) Plan(rc *RunContext, query core.ParsedQuery, repair *Repair) (*core.Plan, error) {
	if rc.Tools.Len() == 0 {
		return nil, core.NewError(core.KindPlanning, "no tools available")
	}

	prompt, err := render(plannerPrompt, map[string]any{
		"Tools":       rc.Tools.RenderDocument(p.candidates(rc, query)...),
		"InputTypes":  typeStrings(InputTypes(query)),
		"OutputTypes": typeStrings(query.Output),
		"Completed":   completedSteps(rc.Session.Log),
		"Repair":      repair,
		"Request":     rc.Session.Request,
	})
	if err != nil {
		return nil, core.WrapError(core.KindInternal, err, "render planner prompt")
	}
	req, err := p.request(rc, prompt, false)
	if err != nil {
		return nil, err
	}

	var preview string
	text, err := p.generate(rc, req, func(acc, _ string) error {
		repaired, ok := util.RepairJSON(acc)
		if !ok || repaired == preview {
			return nil
		}
		preview = repaired
		return p.emit(rc, core.PartialMessage(p.Sender(), core.Delta{Value: json.RawMessage(repaired)}))
	})
	if err != nil {
		return nil, err
	}

	plan, err := parsePlan(text)
	if err != nil {
		return nil, core.WrapError(core.KindPlanning, err, "planner returned no valid plan")
	}
	if repair != nil {
		renumber(plan, len(rc.Session.Log.Filter(core.SenderToolExecutor, core.StatusToolResult)))
	}

	if plan.Len() == 0 && repair != nil {
		msg := core.MustMessage(p.Sender(), core.StatusGenerating, plan).
			WithAnalysis("the request needs clarification before it can continue")
		return plan, p.emit(rc, msg)
	}
	if err := plan.Validate(rc.Tools); err != nil {
		if errors.Is(err, core.ErrEmptyPlan) {
			return nil, core.NewError(core.KindPlanning, "no tool can serve this request")
		}
		return nil, core.WrapError(core.KindPlanning, err, "invalid plan")
	}

	var analysis string
	if missing := plan.Unsatisfied(InputTypes(query), rc.Tools); len(missing) > 0 {
		analysis = "unsatisfied inputs: " + strings.Join(missing, "; ")
	}
	msg := core.MustMessage(p.Sender(), core.StatusGenerating, plan).WithAnalysis(analysis)
	if err := p.emit(rc, msg); err != nil {
		return nil, err
	}
	return plan, nil
}

// candidates combines retrieval hits for the request with every tool that
// returns a requested output type. Without any hit all tools are offered.
func (p *Planner) candidates(rc *RunContext, query core.ParsedQuery) []string {
	seen := map[string]bool{}
	var names []string
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, n := range rc.Tools.Retrieve(rc.Session.Request, p.topK) {
		add(n)
	}
	wanted := map[semtype.Type]bool{}
	for _, t := range query.Output {
		wanted[t] = true
	}
	for _, d := range rc.Tools.List() {
		for _, rv := range d.ReturnValues {
			if wanted[rv.SemanticType] {
				add(d.Name)
				break
			}
		}
	}
	if len(names) == 0 {
		return rc.Tools.Names()
	}
	sort.Strings(names)
	return names
}

func parsePlan(text string) (*core.Plan, error) {
	chunk, ok := util.ExtractJSONObject(text)
	if !ok {
		return nil, fmt.Errorf("no JSON object in model output")
	}
	var plan core.Plan
	if err := json.Unmarshal([]byte(chunk), &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// renumber gives repair plan steps ids that continue after the executed
// steps, so step ids stay unique within a session.
func renumber(plan *core.Plan, offset int) {
	for i := range plan.Steps {
		plan.Steps[i].ID = fmt.Sprintf("step%d", offset+i+1)
	}
}

func completedSteps(log *core.Log) []string {
	var out []string
	for _, m := range log.Filter(core.SenderToolExecutor, core.StatusToolResult) {
		var r core.ToolResult
		if err := m.Decode(&r); err != nil {
			continue
		}
		out = append(out, fmt.Sprintf("%s %s", r.Step, r.Tool))
	}
	return out
}

func typeStrings(ts []semtype.Type) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}
