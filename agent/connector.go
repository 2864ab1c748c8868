package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/internal/util"
	"github.com/hupe1980/biomesh/semtype"
	"github.com/hupe1980/biomesh/tool"
)

// Connect modes reported in progress messages.
const (
	ModeConnect = "connect"
	ModeExtract = "extract"
)

// ConnectorOptions configures a Connector.
type ConnectorOptions struct {
	Instruction Instruction
	Preset      string
}

// Connector binds the required parameters of a step. For each parameter it
// offers pool candidates of the matching semantic type oldest first, then
// falls back to extracting a value from the request. A value binds only if
// the model selects it and it passes the type check.
type Connector struct {
	BaseAgent
}

// NewConnector creates the tool connector subagent.
func NewConnector(optFns ...func(o *ConnectorOptions)) *Connector {
	opts := ConnectorOptions{Instruction: TemplateInstruction(ConnectorInstruction)}
	for _, fn := range optFns {
		fn(&opts)
	}
	c := &Connector{BaseAgent: NewBaseAgent("connector", core.SenderToolConnector, opts.Instruction)}
	c.SetPreset(opts.Preset)
	return c
}

// Connect binds step's parameters. On success the returned connection holds
// the bindings and the full argument map including defaults. Otherwise the
// connection lists the missing types and a binding error is returned.
func (c *Connector) Connect(rc *RunContext, step core.Step) (core.Connection, error) {
	d, ok := rc.Tools.Lookup(step.Tool)
	if !ok {
		return core.Connection{}, core.NewError(core.KindBinding, "%s: unknown tool %q", step.ID, step.Tool)
	}

	pool := core.BuildPool(rc.Session.Log, rc.Tools)
	conn := core.Connection{Step: step.ID, Tool: d.Name, Bindings: map[string]core.Binding{}}

	for _, prm := range d.RequiredParams {
		b, ok, err := c.bind(rc, step, prm, pool)
		if err != nil {
			return core.Connection{}, err
		}
		if !ok {
			conn.MissingTypes = append(conn.MissingTypes, prm.SemanticType)
			continue
		}
		conn.Bindings[prm.Name] = b
	}

	if len(conn.MissingTypes) > 0 {
		conn.Bindings = nil
		if err := c.emit(rc, core.MustMessage(c.Sender(), core.StatusGenerating, conn)); err != nil {
			return core.Connection{}, err
		}
		return conn, core.NewError(core.KindBinding, "%s: no value for %s", step.ID, joinTypes(conn.MissingTypes))
	}

	args := make(map[string]any, len(conn.Bindings))
	for name, b := range conn.Bindings {
		args[name] = b.Value
	}
	resolved, err := d.ResolveArgs(args)
	if err != nil {
		return core.Connection{}, core.WrapError(core.KindBinding, err, step.ID)
	}
	conn.Args = resolved

	if err := c.emit(rc, core.MustMessage(c.Sender(), core.StatusGenerating, conn)); err != nil {
		return core.Connection{}, err
	}
	return conn, nil
}

func (c *Connector) bind(rc *RunContext, step core.Step, prm tool.Param, pool core.Pool) (core.Binding, bool, error) {
	for _, cand := range pool.Candidates(prm.SemanticType) {
		target, err := c.ask(rc, connectPrompt, step, prm, map[string]any{
			"Source": cand.Source,
			"Value":  fmt.Sprint(cand.Value),
		})
		if err != nil {
			return core.Binding{}, false, err
		}
		ok := c.accept(rc, prm, target)
		attempt := core.ConnectAttempt{
			Step: step.ID, Parameter: prm.Name, SemanticType: prm.SemanticType,
			Mode: ModeConnect, Source: cand.Source, OK: ok, Value: target,
		}
		if err := c.emit(rc, core.MustMessage(c.Sender(), core.StatusGenerating, attempt)); err != nil {
			return core.Binding{}, false, err
		}
		if ok {
			return core.Binding{
				Parameter: prm.Name, SemanticType: prm.SemanticType,
				Source: cand.Source, SourceStepID: cand.SourceStepID,
				SourceParameter: cand.ParameterName, SourceValue: cand.Value, Value: target,
			}, true, nil
		}
	}

	def, _ := semtype.Lookup(prm.SemanticType)
	target, err := c.ask(rc, extractPrompt, step, prm, map[string]any{"TypeDescription": def.Description})
	if err != nil {
		return core.Binding{}, false, err
	}
	ok := c.accept(rc, prm, target)
	attempt := core.ConnectAttempt{
		Step: step.ID, Parameter: prm.Name, SemanticType: prm.SemanticType,
		Mode: ModeExtract, Source: core.SourceUserInput, OK: ok, Value: target,
	}
	if err := c.emit(rc, core.MustMessage(c.Sender(), core.StatusGenerating, attempt)); err != nil {
		return core.Binding{}, false, err
	}
	if !ok {
		return core.Binding{}, false, nil
	}
	return core.Binding{
		Parameter: prm.Name, SemanticType: prm.SemanticType,
		Source: core.SourceUserInput, Value: target,
	}, true, nil
}

func (c *Connector) ask(rc *RunContext, tmpl string, step core.Step, prm tool.Param, extra map[string]any) (any, error) {
	data := map[string]any{
		"Step":             step.ID,
		"Tool":             step.Tool,
		"StepDescription":  step.Description,
		"Param":            prm.Name,
		"Type":             string(prm.SemanticType),
		"ParamDescription": prm.Description,
		"Request":          rc.Session.Request,
	}
	for k, v := range extra {
		data[k] = v
	}
	prompt, err := render(tmpl, data)
	if err != nil {
		return nil, core.WrapError(core.KindInternal, err, "render connector prompt")
	}
	req, err := c.request(rc, prompt, false)
	if err != nil {
		return nil, err
	}
	text, err := c.generate(rc, req, nil)
	if err != nil {
		return nil, err
	}
	return parseTarget(text), nil
}

func (c *Connector) accept(rc *RunContext, prm tool.Param, target any) bool {
	if target == nil {
		return false
	}
	if s, ok := target.(string); ok && strings.TrimSpace(s) == "" {
		return false
	}
	return rc.Checker.Check(rc.Context, prm.Name, target, prm.SemanticType, rc.Session.OutDir) == nil
}

// parseTarget reads {"target": value}; anything else yields nil.
func parseTarget(text string) any {
	chunk, ok := util.ExtractJSONObject(text)
	if !ok {
		return nil
	}
	var out struct {
		Target any `json:"target"`
	}
	if err := json.Unmarshal([]byte(chunk), &out); err != nil {
		return nil
	}
	return out.Target
}

func joinTypes(ts []semtype.Type) string {
	return strings.Join(typeStrings(ts), ", ")
}
