package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/biomesh/artifact"
	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/logging"
	"github.com/hupe1980/biomesh/model"
	"github.com/hupe1980/biomesh/semtype"
	"github.com/hupe1980/biomesh/tool"
)

// Gate is the confirmation rendezvous between the executor and the client.
// Await blocks until the proposed call is confirmed. It returns the call to
// run and whether it was overridden.
type Gate interface {
	Await(ctx context.Context, proposed core.ToolCall) (core.ToolCall, bool, error)
}

// RunContext carries everything a subagent needs for one invocation. The
// Session is read-only for subagents.
type RunContext struct {
	Context   context.Context
	Session   *core.Session
	Tools     *tool.Snapshot
	Model     *model.Client
	Checker   *semtype.Checker
	Artifacts artifact.Store
	Gate      Gate
	Emit      func(core.Message) error
	Logger    logging.Logger
}

// BaseAgent bundles identity and model wiring shared by all subagents.
// Embed it in concrete subagents.
type BaseAgent struct {
	name        string
	sender      core.Sender
	preset      string
	temperature float64
	instruction Instruction
}

// NewBaseAgent constructs a BaseAgent emitting messages as sender.
func NewBaseAgent(name string, sender core.Sender, instruction Instruction) BaseAgent {
	return BaseAgent{name: name, sender: sender, instruction: instruction}
}

// Name returns the human-readable name for this agent.
func (b *BaseAgent) Name() string { return b.name }

// Sender returns the message sender of this agent.
func (b *BaseAgent) Sender() core.Sender { return b.sender }

// Preset returns the model preset the agent is bound to; empty means the
// client's default.
func (b *BaseAgent) Preset() string { return b.preset }

// SetPreset binds the agent to a model preset.
func (b *BaseAgent) SetPreset(preset string) { b.preset = preset }

// SetTemperature sets the sampling temperature of the agent's model calls.
func (b *BaseAgent) SetTemperature(t float64) { b.temperature = t }

// SetInstruction replaces the system instruction.
func (b *BaseAgent) SetInstruction(i Instruction) { b.instruction = i }

func (b *BaseAgent) emit(rc *RunContext, m core.Message) error {
	if rc.Emit == nil {
		return nil
	}
	return rc.Emit(m)
}

func (b *BaseAgent) logger(rc *RunContext) logging.Logger {
	if rc.Logger == nil {
		return logging.NoOpLogger{}
	}
	return rc.Logger
}

// request assembles the system instruction, optional history and prompt.
func (b *BaseAgent) request(rc *RunContext, prompt string, history bool) (model.Request, error) {
	system, err := b.instruction.Resolve(rc)
	if err != nil {
		return model.Request{}, core.WrapError(core.KindInternal, err, "resolve instruction")
	}
	var msgs []model.ChatMessage
	if !b.instruction.Empty() {
		msgs = append(msgs, model.System(system))
	}
	if history && rc.Session != nil {
		for _, t := range rc.Session.History {
			switch model.Role(t.Role) {
			case model.RoleUser:
				msgs = append(msgs, model.User(t.Content))
			case model.RoleAssistant:
				msgs = append(msgs, model.Assistant(t.Content))
			}
		}
	}
	msgs = append(msgs, model.User(prompt))
	return model.Request{Messages: msgs, Temperature: b.temperature}, nil
}

// generate runs a model call. When onDelta is set the call streams and
// onDelta receives the accumulated text and the new delta.
func (b *BaseAgent) generate(rc *RunContext, req model.Request, onDelta func(acc, delta string) error) (string, error) {
	if rc.Model == nil {
		return "", core.NewError(core.KindInternal, "%s: no model client", b.name)
	}
	client := rc.Model.WithPreset(b.preset)
	start := time.Now()

	req.Stream = onDelta != nil
	tokens, errs := client.Call(rc.Context, req)

	var (
		acc      strings.Builder
		deltaErr error
	)
	for t := range tokens {
		if deltaErr != nil {
			continue
		}
		acc.WriteString(t)
		if onDelta != nil {
			deltaErr = onDelta(acc.String(), t)
		}
	}
	err := <-errs
	if err == nil {
		err = deltaErr
	}
	b.logger(rc).Debug("subagent model call", "agent", b.name, "preset", client.Preset(), "chars", acc.Len(), "duration", time.Since(start), "error", err)
	if err != nil {
		return "", fmt.Errorf("%s: %w", b.name, err)
	}
	return acc.String(), nil
}
