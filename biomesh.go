// Package biomesh provides a high-level façade over the orchestration engine
// for embedding a bioinformatics assistant in-process. Most applications
// interact with this package by:
//  1. Creating a BioMesh via New() with a model endpoint provider
//  2. Registering tool descriptors (or pointing ToolsDir at a descriptor tree)
//  3. Running chats asynchronously (Chat) or synchronously (ChatSync)
//
// Deployments serving many users run the worker and dispatcher binaries
// instead; they wrap the same engine.
package biomesh

import (
	"context"

	"github.com/hupe1980/biomesh/agent"
	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/engine"
	"github.com/hupe1980/biomesh/logging"
	"github.com/hupe1980/biomesh/model"
	"github.com/hupe1980/biomesh/session"
	"github.com/hupe1980/biomesh/tool"
)

// Options configures the BioMesh instance.
type Options struct {
	// ToolsDir is the descriptor tree loaded at start. Empty starts with no
	// tools.
	ToolsDir string

	// Preset is the model preset used by every subagent.
	Preset string
	// Retry is the model call retry policy.
	Retry model.RetryPolicy

	// ReplanBudget bounds the repair plans of a session.
	ReplanBudget int

	// SessionStore registers live sessions (defaults to in-memory).
	SessionStore session.Store

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// ConfirmFunc decides on a proposed tool call. A nil override runs the call
// as proposed; proceed false terminates the session.
type ConfirmFunc func(proposed core.ToolCall) (override *core.ToolCall, proceed bool)

// AutoConfirm runs every proposed call unchanged.
func AutoConfirm(core.ToolCall) (*core.ToolCall, bool) { return nil, true }

// BioMesh aggregates a tool registry and an orchestrator.
type BioMesh struct {
	opts     Options
	registry *tool.Registry
	orch     *engine.Orchestrator
}

// New creates a BioMesh drawing completions from provider.
func New(provider model.EndpointProvider, optFns ...func(o *Options)) (*BioMesh, error) {
	opts := Options{
		Preset:       "default",
		Retry:        model.DefaultRetryPolicy,
		ReplanBudget: core.DefaultReplanBudget,
		SessionStore: session.NewInMemoryStore(),
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	reg, err := tool.NewRegistry(opts.ToolsDir, func(o *tool.Options) { o.Logger = opts.Logger })
	if err != nil {
		return nil, err
	}
	client := model.NewClient(provider, func(o *model.ClientOptions) {
		o.Preset = opts.Preset
		o.Retry = opts.Retry
		o.Logger = opts.Logger
	})
	orch := engine.New(reg, client, func(o *engine.Options) {
		o.ReplanBudget = opts.ReplanBudget
		o.SessionStore = opts.SessionStore
		o.Logger = opts.Logger
	})
	return &BioMesh{opts: opts, registry: reg, orch: orch}, nil
}

// RegisterTool adds a tool descriptor. Sessions already running keep their
// tool snapshot.
func (m *BioMesh) RegisterTool(d *tool.Descriptor) error { return m.registry.Register(d) }

// Registry returns the tool registry.
func (m *BioMesh) Registry() *tool.Registry { return m.registry }

// Orchestrator returns the underlying engine.
func (m *BioMesh) Orchestrator() *engine.Orchestrator { return m.orch }

// Chat starts a session; its events must be consumed until the channel
// closes.
func (m *BioMesh) Chat(ctx context.Context, req engine.ChatRequest) (*engine.Run, error) {
	return m.orch.Start(ctx, req)
}

// ChatSync runs a session to completion, answering confirmation requests
// with confirm (AutoConfirm when nil). It returns the non-partial messages
// and the outcome.
func (m *BioMesh) ChatSync(ctx context.Context, req engine.ChatRequest, confirm ConfirmFunc) ([]core.Message, core.Outcome, error) {
	if confirm == nil {
		confirm = AutoConfirm
	}
	run, err := m.orch.Start(ctx, req)
	if err != nil {
		return nil, core.Outcome{}, err
	}

	var msgs []core.Message
	for msg := range run.Events() {
		if msg.Partial {
			continue
		}
		msgs = append(msgs, msg)
		if msg.Status != core.StatusToolCalling || msg.Analysis != agent.AnalysisAwaitingConfirmation || msg.ToolArg == nil {
			continue
		}
		override, proceed := confirm(*msg.ToolArg)
		if !proceed {
			run.Terminate()
			continue
		}
		run.Confirm(override)
	}
	return msgs, run.Wait(), ctx.Err()
}
