package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hupe1980/biomesh/agent"
	"github.com/hupe1980/biomesh/artifact"
	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/logging"
	"github.com/hupe1980/biomesh/model"
	"github.com/hupe1980/biomesh/semtype"
	"github.com/hupe1980/biomesh/session"
	"github.com/hupe1980/biomesh/tool"
)

// ErrNoRequest is returned when a chat request carries no user message.
var ErrNoRequest = errors.New("chat request has no user message")

// ToolSource hands out the current registry snapshot. *tool.Registry
// implements it.
type ToolSource interface {
	Snapshot() *tool.Snapshot
}

// ChatRequest starts one session.
type ChatRequest struct {
	// OutDir is the session output directory. It is created if missing.
	OutDir string
	// Messages is the conversation so far; the last user entry is the
	// request and everything before it is history.
	Messages []core.Turn
	// SessionID overrides the generated session id.
	SessionID string
}

// Split returns the request and the history preceding it.
func (r ChatRequest) Split() (string, []core.Turn, error) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		t := r.Messages[i]
		if model.Role(t.Role) == model.RoleUser && strings.TrimSpace(t.Content) != "" {
			return t.Content, r.Messages[:i], nil
		}
	}
	return "", nil, ErrNoRequest
}

// Options configures an Orchestrator.
type Options struct {
	// Subagents. Defaults are created when nil.
	Parser    *agent.Parser
	Planner   *agent.Planner
	Connector *agent.Connector
	Executor  *agent.Executor
	Responder *agent.Responder
	Titler    *agent.Titler

	// Checker validates values against semantic types.
	Checker *semtype.Checker

	// Artifacts returns the artifact store of a session output directory.
	// Defaults to a DirStore under <out_dir>/artifacts.
	Artifacts func(outDir string) (artifact.Store, error)

	// SessionStore registers live sessions. Defaults to an in-memory store.
	SessionStore session.Store

	// ReplanBudget is the number of repair plans per session.
	ReplanBudget int

	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Orchestrator drives sessions through the subagent pipeline.
type Orchestrator struct {
	tools ToolSource
	model *model.Client
	opts  Options

	mu   sync.RWMutex
	runs map[string]*Run
}

// New creates an orchestrator drawing tools from tools and completions from
// client.
func New(tools ToolSource, client *model.Client, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		Checker: semtype.NewChecker(),
		Artifacts: func(outDir string) (artifact.Store, error) {
			return artifact.NewDirStore(filepath.Join(outDir, "artifacts")), nil
		},
		SessionStore: session.NewInMemoryStore(),
		ReplanBudget: core.DefaultReplanBudget,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Parser == nil {
		opts.Parser = agent.NewParser()
	}
	if opts.Planner == nil {
		opts.Planner = agent.NewPlanner()
	}
	if opts.Connector == nil {
		opts.Connector = agent.NewConnector()
	}
	if opts.Executor == nil {
		opts.Executor = agent.NewExecutor()
	}
	if opts.Responder == nil {
		opts.Responder = agent.NewResponder()
	}
	if opts.Titler == nil {
		opts.Titler = agent.NewTitler()
	}

	return &Orchestrator{
		tools: tools,
		model: client,
		opts:  opts,
		runs:  make(map[string]*Run),
	}
}

// Sessions returns the registry of live sessions.
func (o *Orchestrator) Sessions() session.Store { return o.opts.SessionStore }

// Run returns the live run of a session.
func (o *Orchestrator) Run(sessionID string) (*Run, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[sessionID]
	return r, ok
}

// Start creates a session for req and runs the pipeline in the background.
// The session works on the tool snapshot current at this moment. Events must
// be consumed until the channel closes; cancelling ctx terminates the run.
func (o *Orchestrator) Start(ctx context.Context, req ChatRequest) (*Run, error) {
	request, history, err := req.Split()
	if err != nil {
		return nil, err
	}
	if req.OutDir == "" {
		return nil, errors.New("out_dir is required")
	}
	outDir, err := filepath.Abs(req.OutDir)
	if err != nil {
		return nil, fmt.Errorf("resolve out_dir: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create out_dir: %w", err)
	}
	store, err := o.opts.Artifacts(outDir)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	snap := o.tools.Snapshot()
	sess := core.NewSession(request, outDir, snap, func(so *core.SessionOptions) {
		so.ID = req.SessionID
		so.History = history
		so.ReplanBudget = o.opts.ReplanBudget
	})
	if err := o.opts.SessionStore.Put(sess); err != nil {
		return nil, err
	}

	r := newRun(ctx, o, sess, store)

	o.mu.Lock()
	o.runs[sess.ID] = r
	o.mu.Unlock()

	go func() {
		r.execute()
		o.mu.Lock()
		delete(o.runs, sess.ID)
		o.mu.Unlock()
		if err := o.opts.SessionStore.Delete(sess.ID); err != nil {
			o.opts.Logger.Warn("unregistering session failed", "session_id", sess.ID, "error", err)
		}
	}()
	return r, nil
}
