package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/biomesh/agent"
	"github.com/hupe1980/biomesh/artifact"
	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/logging"
)

// Run is one session being driven through the pipeline.
//
// Contract:
//   - exactly one subagent is active at a time
//   - every non-partial message is appended to the log before it is forwarded
//   - once Terminate was called the only envelope still forwarded is the
//     final cancelled done message
type Run struct {
	o      *Orchestrator
	sess   *core.Session
	store  artifact.Store
	gate   *Gate
	logger logging.Logger

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	events    chan core.Message
	stop      chan struct{}
	stopOnce  sync.Once
	cancelled atomic.Bool
	done      chan struct{}

	outcome core.Outcome
}

func newRun(parent context.Context, o *Orchestrator, sess *core.Session, store artifact.Store) *Run {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	logger := o.opts.Logger
	if sl, ok := logger.(*logging.StructuredLogger); ok {
		logger = sl.WithSession(sess.ID)
	}

	r := &Run{
		o:      o,
		sess:   sess,
		store:  store,
		gate:   NewGate(),
		logger: logger,
		parent: parent,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan core.Message),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	r.gate.onWait = func(waiting bool) {
		next := core.LifecycleGenerating
		if waiting {
			next = core.LifecycleAwaitingConfirmation
		}
		if err := sess.Transition(next); err != nil {
			logger.Debug("lifecycle transition skipped", "error", err)
		}
	}

	go func() {
		select {
		case <-parent.Done():
			r.Terminate()
		case <-r.done:
		}
	}()
	return r
}

// Events yields the session's messages in log order, partial frames
// included. The channel closes after the final done message.
func (r *Run) Events() <-chan core.Message { return r.events }

// Session returns the session being driven.
func (r *Run) Session() *core.Session { return r.sess }

// Done is closed once the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run has finished and returns its outcome.
func (r *Run) Wait() core.Outcome {
	<-r.done
	return r.outcome
}

// Pending returns the tool call awaiting confirmation, if any.
func (r *Run) Pending() (core.ToolCall, bool) { return r.gate.Pending() }

// Confirm releases the confirmation gate. A nil override runs the proposed
// call unchanged. It reports false when no call is pending.
func (r *Run) Confirm(override *core.ToolCall) bool {
	return r.gate.Release(override)
}

// Terminate cancels the run. The active tool process is stopped and the
// stream ends with a single cancelled done message. It reports false when
// the run had already finished or was terminated before.
func (r *Run) Terminate() bool {
	if r.sess.State() == core.LifecycleFinished {
		return false
	}
	terminated := false
	r.stopOnce.Do(func() {
		r.cancelled.Store(true)
		if err := r.sess.Transition(core.LifecycleCancelling); err != nil {
			r.logger.Debug("lifecycle transition skipped", "error", err)
		}
		close(r.stop)
		r.cancel()
		terminated = true
	})
	return terminated
}

func (r *Run) isCancelled() bool { return r.cancelled.Load() }

// emit is the subagents' sink. It is called from the pipeline goroutine and,
// for partial tool output, from process reader goroutines.
func (r *Run) emit(m core.Message) error {
	if r.isCancelled() {
		return context.Canceled
	}
	if !m.Partial {
		stamped, err := r.sess.Log.Append(m)
		if err != nil {
			return core.WrapError(core.KindInternal, err, "append message")
		}
		m = stamped
		if m.Status == core.StatusToolCalling && m.ToolArg != nil && m.Analysis == agent.AnalysisAwaitingConfirmation {
			r.gate.Arm(*m.ToolArg)
		}
	}
	select {
	case <-r.stop:
		return context.Canceled
	default:
	}
	select {
	case r.events <- m:
		return nil
	case <-r.stop:
		return context.Canceled
	}
}

func (r *Run) execute() {
	defer close(r.done)
	defer close(r.events)
	defer r.cancel()

	if err := r.sess.Transition(core.LifecycleGenerating); err != nil {
		r.logger.Debug("lifecycle transition skipped", "error", err)
	}

	start := time.Now()
	outcome := r.pipeline()

	final := core.DoneMessage(outcome)
	if r.isCancelled() {
		outcome = core.Outcome{Kind: string(core.KindCancelled), Message: "session terminated"}
		final = core.CancelledMessage(outcome.Message)
	}
	r.sess.SetPhase("done")
	if stamped, err := r.sess.Log.Append(final); err == nil {
		final = stamped
	}
	if err := r.sess.Transition(core.LifecycleFinished); err != nil {
		r.logger.Warn("finishing session", "error", err)
	}
	r.outcome = outcome

	var stageErr error
	if outcome.Kind != "" {
		stageErr = core.NewError(core.ErrorKind(outcome.Kind), "%s", outcome.Message)
	}
	logging.Stage(r.logger, "session", time.Since(start), stageErr)

	select {
	case r.events <- final:
	case <-r.parent.Done():
	}
}

func (r *Run) runContext() *agent.RunContext {
	return &agent.RunContext{
		Context:   r.ctx,
		Session:   r.sess,
		Tools:     r.sess.Tools,
		Model:     r.o.model,
		Checker:   r.o.opts.Checker,
		Artifacts: r.store,
		Gate:      r.gate,
		Emit:      r.emit,
		Logger:    r.logger,
	}
}

// stage runs one subagent call with phase bookkeeping and duration logging.
func (r *Run) stage(phase string, fn func() error) error {
	if r.isCancelled() {
		return context.Canceled
	}
	r.sess.SetPhase(phase)
	start := time.Now()
	err := fn()
	logging.Stage(r.logger, phase, time.Since(start), err)
	return err
}

// fail reports err on the stream and returns the matching outcome.
// Cancellation is reported by the final message alone.
func (r *Run) fail(sender core.Sender, err error) core.Outcome {
	kind := core.KindOf(err)
	out := core.Outcome{Kind: string(kind), Message: err.Error()}
	if r.isCancelled() || kind == core.KindCancelled {
		return out
	}
	if emitErr := r.emit(core.ErrorMessage(sender, err)); emitErr != nil {
		r.logger.Warn("reporting error failed", "error", emitErr)
	}
	return out
}

type stepFailure struct {
	step   core.Step
	sender core.Sender
}

func (r *Run) pipeline() core.Outcome {
	o := r.o.opts
	rc := r.runContext()

	if _, err := r.sess.Log.Append(core.MustMessage(core.SenderUser, core.StatusGenerating, r.sess.Request)); err != nil {
		return r.fail(core.SenderSystem, core.WrapError(core.KindInternal, err, "append user message"))
	}

	var query core.ParsedQuery
	if err := r.stage("parsing", func() (err error) {
		query, err = o.Parser.Parse(rc)
		return err
	}); err != nil {
		return r.fail(core.SenderQueryParser, err)
	}

	var plan *core.Plan
	if err := r.stage("planning", func() (err error) {
		plan, err = o.Planner.Plan(rc, query, nil)
		return err
	}); err != nil {
		return r.planningFailed(rc, err)
	}
	r.sess.SetPlan(plan)

	for plan.Len() > 0 {
		failed, err := r.runPlan(rc, plan)
		if err == nil {
			break
		}
		kind := core.KindOf(err)
		out := r.fail(failed.sender, err)
		if r.isCancelled() || !kind.Replannable() {
			return out
		}
		if takeErr := r.sess.Replans().Take(); takeErr != nil {
			return r.fail(core.SenderSystem, core.WrapError(kind, takeErr, "giving up after "+failed.step.ID))
		}

		repair := &agent.Repair{Step: failed.step.ID, Tool: failed.step.Tool, Kind: kind, Message: err.Error()}
		if err := r.stage("replanning", func() (err error) {
			plan, err = o.Planner.Plan(rc, query, repair)
			return err
		}); err != nil {
			return r.planningFailed(rc, err)
		}
		r.sess.SetPlan(plan)
	}

	return r.conclude(rc, core.Outcome{})
}

// planningFailed reports a planner error. An infeasible plan is still
// explained by the responder; anything else ends the session.
func (r *Run) planningFailed(rc *agent.RunContext, err error) core.Outcome {
	out := r.fail(core.SenderPlanGenerator, err)
	if r.isCancelled() || core.KindOf(err) != core.KindPlanning {
		return out
	}
	return r.conclude(rc, out)
}

func (r *Run) runPlan(rc *agent.RunContext, plan *core.Plan) (stepFailure, error) {
	o := r.o.opts
	for _, step := range plan.Steps {
		r.sess.SetCurrentStep(step.ID)

		var conn core.Connection
		if err := r.stage("connect:"+step.ID, func() (err error) {
			conn, err = o.Connector.Connect(rc, step)
			return err
		}); err != nil {
			return stepFailure{step: step, sender: core.SenderToolConnector}, err
		}

		call := core.ToolCall{Step: step.ID, Tool: conn.Tool, Args: conn.Args}
		if err := r.stage("execute:"+step.ID, func() error {
			_, err := o.Executor.Execute(rc, call)
			return err
		}); err != nil {
			return stepFailure{step: step, sender: core.SenderToolExecutor}, err
		}
	}
	return stepFailure{}, nil
}

// conclude runs the responder and the titler. prior is the outcome so far.
func (r *Run) conclude(rc *agent.RunContext, prior core.Outcome) core.Outcome {
	o := r.o.opts
	if err := r.stage("responding", func() error {
		_, err := o.Responder.Respond(rc)
		return err
	}); err != nil {
		return r.fail(core.SenderResponder, err)
	}

	var title core.Title
	if err := r.stage("titling", func() (err error) {
		title, err = o.Titler.Title(rc)
		return err
	}); err != nil {
		return r.fail(core.SenderTitler, err)
	}
	prior.Title = title.Title
	return prior
}
