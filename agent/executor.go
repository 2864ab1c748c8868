package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hupe1980/biomesh/artifact"
	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/logging"
	"github.com/hupe1980/biomesh/tool"
)

// Analyses attached to tool_calling messages.
const (
	AnalysisAwaitingConfirmation = "awaiting confirmation"
	AnalysisAutoConfirmed        = "auto confirmed"
	AnalysisOverride             = "override"
)

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// GracePeriod is the wait between SIGTERM and SIGKILL on cancellation.
	GracePeriod time.Duration
	// MaxLineBytes bounds a single forwarded output line.
	MaxLineBytes int
	// StderrTail is how many stderr lines are quoted in failure messages.
	StderrTail int
	// Env is appended to the environment of every tool process.
	Env []string
}

// Executor runs one confirmed tool call. It publishes the proposed call,
// waits at the confirmation gate unless the tool is auto-confirmed,
// validates the final arguments and runs the tool process while forwarding
// its output as partial frames.
type Executor struct {
	BaseAgent
	opts ExecutorOptions
}

// NewExecutor creates the tool executor subagent.
func NewExecutor(optFns ...func(o *ExecutorOptions)) *Executor {
	opts := ExecutorOptions{
		GracePeriod:  5 * time.Second,
		MaxLineBytes: 64 * 1024,
		StderrTail:   20,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Executor{
		BaseAgent: NewBaseAgent("executor", core.SenderToolExecutor, Instruction{}),
		opts:      opts,
	}
}

// Execute runs call. Validation failures return a validation error, process
// failures a tool failure; cancellation terminates the process and returns
// an error wrapping the context error.
func (e *Executor) Execute(rc *RunContext, call core.ToolCall) (core.ToolResult, error) {
	d, ok := rc.Tools.Lookup(call.Tool)
	if !ok {
		return core.ToolResult{}, core.NewError(core.KindValidation, "unknown tool %q", call.Tool)
	}

	analysis := AnalysisAwaitingConfirmation
	if d.AutoConfirm || rc.Gate == nil {
		analysis = AnalysisAutoConfirmed
	}
	proposed := core.MustMessage(e.Sender(), core.StatusToolCalling, call).WithToolArg(call).WithAnalysis(analysis)
	if err := e.emit(rc, proposed); err != nil {
		return core.ToolResult{}, err
	}

	if !d.AutoConfirm && rc.Gate != nil {
		final, overridden, err := rc.Gate.Await(rc.Context, call)
		if err != nil {
			return core.ToolResult{}, err
		}
		if overridden {
			if final.Tool == "" {
				final.Tool = call.Tool
			}
			final.Step = call.Step
			if final.Tool != call.Tool {
				if d, ok = rc.Tools.Lookup(final.Tool); !ok {
					return core.ToolResult{}, core.NewError(core.KindValidation, "override names unknown tool %q", final.Tool)
				}
			}
			call = final
			msg := core.MustMessage(e.Sender(), core.StatusToolCalling, call).WithToolArg(call).WithAnalysis(AnalysisOverride)
			if err := e.emit(rc, msg); err != nil {
				return core.ToolResult{}, err
			}
		}
	}

	args, err := e.validate(rc, d, call.Args)
	if err != nil {
		return core.ToolResult{}, err
	}
	argv, err := d.Argv(args, rc.Session.OutDir)
	if err != nil {
		return core.ToolResult{}, core.WrapError(core.KindValidation, err, d.Name)
	}

	payload, err := e.run(rc, d, call.Step, argv)
	if err != nil {
		return core.ToolResult{}, err
	}

	annotated, err := annotate(payload, call.Step, d.Name)
	if err != nil {
		e.logger(rc).Warn("annotating tool result failed", "tool", d.Name, "step", call.Step, "error", err)
		annotated = payload
	}

	result := core.ToolResult{
		Step:      call.Step,
		Tool:      d.Name,
		Args:      args,
		Result:    payload,
		Artifacts: outputFiles(d, payload, rc.Session.OutDir),
	}
	if rc.Artifacts != nil {
		loc, err := rc.Artifacts.Save(rc.Session.ID, artifact.Name(call.Step, d.Name, "result.json"), annotated)
		if err != nil {
			e.logger(rc).Warn("saving tool result failed", "tool", d.Name, "step", call.Step, "error", err)
		} else {
			result.Artifacts = append(result.Artifacts, loc)
		}
	}

	if err := e.emit(rc, core.MustMessage(e.Sender(), core.StatusToolResult, result)); err != nil {
		return core.ToolResult{}, err
	}
	return result, nil
}

func (e *Executor) validate(rc *RunContext, d *tool.Descriptor, args map[string]any) (map[string]any, error) {
	resolved, err := d.ResolveArgs(args)
	if err != nil {
		return nil, core.WrapError(core.KindValidation, err, d.Name)
	}
	for _, prm := range d.Params() {
		v, ok := resolved[prm.Name]
		if !ok {
			continue
		}
		if err := rc.Checker.Check(rc.Context, prm.Name, v, prm.SemanticType, rc.Session.OutDir); err != nil {
			return nil, core.WrapError(core.KindValidation, err, d.Name)
		}
	}
	return resolved, nil
}

func (e *Executor) run(rc *RunContext, d *tool.Descriptor, step string, argv []string) ([]byte, error) {
	resultFile := filepath.Join(rc.Session.OutDir, "."+artifact.Name(step, d.Name, "raw.json"))
	defer os.Remove(resultFile)

	proc := tool.NewProcess(argv, func(o *tool.ProcessOptions) {
		o.Dir = rc.Session.OutDir
		o.ResultFile = resultFile
		o.Env = e.opts.Env
		o.GracePeriod = e.opts.GracePeriod
		o.MaxLineBytes = e.opts.MaxLineBytes
		o.StderrTail = e.opts.StderrTail
		o.Timeout = time.Duration(d.TimeoutSeconds) * time.Second
		o.OnLine = func(stream tool.Stream, line string) {
			_ = e.emit(rc, core.PartialMessage(e.Sender(), core.Delta{Text: line, Stream: string(stream)}))
		}
	})

	start := time.Now()
	res, err := proc.Run(rc.Context)
	logging.ToolCall(e.logger(rc), d.Name, time.Since(start), err == nil, err)
	if err == nil {
		return res.Payload, nil
	}
	if ctxErr := rc.Context.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return nil, err
	}

	msg := err.Error()
	if res != nil && len(res.StderrTail) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(res.StderrTail, "\n"))
	}
	return nil, core.WrapError(core.KindToolFailure, tool.NewToolError(d.Name, msg, string(stateOf(res))), step)
}

// annotate stamps the step and tool into an object payload.
func annotate(payload []byte, step, toolName string) ([]byte, error) {
	out, err := sjson.SetBytes(payload, "_biomesh.step", step)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "_biomesh.tool", toolName)
}

func stateOf(res *tool.ProcessResult) tool.ProcessState {
	if res == nil {
		return tool.StateFailed
	}
	return res.State
}

// outputFiles lists the path-typed return values present in payload,
// resolved against the output directory.
func outputFiles(d *tool.Descriptor, payload []byte, outDir string) []string {
	var out []string
	for _, rv := range d.ReturnValues {
		if !rv.SemanticType.IsPath() {
			continue
		}
		path := rv.Path
		if path == "" {
			path = rv.Name
		}
		if v := gjson.GetBytes(payload, path); v.Type == gjson.String && v.String() != "" {
			p := v.String()
			if !filepath.IsAbs(p) {
				p = filepath.Join(outDir, p)
			}
			out = append(out, p)
		}
	}
	return out
}
