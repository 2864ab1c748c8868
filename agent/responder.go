package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/internal/util"
)

var citationRe = regexp.MustCompile(`\[(step\d+)\]`)

// ResponderOptions configures a Responder.
type ResponderOptions struct {
	Instruction Instruction
	Preset      string
	// MaxContentRunes bounds each message rendered into the prompt.
	MaxContentRunes int
}

// Responder synthesizes the final answer from the whole Message Log. It
// never invokes tools.
type Responder struct {
	BaseAgent
	maxContent int
}

// NewResponder creates the responder subagent.
func NewResponder(optFns ...func(o *ResponderOptions)) *Responder {
	opts := ResponderOptions{
		Instruction:     TemplateInstruction(ResponderInstruction),
		MaxContentRunes: 2000,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	r := &Responder{
		BaseAgent:  NewBaseAgent("responder", core.SenderResponder, opts.Instruction),
		maxContent: opts.MaxContentRunes,
	}
	r.SetPreset(opts.Preset)
	r.SetTemperature(0.2)
	return r
}

// Respond streams the answer and emits it with the cited step ids that exist
// in the log.
func (r *Responder) Respond(rc *RunContext) (core.Answer, error) {
	msgs := rc.Session.Log.Messages()
	steps := stepIDs(msgs)

	prompt, err := render(responderPrompt, map[string]any{
		"Request": rc.Session.Request,
		"StepIDs": steps,
		"Log":     r.renderLog(msgs),
	})
	if err != nil {
		return core.Answer{}, core.WrapError(core.KindInternal, err, "render responder prompt")
	}
	req, err := r.request(rc, prompt, true)
	if err != nil {
		return core.Answer{}, err
	}

	text, err := r.generate(rc, req, func(_, delta string) error {
		return r.emit(rc, core.PartialMessage(r.Sender(), core.Delta{Text: delta}))
	})
	if err != nil {
		return core.Answer{}, err
	}

	answer := core.Answer{Text: strings.TrimSpace(text), CitedSteps: Citations(text, steps)}
	if err := r.emit(rc, core.MustMessage(r.Sender(), core.StatusGenerating, answer)); err != nil {
		return core.Answer{}, err
	}
	return answer, nil
}

// Citations returns the [stepN] references in text that name a known step,
// in order of first appearance.
func Citations(text string, known []string) []string {
	valid := make(map[string]bool, len(known))
	for _, id := range known {
		valid[id] = true
	}
	out := []string{}
	seen := map[string]bool{}
	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		id := m[1]
		if valid[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func stepIDs(msgs []core.Message) []string {
	var ids []string
	seen := map[string]bool{}
	for _, m := range msgs {
		if m.Sender != core.SenderToolExecutor || m.Status != core.StatusToolResult {
			continue
		}
		var res core.ToolResult
		if err := m.Decode(&res); err != nil || res.Step == "" || seen[res.Step] {
			continue
		}
		seen[res.Step] = true
		ids = append(ids, res.Step)
	}
	return ids
}

func (r *Responder) renderLog(msgs []core.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		prefix := fmt.Sprintf("%s/%s", m.Sender, m.Status)
		if m.Sender == core.SenderToolExecutor && m.Status == core.StatusToolResult {
			var res core.ToolResult
			if err := m.Decode(&res); err == nil {
				prefix = fmt.Sprintf("[%s] %s result", res.Step, res.Tool)
			}
		}
		b.WriteString(prefix)
		if m.Analysis != "" {
			fmt.Fprintf(&b, " (%s)", m.Analysis)
		}
		b.WriteString(": ")
		b.WriteString(util.Truncate(string(m.Content), r.maxContent))
		b.WriteByte('\n')
	}
	return b.String()
}
