package agent

import (
	"strings"

	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/internal/util"
)

// MaxTitleRunes bounds session titles.
const MaxTitleRunes = 60

// TitlerOptions configures a Titler.
type TitlerOptions struct {
	Instruction Instruction
	Preset      string
}

// Titler names the session after the first user message and answer.
type Titler struct {
	BaseAgent
}

// NewTitler creates the titler subagent.
func NewTitler(optFns ...func(o *TitlerOptions)) *Titler {
	opts := TitlerOptions{Instruction: TemplateInstruction(TitlerInstruction)}
	for _, fn := range optFns {
		fn(&opts)
	}
	t := &Titler{BaseAgent: NewBaseAgent("titler", core.SenderTitler, opts.Instruction)}
	t.SetPreset(opts.Preset)
	t.SetTemperature(0.3)
	return t
}

// Title emits a title of at most MaxTitleRunes runes. Model failures fall
// back to the truncated request.
func (t *Titler) Title(rc *RunContext) (core.Title, error) {
	request := rc.Session.Request
	if first, ok := rc.Session.Log.First(core.SenderUser); ok {
		var s string
		if err := first.Decode(&s); err == nil && s != "" {
			request = s
		}
	}
	var answer string
	if first, ok := rc.Session.Log.First(core.SenderResponder); ok {
		var a core.Answer
		if err := first.Decode(&a); err == nil {
			answer = util.Truncate(a.Text, 1000)
		}
	}

	title, err := t.generateTitle(rc, request, answer)
	if err != nil {
		t.logger(rc).Warn("title generation failed, using request", "error", err)
		title = ""
	}
	if title == "" {
		title = util.Truncate(strings.Join(strings.Fields(request), " "), MaxTitleRunes)
	}

	out := core.Title{Title: title}
	if err := t.emit(rc, core.MustMessage(t.Sender(), core.StatusGenerating, out)); err != nil {
		return core.Title{}, err
	}
	return out, nil
}

func (t *Titler) generateTitle(rc *RunContext, request, answer string) (string, error) {
	prompt, err := render(titlerPrompt, map[string]any{
		"Request": request,
		"Answer":  answer,
		"Max":     MaxTitleRunes,
	})
	if err != nil {
		return "", err
	}
	req, err := t.request(rc, prompt, false)
	if err != nil {
		return "", err
	}
	req.Stop = []string{"\n"}
	text, err := t.generate(rc, req, nil)
	if err != nil {
		return "", err
	}
	return cleanTitle(text), nil
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'` ")
	s = strings.TrimPrefix(s, "Title:")
	return util.Truncate(strings.TrimSpace(s), MaxTitleRunes)
}
