package agent

import (
	"github.com/hupe1980/biomesh/internal/util"
)

// InstructionFunc computes a system instruction from the running session.
type InstructionFunc func(rc *RunContext) (string, error)

// Instruction is the system prompt of a subagent. It is either a template
// rendered against the session ({{.Request}}, {{.OutDir}}, {{.SessionID}})
// or an InstructionFunc. The zero value sends no system prompt.
type Instruction struct {
	template string
	fn       InstructionFunc
}

// TemplateInstruction returns an instruction rendered from tmpl.
func TemplateInstruction(tmpl string) Instruction { return Instruction{template: tmpl} }

// FuncInstruction returns an instruction computed by fn on every call.
func FuncInstruction(fn InstructionFunc) Instruction { return Instruction{fn: fn} }

// Empty reports whether the instruction produces no system prompt.
func (i Instruction) Empty() bool { return i.fn == nil && i.template == "" }

// Resolve produces the system prompt for rc.
func (i Instruction) Resolve(rc *RunContext) (string, error) {
	if i.fn != nil {
		return i.fn(rc)
	}
	if rc == nil || rc.Session == nil {
		return util.RenderTemplate(i.template, nil)
	}
	return util.RenderTemplate(i.template, struct {
		Request   string
		OutDir    string
		SessionID string
	}{rc.Session.Request, rc.Session.OutDir, rc.Session.ID})
}
