package agent

import (
	"github.com/hupe1980/biomesh/internal/util"
)

// System instructions. They are templates rendered against the session.
const (
	ParserInstruction = `You extract structured inputs from protein engineering requests.
Only report values that literally appear in the request. Never invent identifiers, sequences or file names.
Answer with a single JSON object and nothing else.`

	PlannerInstruction = `You plan bioinformatics workflows as ordered tool steps.
Use only tools from the provided list. Every step input must come from the user's request or an earlier step's outputs.
Answer with a single JSON object and nothing else.`

	ConnectorInstruction = `You bind tool parameters to concrete values.
Answer with a single JSON object {"target": <value>} and nothing else. Use an empty string when no value fits.`

	ResponderInstruction = `You explain the results of a bioinformatics workflow to a scientist.
Be precise and concise. Cite the step that produced every result as [stepN]. Never claim a tool ran when it did not.`

	TitlerInstruction = `You write short, descriptive titles for chat sessions. Answer with the title only.`
)

const parserPrompt = `TASK: PARSE
Semantic types:
{{.Types}}
Tool arguments:
{{.Arguments}}
Request:
{{.Request}}

Respond with {"input": {"<entity name>": {"<SEMANTIC_TYPE>": <value>}}, "output": ["<SEMANTIC_TYPE>", ...]}.
"input" lists the values given in the request, "output" the types of results the user asks for.`

const plannerPrompt = `{{if .Repair}}TASK: REPAIR PLAN{{else}}TASK: PLAN{{end}}
Available tools:
{{.Tools}}
Known inputs: {{if .InputTypes}}{{join ", " .InputTypes}}{{else}}none{{end}}
Requested outputs: {{if .OutputTypes}}{{join ", " .OutputTypes}}{{else}}unspecified{{end}}
{{- if .Completed}}
Completed steps:
{{range .Completed}}- {{.}}
{{end}}{{end}}
{{- if .Repair}}
Failed step: {{.Repair.Step}} ({{.Repair.Tool}})
Error ({{.Repair.Kind}}): {{.Repair.Message}}
Plan only the remaining work. Respond with {} if the request cannot be completed without asking the user for clarification.
{{- end}}
Request:
{{.Request}}

Respond with {"step1": {"tool": "<tool name>", "description": "<what the step does>", "inputs_expected": ["<SEMANTIC_TYPE>"], "outputs_expected": ["<SEMANTIC_TYPE>"]}, "step2": ...}.`

const connectPrompt = `TASK: CONNECT
Step {{.Step}} runs {{.Tool}}: {{.StepDescription}}
Parameter: {{.Param}} ({{.Type}}){{if .ParamDescription}}: {{.ParamDescription}}{{end}}
Candidate value from {{.Source}}: {{.Value}}
Request:
{{.Request}}

If the candidate is the right value for the parameter respond {"target": <candidate value>}, otherwise {"target": ""}.`

const extractPrompt = `TASK: EXTRACT
Step {{.Step}} runs {{.Tool}}: {{.StepDescription}}
Parameter: {{.Param}} ({{.Type}}){{if .ParamDescription}}: {{.ParamDescription}}{{end}}
Type description: {{.TypeDescription}}
Request:
{{.Request}}

Respond with {"target": <value>} using a value stated in the request, or {"target": ""} if the request does not contain one.`

const responderPrompt = `TASK: RESPOND
Request:
{{.Request}}
Steps in this session: {{if .StepIDs}}{{join ", " .StepIDs}}{{else}}none{{end}}
Session log:
{{.Log}}

Answer the request from the session log. Cite every result with the id of the step that produced it, e.g. [step1].`

const titlerPrompt = `TASK: TITLE
Request:
{{.Request}}
{{- if .Answer}}
Answer:
{{.Answer}}
{{- end}}

Respond with a title of at most {{.Max}} characters.`

func render(tmpl string, data any) (string, error) {
	return util.RenderTemplate(tmpl, data)
}
