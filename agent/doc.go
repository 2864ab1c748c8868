// Package agent contains the six subagents that turn a request into tool
// invocations and an answer:
//
//  1. Parser extracts typed entities and requested outputs from the request
//  2. Planner proposes (and repairs) an ordered plan of tool steps
//  3. Connector binds the parameters of one step from the Argument Pool
//  4. Executor confirms, validates and runs one tool call
//  5. Responder synthesizes the final answer with step citations
//  6. Titler names the session
//
// Design principles:
//   - Subagents are stateless between calls; everything they need arrives in
//     a RunContext and everything they produce leaves through RunContext.Emit
//   - Subagents never mutate existing messages or the session plan; the engine
//     is the sole mutator of session state
//   - Failures are returned as classified *core.Error values; the engine turns
//     them into error messages and decides whether to replan
//
// Prompts are text/template documents rendered per call. Each subagent can be
// bound to its own model preset.
package agent
