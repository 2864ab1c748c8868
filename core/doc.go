// Package core provides the foundational domain types shared by the biomesh
// runtime. It defines:
//
//   - Messages (immutable records emitted by subagents) and the append-only
//     Message Log that orders them per session
//   - Plans (ordered step maps produced by the planner)
//   - The Argument Pool derived from the log for parameter binding
//   - Sessions with their lifecycle state and replanning budget
//   - Stream envelopes exchanged with clients and the dispatcher
//   - Error kinds surfaced to clients
//
// The package keeps orchestration and transport concerns out of scope; the
// engine, worker and dispatcher packages build on these types.
package core
