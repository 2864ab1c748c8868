// Package engine implements the orchestration layer of biomesh.
//
// An Orchestrator turns a chat request into a session and drives it through
// the subagent pipeline:
//
//	new → parsing → planning → step(1) … step(n) → responding → titling → done
//	                               ↘ failure → replanning → step(1') …
//
// Each step is a connector call followed by an executor call. The executor
// publishes the proposed tool call and parks at the run's Gate until the
// client confirms it, optionally with overridden arguments. Tools marked
// auto-confirm skip the gate.
//
// # Errors
//
// Validation, binding and tool failures are reported on the stream and lead
// to a repair plan while the session's replan budget allows. A planning
// error is reported and then explained by the responder. Transport and
// internal errors end the session. Every session ends with a single system
// done message.
//
// # Cancellation
//
// Run.Terminate, or cancelling the context passed to Start, sets the
// session to cancelling. The running tool process receives SIGTERM and is
// killed after the executor's grace period. Nothing but the final cancelled
// done message is forwarded afterwards.
//
// # Usage
//
//	orch := engine.New(registry, client)
//	run, err := orch.Start(ctx, engine.ChatRequest{
//	    OutDir:   "/data/sessions/42",
//	    Messages: []core.Turn{{Role: "user", Content: "Fetch the UniProt entry P06213"}},
//	})
//	if err != nil {
//	    return err
//	}
//	for m := range run.Events() {
//	    if m.Status == core.StatusToolCalling && m.Analysis == "awaiting confirmation" {
//	        run.Confirm(nil)
//	    }
//	}
package engine
