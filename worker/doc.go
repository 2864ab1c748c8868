// Package worker serves one orchestrator over HTTP.
//
// A worker runs at most one session at a time and publishes its state in a
// flagpool.Store so the dispatcher can route new chats to it:
//
//	idle → busy (chat accepted) → idle (stream closed) … → stop (shutdown)
//
// Endpoints, all GET with query parameters:
//
//	/chat             ?out_dir=&messages=   NDJSON envelope stream
//	/ws/chat          ?out_dir=&messages=   same stream over a websocket
//	/change_tool_call ?tool_name=&tool_args= confirm the pending tool call
//	/terminate                              cancel the running session
//	/sync_toolset     ?out_dir=             rescan the tool registry
//	/health                                 state and host load
package worker
