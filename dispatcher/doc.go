// Package dispatcher places chats on idle workers.
//
// Workers publish their state in a shared flagpool.Store. For every chat the
// dispatcher walks the idle workers oldest flag first, dials each candidate
// over TCP and evicts the ones that do not answer. The first worker that
// accepts the chat is announced to the client with a placement envelope
//
//	{"ip_port": "10.0.0.7:7001"}
//
// followed by the worker's stream, relayed verbatim. Later control calls
// (/change_tool_call, /terminate) name the worker with the ip parameter.
//
// A short in-process lease keeps two concurrent chats from choosing the same
// worker before its flag flips to busy.
package dispatcher
