// Package artifact stores the annotated tool result payloads of a session.
//
// DirStore writes artifacts below a session's output directory so they sit
// next to the files the tools produced; InMemoryStore keeps them in process
// for tests and examples. Both implement Store.
package artifact
