// Package session keeps the worker-local registry of in-flight sessions.
//
// Sessions are not persisted. The orchestrator registers a session when a run
// starts and removes it once the run has finished, so the registry always
// reflects what the worker is doing right now. Health reporting and the
// control endpoints read from it.
package session
