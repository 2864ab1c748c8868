// Package logging defines the Logger interface used across biomesh and a
// slog based StructuredLogger for the binaries.
//
// Components accept a Logger and default to NoOpLogger. StructuredLogger adds
// component and session tags and the timing helpers Stage, ToolCall and
// LLMCall, which also work on any plain Logger:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	orch := engine.New(registry, client, func(o *engine.Options) { o.Logger = logger })
package logging
