package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel is the configured verbosity, independent of slog.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l LogLevel) String() string {
	if l < LogLevelDebug || l > LogLevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

func (l LogLevel) toSlog() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps debug, info, warn or error (case-insensitive) to a LogLevel.
// The empty string means info.
func ParseLevel(s string) (LogLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return LogLevelInfo, nil
	case "warning":
		return LogLevelWarn, nil
	}
	for i, name := range levelNames {
		if strings.ToLower(name) == s {
			return LogLevel(i), nil
		}
	}
	return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Logger is the logging interface accepted by every biomesh component.
// Arguments after msg are slog key/value pairs. A plain *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NoOpLogger discards everything.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...any) {}
func (NoOpLogger) Info(string, ...any)  {}
func (NoOpLogger) Warn(string, ...any)  {}
func (NoOpLogger) Error(string, ...any) {}

// LoggerConfig configures NewLogger.
type LoggerConfig struct {
	Level     LogLevel
	Format    string // json or text
	Output    io.Writer
	AddSource bool
	Component string
	SessionID string
}

// DefaultLoggerConfig returns JSON output at info level on stderr.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stderr}
}

// StructuredLogger is a slog logger that tags every record with the
// component and session it belongs to. The With* methods return children and
// never modify the receiver.
type StructuredLogger struct {
	base      *slog.Logger
	component string
	sessionID string
}

// NewLogger builds a StructuredLogger from cfg, or from the defaults when cfg
// is nil.
func NewLogger(cfg *LoggerConfig) *StructuredLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: cfg.Level.toSlog(), AddSource: cfg.AddSource}
	var h slog.Handler = slog.NewJSONHandler(out, hopts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(out, hopts)
	}
	return &StructuredLogger{base: slog.New(h), component: cfg.Component, sessionID: cfg.SessionID}
}

// NewSlogLogger is NewLogger writing to stderr.
func NewSlogLogger(level LogLevel, format string, addSource bool) *StructuredLogger {
	cfg := DefaultLoggerConfig()
	cfg.Level = level
	cfg.AddSource = addSource
	if format != "" {
		cfg.Format = format
	}
	return NewLogger(cfg)
}

// WithContext returns a child that adds key=value to every record.
func (l *StructuredLogger) WithContext(key string, value any) *StructuredLogger {
	child := *l
	child.base = l.base.With(key, value)
	return &child
}

// WithComponent returns a child logging as component c.
func (l *StructuredLogger) WithComponent(c string) *StructuredLogger {
	child := *l
	child.component = c
	return &child
}

// WithSession returns a child tagged with a session id.
func (l *StructuredLogger) WithSession(id string) *StructuredLogger {
	child := *l
	child.sessionID = id
	return &child
}

func (l *StructuredLogger) emit(level slog.Level, msg string, args []any) {
	tags := make([]any, 0, 2)
	if l.component != "" {
		tags = append(tags, slog.String("component", l.component))
	}
	if l.sessionID != "" {
		tags = append(tags, slog.String("session_id", l.sessionID))
	}
	l.base.Log(context.Background(), level, msg, append(tags, args...)...)
}

func (l *StructuredLogger) Debug(msg string, args ...any) { l.emit(slog.LevelDebug, msg, args) }
func (l *StructuredLogger) Info(msg string, args ...any)  { l.emit(slog.LevelInfo, msg, args) }
func (l *StructuredLogger) Warn(msg string, args ...any)  { l.emit(slog.LevelWarn, msg, args) }
func (l *StructuredLogger) Error(msg string, args ...any) { l.emit(slog.LevelError, msg, args) }

// outcome logs the end of a timed operation: at okLevel on success, at
// failLevel with the error otherwise.
func outcome(l Logger, okLevel, failLevel slog.Level, what string, dur time.Duration, err error, attrs ...any) {
	attrs = append(attrs, "duration", dur)
	if err == nil {
		if okLevel == slog.LevelDebug {
			l.Debug(what+" completed", attrs...)
		} else {
			l.Info(what+" completed", attrs...)
		}
		return
	}
	attrs = append(attrs, "error", err.Error())
	if failLevel == slog.LevelWarn {
		l.Warn(what+" finished with error", attrs...)
	} else {
		l.Error(what+" failed", attrs...)
	}
}

// Stage logs an orchestrator stage. Failed stages are warnings because the
// engine may still recover through a repair plan.
func Stage(l Logger, stage string, dur time.Duration, err error) {
	if err == nil {
		l.Info("stage finished", "stage", stage, "duration", dur)
		return
	}
	outcome(l, slog.LevelInfo, slog.LevelWarn, "stage", dur, err, "stage", stage)
}

// ToolCall logs a tool run.
func ToolCall(l Logger, tool string, dur time.Duration, success bool, err error) {
	if success {
		err = nil
	} else if err == nil {
		err = fmt.Errorf("tool %s did not succeed", tool)
	}
	outcome(l, slog.LevelInfo, slog.LevelError, "tool execution", dur, err, "tool_name", tool)
}

// LLMCall logs a model call. Successful calls are debug records.
func LLMCall(l Logger, model string, chars, attempts int, dur time.Duration, success bool, err error) {
	if success {
		err = nil
	} else if err == nil {
		err = fmt.Errorf("model %s did not succeed", model)
	}
	outcome(l, slog.LevelDebug, slog.LevelError, "model call", dur, err,
		"model", model, "chars", chars, "attempts", attempts)
}
