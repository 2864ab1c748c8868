package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/biomesh/model"
	"github.com/hupe1980/biomesh/semtype"
	"github.com/hupe1980/biomesh/tool"
)

// ErrorKind classifies errors surfaced to clients.
type ErrorKind string

const (
	KindTransport   ErrorKind = "transport"
	KindValidation  ErrorKind = "validation"
	KindPlanning    ErrorKind = "planning"
	KindBinding     ErrorKind = "binding"
	KindToolFailure ErrorKind = "tool_failure"
	KindCancelled   ErrorKind = "cancelled"
	KindInternal    ErrorKind = "internal"
)

// Replannable reports whether the orchestrator requests a repair plan for
// errors of this kind.
func (k ErrorKind) Replannable() bool {
	return k == KindValidation || k == KindBinding || k == KindToolFailure
}

// Error is a classified runtime error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError creates a classified error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies err under kind.
func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err != nil:
		return e.Err.Error()
	case e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf maps err to an error kind. Classified errors keep their kind; model
// errors are transport; type check failures are validation; tool errors are
// tool failures; context cancellation is cancelled. Anything else is internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var me *model.Error
	if errors.As(err, &me) {
		return KindTransport
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}
	var ve *semtype.CheckError
	if errors.As(err, &ve) {
		return KindValidation
	}
	var te *tool.ToolError
	if errors.As(err, &te) {
		return KindToolFailure
	}
	return KindInternal
}
