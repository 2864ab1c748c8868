package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/biomesh/semtype"
)

// Sender identifies the component that emitted a message.
type Sender string

const (
	SenderUser          Sender = "user"
	SenderQueryParser   Sender = "query_parser"
	SenderPlanGenerator Sender = "plan_generator"
	SenderToolConnector Sender = "tool_connector"
	SenderToolExecutor  Sender = "tool_executor"
	SenderResponder     Sender = "responder"
	SenderTitler        Sender = "titler"
	SenderSystem        Sender = "system"
)

// Valid reports whether s belongs to the closed sender set.
func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderQueryParser, SenderPlanGenerator, SenderToolConnector,
		SenderToolExecutor, SenderResponder, SenderTitler, SenderSystem:
		return true
	}
	return false
}

// Status is the progress marker carried by every message.
type Status string

const (
	StatusGenerating  Status = "generating"
	StatusToolCalling Status = "tool_calling"
	StatusToolResult  Status = "tool_result"
	StatusError       Status = "error"
	StatusDone        Status = "done"
)

// Valid reports whether s belongs to the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusGenerating, StatusToolCalling, StatusToolResult, StatusError, StatusDone:
		return true
	}
	return false
}

// Message is the unit of communication between subagents, the orchestrator
// and clients. After emission it must be treated as immutable.
//
// Content is a JSON value whose shape depends on the sender. Partial messages
// are streaming previews; they are forwarded to clients but never appended to
// the Message Log.
type Message struct {
	ID        string          `json:"id"`
	Sender    Sender          `json:"sender"`
	Timestamp time.Time       `json:"timestamp"`
	Status    Status          `json:"status"`
	Content   json.RawMessage `json:"content"`
	Analysis  string          `json:"analysis,omitempty"`
	ToolArg   *ToolCall       `json:"tool_arg,omitempty"`
	Partial   bool            `json:"partial,omitempty"`
}

// NewMessage builds a message with a fresh id and timestamp. Content is
// marshalled to JSON; a json.RawMessage is used as is.
func NewMessage(sender Sender, status Status, content any) (Message, error) {
	raw, err := marshalContent(content)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s content: %w", sender, err)
	}
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Content:   raw,
	}, nil
}

// MustMessage is NewMessage for content that is known to encode.
func MustMessage(sender Sender, status Status, content any) Message {
	m, err := NewMessage(sender, status, content)
	if err != nil {
		panic(err)
	}
	return m
}

// PartialMessage builds a streaming preview frame.
func PartialMessage(sender Sender, content any) Message {
	m := MustMessage(sender, StatusGenerating, content)
	m.Partial = true
	return m
}

// WithAnalysis returns a copy of m carrying the given analysis text.
func (m Message) WithAnalysis(analysis string) Message {
	m.Analysis = analysis
	return m
}

// WithToolArg returns a copy of m carrying a tool call.
func (m Message) WithToolArg(call ToolCall) Message {
	c := call.clone()
	m.ToolArg = &c
	return m
}

// Decode unmarshals the message content into v.
func (m Message) Decode(v any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("message %s has no content", m.ID)
	}
	return json.Unmarshal(m.Content, v)
}

func marshalContent(content any) (json.RawMessage, error) {
	switch c := content.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(c) {
			return nil, fmt.Errorf("invalid raw JSON content")
		}
		return append(json.RawMessage(nil), c...), nil
	default:
		return json.Marshal(content)
	}
}

// ParsedQuery is the query parser's final output.
type ParsedQuery struct {
	Input  map[string]map[semtype.Type]any `json:"input"`
	Output []semtype.Type                  `json:"output"`
}

// ToolCall is a concrete invocation proposed by the connector or an override.
type ToolCall struct {
	Step string         `json:"step,omitempty"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

func (c ToolCall) clone() ToolCall {
	out := ToolCall{Step: c.Step, Tool: c.Tool}
	if c.Args != nil {
		out.Args = make(map[string]any, len(c.Args))
		for k, v := range c.Args {
			out.Args[k] = v
		}
	}
	return out
}

// Binding records where a bound parameter value came from.
type Binding struct {
	Parameter    string       `json:"parameter"`
	SemanticType semtype.Type `json:"semantic_type"`
	Source       string       `json:"source"`
	SourceStepID string       `json:"source_step_id,omitempty"`

	// SourceParameter and SourceValue record the pool entry the value was
	// derived from; Value is what the connector settled on.
	SourceParameter string `json:"source_parameter,omitempty"`
	SourceValue     any    `json:"source_value,omitempty"`
	Value           any    `json:"value"`
}

// ConnectAttempt is the content of a connector progress message.
type ConnectAttempt struct {
	Step         string       `json:"step"`
	Parameter    string       `json:"parameter"`
	SemanticType semtype.Type `json:"semantic_type"`
	Mode         string       `json:"mode"`
	Source       string       `json:"source,omitempty"`
	OK           bool         `json:"ok"`
	Value        any          `json:"value,omitempty"`
}

// Connection is the connector's final output for one step. Exactly one of
// Args or MissingTypes is meaningful.
type Connection struct {
	Step         string             `json:"step"`
	Tool         string             `json:"tool"`
	Bindings     map[string]Binding `json:"bindings,omitempty"`
	Args         map[string]any     `json:"args,omitempty"`
	MissingTypes []semtype.Type     `json:"missing_types,omitempty"`
}

// ToolResult is the content of a tool_result message.
type ToolResult struct {
	Step      string          `json:"step"`
	Tool      string          `json:"tool"`
	Args      map[string]any  `json:"args"`
	Result    json.RawMessage `json:"result"`
	Artifacts []string        `json:"artifacts,omitempty"`
}

// Answer is the responder's final output.
type Answer struct {
	Text       string   `json:"text"`
	CitedSteps []string `json:"cited_steps"`
}

// Title is the titler's output.
type Title struct {
	Title string `json:"title"`
}

// ErrorContent is the content of every status=error message.
type ErrorContent struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Outcome is the content of the final system done message.
type Outcome struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
	Title   string `json:"title,omitempty"`
}

// Delta is the content of a partial frame.
type Delta struct {
	Text   string `json:"text,omitempty"`
	Stream string `json:"stream,omitempty"`
	Value  any    `json:"value,omitempty"`
}

// ErrorMessage builds a status=error message for err.
func ErrorMessage(sender Sender, err error) Message {
	return MustMessage(sender, StatusError, ErrorContent{Kind: KindOf(err), Message: err.Error()})
}

// DoneMessage builds the final system message.
func DoneMessage(outcome Outcome) Message {
	return MustMessage(SenderSystem, StatusDone, outcome)
}

// CancelledMessage builds the single envelope emitted after cancellation.
func CancelledMessage(reason string) Message {
	return DoneMessage(Outcome{Kind: string(KindCancelled), Message: reason})
}
