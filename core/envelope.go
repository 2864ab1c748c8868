package core

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Envelope is the wire form of a message on the client stream. The
// dispatcher's placement envelope carries only IPPort.
type Envelope struct {
	Sender   Sender          `json:"sender,omitempty"`
	Status   Status          `json:"status,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
	Analysis string          `json:"analysis,omitempty"`
	ToolArg  *ToolCall       `json:"tool_arg,omitempty"`
	IPPort   string          `json:"ip_port,omitempty"`
	Partial  bool            `json:"partial,omitempty"`
}

// EnvelopeOf converts a message to its wire form.
func EnvelopeOf(m Message) Envelope {
	return Envelope{
		Sender:   m.Sender,
		Status:   m.Status,
		Content:  m.Content,
		Analysis: m.Analysis,
		ToolArg:  m.ToolArg,
		Partial:  m.Partial,
	}
}

// PlacementEnvelope announces the worker chosen by the dispatcher.
func PlacementEnvelope(addr string) Envelope {
	return Envelope{IPPort: addr}
}

// ErrorEnvelope is a standalone system error, used when no session exists.
func ErrorEnvelope(kind ErrorKind, message string) Envelope {
	content, _ := json.Marshal(ErrorContent{Kind: kind, Message: message})
	return Envelope{Sender: SenderSystem, Status: StatusError, Content: content}
}

// IsPlacement reports whether e is a placement envelope.
func (e Envelope) IsPlacement() bool {
	return e.IPPort != "" && e.Sender == "" && e.Status == ""
}

// AsError decodes the content of a status=error envelope.
func (e Envelope) AsError() (ErrorContent, bool) {
	if e.Status != StatusError {
		return ErrorContent{}, false
	}
	var c ErrorContent
	if err := json.Unmarshal(e.Content, &c); err != nil {
		return ErrorContent{}, false
	}
	return c, true
}

// Encode writes e as a single JSON line.
func (e Envelope) Encode(w io.Writer) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// MaxEnvelopeBytes bounds a single decoded envelope line.
const MaxEnvelopeBytes = 4 << 20

// DecodeEnvelopes reads newline-delimited envelopes from r and calls fn for
// each one until r is exhausted or fn returns an error. Blank lines are
// skipped.
func DecodeEnvelopes(r io.Reader, fn func(Envelope) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxEnvelopeBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Envelope
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("decode envelope: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}
