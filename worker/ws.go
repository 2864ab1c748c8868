package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/engine"
)

// ControlFrame is a client frame on /ws/chat.
type ControlFrame struct {
	Type     string          `json:"type"`
	ToolName string          `json:"tool_name,omitempty"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`
}

const (
	ControlChangeToolCall = "change_tool_call"
	ControlTerminate      = "terminate"
)

func (s *Server) wsChat(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.opts.Logger.Warn("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	req, err := chatRequest(r)
	if err != nil {
		s.writeFrame(ctx, conn, core.ErrorEnvelope(core.KindValidation, err.Error()))
		conn.Close(websocket.StatusPolicyViolation, "invalid chat request")
		return
	}

	run, err := s.acquire(ctx, req)
	if err != nil {
		kind := core.KindInternal
		if errors.Is(err, engine.ErrNoRequest) {
			kind = core.KindValidation
		}
		s.writeFrame(ctx, conn, core.ErrorEnvelope(kind, err.Error()))
		conn.Close(websocket.StatusTryAgainLater, err.Error())
		return
	}
	defer s.release(run)

	go s.readControl(ctx, conn, run, cancel)

	broken := false
	for m := range run.Events() {
		if broken {
			continue
		}
		if !s.writeFrame(ctx, conn, core.EnvelopeOf(m)) {
			broken = true
			run.Terminate()
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, env core.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		s.opts.Logger.Warn("encoding envelope failed", "error", err)
		return true
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.opts.Logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}

// readControl applies control frames until the connection closes. A closed
// connection cancels the session context.
func (s *Server) readControl(ctx context.Context, conn *websocket.Conn, run *engine.Run, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.opts.Logger.Debug("websocket read ended", "error", err)
			}
			return
		}

		var frame ControlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.opts.Logger.Warn("invalid control frame", "error", err)
			continue
		}
		switch frame.Type {
		case ControlChangeToolCall:
			override, err := parseOverride(frame.ToolName, string(frame.ToolArgs))
			if err != nil {
				s.opts.Logger.Warn("invalid control frame", "error", err)
				continue
			}
			if !run.Confirm(override) {
				s.opts.Logger.Debug("no pending tool call", "session_id", run.Session().ID)
			}
		case ControlTerminate:
			run.Terminate()
		default:
			s.opts.Logger.Warn("unknown control frame", "type", frame.Type)
		}
	}
}
