package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/tool"
)

// SessionBuilder helps construct sessions with fluent chaining for tests.
// Example:
//
//	sess := NewSessionBuilder("fold P69905").OutDir(dir).Tools(snap).Messages(m1, m2).Build(t)
type SessionBuilder struct {
	request string
	outDir  string
	id      string
	tools   *tool.Snapshot
	plan    *core.Plan
	msgs    []core.Message
}

// NewSessionBuilder creates a builder for a session answering request.
func NewSessionBuilder(request string) *SessionBuilder {
	return &SessionBuilder{request: request}
}

// ID overrides the generated session id (chainable).
func (b *SessionBuilder) ID(id string) *SessionBuilder { b.id = id; return b }

// OutDir sets the session output directory (chainable).
func (b *SessionBuilder) OutDir(dir string) *SessionBuilder { b.outDir = dir; return b }

// Tools sets the registry snapshot (chainable).
func (b *SessionBuilder) Tools(s *tool.Snapshot) *SessionBuilder { b.tools = s; return b }

// Plan sets the current plan (chainable).
func (b *SessionBuilder) Plan(p *core.Plan) *SessionBuilder { b.plan = p; return b }

// Messages appends messages to the log (chainable).
func (b *SessionBuilder) Messages(msgs ...core.Message) *SessionBuilder {
	b.msgs = append(b.msgs, msgs...)
	return b
}

// Build returns a *core.Session with the user request and all messages
// appended to its log.
func (b *SessionBuilder) Build(t testing.TB) *core.Session {
	t.Helper()
	if b.tools == nil {
		b.tools = Snapshot(t)
	}
	s := core.NewSession(b.request, b.outDir, b.tools, func(o *core.SessionOptions) { o.ID = b.id })
	_, err := s.Log.Append(core.MustMessage(core.SenderUser, core.StatusGenerating, b.request))
	require.NoError(t, err)
	for _, m := range b.msgs {
		_, err := s.Log.Append(m)
		require.NoError(t, err)
	}
	if b.plan != nil {
		s.SetPlan(b.plan)
	}
	return s
}
