package engine

import (
	"context"
	"maps"
	"sync"

	"github.com/hupe1980/biomesh/core"
)

// Gate is the confirmation rendezvous of one run. The executor parks in Await
// with the proposed call; Release puts the client's decision into a
// single-slot channel and wakes it.
type Gate struct {
	slot chan release

	mu      sync.Mutex
	pending *core.ToolCall

	// onWait observes entering and leaving the wait.
	onWait func(waiting bool)
}

type release struct {
	call       core.ToolCall
	overridden bool
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{slot: make(chan release, 1)}
}

// Arm makes proposed the pending call before the executor reaches Await, so
// a confirmation sent as soon as the proposal is visible is kept.
func (g *Gate) Arm(proposed core.ToolCall) {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.slot:
	default:
	}
	p := proposed
	g.pending = &p
}

// Await blocks until the pending call is released or ctx is done.
func (g *Gate) Await(ctx context.Context, proposed core.ToolCall) (core.ToolCall, bool, error) {
	g.mu.Lock()
	if g.pending == nil && len(g.slot) == 0 {
		p := proposed
		g.pending = &p
	}
	g.mu.Unlock()

	if g.onWait != nil {
		g.onWait(true)
		defer g.onWait(false)
	}

	select {
	case r := <-g.slot:
		return r.call, r.overridden, nil
	case <-ctx.Done():
		g.mu.Lock()
		g.pending = nil
		g.mu.Unlock()
		return proposed, false, ctx.Err()
	}
}

// Pending returns the call awaiting confirmation.
func (g *Gate) Pending() (core.ToolCall, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return core.ToolCall{}, false
	}
	return *g.pending, true
}

// Release confirms the pending call. A nil override confirms it unchanged.
// Override arguments are merged over the proposed ones when the tool stays
// the same and replace them otherwise. Release reports false when nothing
// is pending.
func (g *Gate) Release(override *core.ToolCall) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return false
	}
	proposed := *g.pending

	r := release{call: proposed}
	if override != nil {
		call := core.ToolCall{Step: proposed.Step, Tool: override.Tool}
		if call.Tool == "" || call.Tool == proposed.Tool {
			call.Tool = proposed.Tool
			call.Args = maps.Clone(proposed.Args)
			if call.Args == nil {
				call.Args = map[string]any{}
			}
			maps.Copy(call.Args, override.Args)
		} else {
			call.Args = maps.Clone(override.Args)
		}
		r = release{call: call, overridden: true}
	}

	select {
	case g.slot <- r:
		g.pending = nil
		return true
	default:
		return false
	}
}
