package flagpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a worker has no flag.
var ErrNotFound = errors.New("flag not found")

// State is the published state of a worker.
type State string

const (
	StateIdle State = "idle"
	StateBusy State = "busy"
	StateStop State = "stop"
)

// ParseState reads a flag value. Surrounding whitespace is ignored.
func ParseState(s string) (State, error) {
	switch st := State(strings.TrimSpace(s)); st {
	case StateIdle, StateBusy, StateStop:
		return st, nil
	default:
		return "", fmt.Errorf("invalid worker state %q", s)
	}
}

// Entry is one worker flag.
type Entry struct {
	Addr     string    `json:"addr"`
	State    State     `json:"state"`
	Modified time.Time `json:"modified"`
}

// Store reads and writes worker flags. Workers only write their own entry;
// the dispatcher reads and removes stale ones.
type Store interface {
	Set(ctx context.Context, addr string, state State) error
	Get(ctx context.Context, addr string) (Entry, error)
	List(ctx context.Context) ([]Entry, error)
	Remove(ctx context.Context, addr string) error
	Close() error
}

// Options configures a Store.
type Options struct {
	// Now stamps modifications. Defaults to time.Now.
	Now func() time.Time
}

func defaultOptions() Options {
	return Options{Now: time.Now}
}

// LeaseOrder sorts entries oldest modification first; equal ages are ordered
// by address.
func LeaseOrder(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Modified.Equal(b.Modified) {
			return a.Modified.Before(b.Modified)
		}
		return a.Addr < b.Addr
	})
}

// Idle returns the idle entries in lease order.
func Idle(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.State == StateIdle {
			out = append(out, e)
		}
	}
	LeaseOrder(out)
	return out
}

func validAddr(addr string) error {
	if addr == "" || strings.ContainsAny(addr, `/\`) || strings.HasPrefix(addr, ".") {
		return fmt.Errorf("invalid worker address %q", addr)
	}
	return nil
}
