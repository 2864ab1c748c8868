package core

import (
	"fmt"
	"sync"
)

// DefaultReplanBudget is the number of repair plans a session may request.
const DefaultReplanBudget = 2

// ReplanBudget enforces the maximum number of replans per session. It is
// never reset during a session.
type ReplanBudget struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewReplanBudget creates a budget allowing max replans. A negative max is
// treated as zero.
func NewReplanBudget(max int) *ReplanBudget {
	if max < 0 {
		max = 0
	}
	return &ReplanBudget{max: max}
}

// Take consumes one replan and returns an error if the budget is exhausted.
func (b *ReplanBudget) Take() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.max {
		return fmt.Errorf("replan budget of %d exhausted", b.max)
	}
	b.count++
	return nil
}

// Used returns the number of replans taken.
func (b *ReplanBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.count
}

// Remaining returns how many replans are left.
func (b *ReplanBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.max - b.count
}
