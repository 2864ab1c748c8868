package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/biomesh/tool"
)

// Lifecycle is the coarse state of a session.
type Lifecycle string

const (
	LifecycleIdle                 Lifecycle = "idle"
	LifecycleGenerating           Lifecycle = "generating"
	LifecycleAwaitingConfirmation Lifecycle = "awaiting_confirmation"
	LifecycleCancelling           Lifecycle = "cancelling"
	LifecycleFinished             Lifecycle = "finished"
)

var transitions = map[Lifecycle][]Lifecycle{
	LifecycleIdle:                 {LifecycleGenerating, LifecycleCancelling, LifecycleFinished},
	LifecycleGenerating:           {LifecycleAwaitingConfirmation, LifecycleCancelling, LifecycleFinished},
	LifecycleAwaitingConfirmation: {LifecycleGenerating, LifecycleCancelling},
	LifecycleCancelling:           {LifecycleFinished},
}

// Turn is one entry of the conversation history sent by the client.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is the per-request container tracking the message log, the current
// plan and the lifecycle state. The orchestrator is its sole mutator; readers
// may inspect it concurrently.
//
// Contract:
//   - Log and Tools are fixed at creation
//   - lifecycle transitions follow a fixed table; finished is terminal
//   - the replan budget is never reset
type Session struct {
	ID      string
	OutDir  string
	Request string
	History []Turn
	Log     *Log
	Tools   *tool.Snapshot
	Created time.Time

	mu          sync.RWMutex
	plan        *Plan
	currentStep string
	state       Lifecycle
	phase       string
	replans     *ReplanBudget
}

// SessionOptions configures a new session.
type SessionOptions struct {
	ID           string
	History      []Turn
	ReplanBudget int
}

// NewSession creates an idle session for request.
func NewSession(request, outDir string, tools *tool.Snapshot, optFns ...func(o *SessionOptions)) *Session {
	opts := SessionOptions{ReplanBudget: DefaultReplanBudget}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	return &Session{
		ID:      opts.ID,
		OutDir:  outDir,
		Request: request,
		History: append([]Turn(nil), opts.History...),
		Log:     NewLog(),
		Tools:   tools,
		Created: time.Now().UTC(),
		state:   LifecycleIdle,
		phase:   "new",
		replans: NewReplanBudget(opts.ReplanBudget),
	}
}

// State returns the lifecycle state.
func (s *Session) State() Lifecycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transition moves the session to next if the transition is allowed.
func (s *Session) Transition(next Lifecycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == next {
		return nil
	}
	for _, allowed := range transitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("session %s: invalid transition %s -> %s", s.ID, s.state, next)
}

// Phase returns the pipeline stage name.
func (s *Session) Phase() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// SetPhase records the pipeline stage name.
func (s *Session) SetPhase(phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
}

// Plan returns the current plan, or nil.
func (s *Session) Plan() *Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan
}

// SetPlan replaces the current plan and clears the current step.
func (s *Session) SetPlan(p *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = p
	s.currentStep = ""
}

// CurrentStep returns the id of the step being executed.
func (s *Session) CurrentStep() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentStep
}

// SetCurrentStep records the step being executed.
func (s *Session) SetCurrentStep(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentStep = id
}

// Replans returns the session's replan budget.
func (s *Session) Replans() *ReplanBudget {
	return s.replans
}
