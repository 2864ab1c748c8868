package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn of a chat prompt.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System builds a system message.
func System(text string) ChatMessage { return ChatMessage{Role: RoleSystem, Content: text} }

// User builds a user message.
func User(text string) ChatMessage { return ChatMessage{Role: RoleUser, Content: text} }

// Assistant builds an assistant message.
func Assistant(text string) ChatMessage { return ChatMessage{Role: RoleAssistant, Content: text} }

// Request captures the normalized model input.
type Request struct {
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int64         `json:"max_tokens,omitempty"`
}

// Response is a streamed chunk. Delta holds newly generated text; the final
// chunk carries FinishReason.
type Response struct {
	Delta        string `json:"delta"`
	Partial      bool   `json:"partial"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Model is the minimal interface required to drive generation.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// ErrorKind classifies provider failures for the retry policy.
type ErrorKind string

const (
	KindConnection ErrorKind = "connection"
	KindRateLimit  ErrorKind = "rate_limit"
	KindBadRequest ErrorKind = "bad_request"
	KindTransport  ErrorKind = "transport"
	KindOther      ErrorKind = "other"
)

// Error is a classified provider error.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("model %s error (HTTP %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("model %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the retry policy may repeat the call.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindRateLimit, KindBadRequest:
		return true
	default:
		return false
	}
}

// ClassifyStatus maps an HTTP status to an ErrorKind.
func ClassifyStatus(code int) ErrorKind {
	switch {
	case code == 429:
		return KindRateLimit
	case code == 400:
		return KindBadRequest
	default:
		return KindOther
	}
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Replies are matched by substring against the last user message; unmatched
// requests consume the queue of scripted replies in order.
type MockModel struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	queue     []string
	failures  []error
	requests  []Request
}

// NewMockModel constructs a MockModel.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: provider},
		responses: make(map[string]string),
	}
}

// AddResponse registers a canned completion for prompts containing key.
func (m *MockModel) AddResponse(key, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[key] = response
}

// Enqueue appends replies served in order to unmatched requests.
func (m *MockModel) Enqueue(replies ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, replies...)
}

// FailNext makes the next calls fail with the given errors, in order.
func (m *MockModel) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Requests returns every request received so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request{}, m.requests...)
}

func (m *MockModel) next(req Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return "", err
	}
	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			prompt = req.Messages[i].Content
			break
		}
	}
	for key, resp := range m.responses {
		if strings.Contains(prompt, key) {
			return resp, nil
		}
	}
	if len(m.queue) > 0 {
		resp := m.queue[0]
		m.queue = m.queue[1:]
		return resp, nil
	}
	if prompt == "" {
		return "", errors.New("no user message provided")
	}
	return fmt.Sprintf("Mock response to: %s", prompt), nil
}

// Generate implements Model; streams the reply in small chunks.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		full, err := m.next(req)
		if err != nil {
			errCh <- err
			return
		}
		chunks := []string{full}
		if req.Stream {
			chunks = splitChunks(full, 8)
		}
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case respCh <- Response{Delta: c, Partial: true}:
			}
		}
		respCh <- Response{FinishReason: "stop"}
	}()
	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

func splitChunks(s string, size int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := min(size, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
