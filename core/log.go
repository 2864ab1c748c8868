package core

import (
	"fmt"
	"sync"
	"time"
)

// Log is the ordered, append-only message sequence of one session. It is safe
// for concurrent access; readers always receive copies.
type Log struct {
	mu   sync.RWMutex
	msgs []Message
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append validates m and stores it. The stored timestamp never precedes the
// previous entry's. The stored message is returned.
func (l *Log) Append(m Message) (Message, error) {
	if !m.Sender.Valid() {
		return Message{}, fmt.Errorf("append: unknown sender %q", m.Sender)
	}
	if !m.Status.Valid() {
		return Message{}, fmt.Errorf("append: unknown status %q", m.Status)
	}
	if m.Partial {
		return Message{}, fmt.Errorf("append: partial message from %s", m.Sender)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if n := len(l.msgs); n > 0 && m.Timestamp.Before(l.msgs[n-1].Timestamp) {
		m.Timestamp = l.msgs[n-1].Timestamp
	}
	l.msgs = append(l.msgs, m)
	return m, nil
}

// Messages returns a copy of all messages in append order.
func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len returns the number of stored messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

// Last returns the most recent message from sender.
func (l *Log) Last(sender Sender) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.msgs) - 1; i >= 0; i-- {
		if l.msgs[i].Sender == sender {
			return l.msgs[i], true
		}
	}
	return Message{}, false
}

// First returns the earliest message from sender.
func (l *Log) First(sender Sender) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, m := range l.msgs {
		if m.Sender == sender {
			return m, true
		}
	}
	return Message{}, false
}

// Filter returns messages matching sender and status in log order. An empty
// sender or status matches any.
func (l *Log) Filter(sender Sender, status Status) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Message
	for _, m := range l.msgs {
		if sender != "" && m.Sender != sender {
			continue
		}
		if status != "" && m.Status != status {
			continue
		}
		out = append(out, m)
	}
	return out
}
