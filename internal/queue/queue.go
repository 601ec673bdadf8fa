// Package queue hands network results to the frame goroutine.
package queue

import "sync"

// Mailbox collects values posted from any goroutine until its single consumer
// takes them all at once, in post order.
type Mailbox[T any] struct {
	mu      sync.Mutex
	pending []T
}

// New returns an empty mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{}
}

// Post appends vs after everything already pending.
func (m *Mailbox[T]) Post(vs ...T) {
	if len(vs) == 0 {
		return
	}
	m.mu.Lock()
	m.pending = append(m.pending, vs...)
	m.mu.Unlock()
}

// Take returns every pending value and empties the mailbox. The caller owns
// the returned slice; later posts never write into it.
func (m *Mailbox[T]) Take() []T {
	m.mu.Lock()
	out := m.pending
	m.pending = nil
	m.mu.Unlock()
	return out
}

// Pending reports how many values wait for the next Take.
func (m *Mailbox[T]) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
