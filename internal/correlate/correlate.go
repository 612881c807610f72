// Package correlate tracks request/response pairs flowing over the broker.
//
// A worker that publishes a correlated request registers the envelope id
// here and waits on the returned channel; the subscription handler for the
// response topic resolves the id when an envelope arrives whose correlate
// field matches. Waiters select against their own timeout and context, so
// the registry never blocks; expired entries are swept on each resolve to
// bound memory.
package correlate

import (
	"sync"
	"time"
)

// Registry holds pending correlations of one response payload type. All
// methods are safe for concurrent use.
type Registry[T any] struct {
	mu      sync.Mutex
	pending map[string]*entry[T]
}

type entry[T any] struct {
	ch       chan T
	deadline time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{pending: make(map[string]*entry[T])}
}

// Register creates a pending record for id and returns the channel its
// response will arrive on. The channel is buffered so Resolve never blocks;
// it is closed without a value if the entry expires or is cancelled. An id
// registered twice replaces the first record, closing its channel.
func (r *Registry[T]) Register(id string, deadline time.Time) <-chan T {
	ch := make(chan T, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.pending[id]; ok {
		close(old.ch)
	}
	r.pending[id] = &entry[T]{ch: ch, deadline: deadline}
	return ch
}

// Resolve delivers value to the waiter registered under id and removes the
// record. Returns false when no record exists (late or unsolicited
// response). Entries past their deadline are swept as a side effect.
func (r *Registry[T]) Resolve(id string, value T) bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pending[id]
	if ok {
		e.ch <- value
		close(e.ch)
		delete(r.pending, id)
	}
	for pid, pe := range r.pending {
		if now.After(pe.deadline) {
			close(pe.ch)
			delete(r.pending, pid)
		}
	}
	return ok
}

// Cancel removes a pending record and closes its channel. A waiter blocked
// on the channel observes the close. Unknown ids are a no-op.
func (r *Registry[T]) Cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.pending[id]; ok {
		close(e.ch)
		delete(r.pending, id)
	}
}

// Len returns the number of outstanding records.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
