package events

import (
	"encoding/json"
	"sync"
	"time"
)

// TailEvent is one observed broker message, as fanned out to ops console
// tail viewers. Type and Source are filled from the envelope when the
// payload decodes as one; raw payloads leave them empty.
type TailEvent struct {
	TS      time.Time       `json:"ts"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type,omitempty"`
	Source  string          `json:"source,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Bus fans observed broker traffic out to tail viewers. Delivery is
// best-effort: a viewer whose buffer is full misses the event, and the
// dispatch path never blocks on a slow websocket. A nil *Bus accepts
// Publish and SubscriberCount calls and does nothing, so workers that
// run without an ops console need no guards.
type Bus struct {
	mu   sync.RWMutex
	subs []chan TailEvent
}

// NewBus returns an empty bus. The zero value also works; NewBus exists
// so call sites read naturally.
func NewBus() *Bus {
	return &Bus{}
}

// Publish offers e to every subscriber and reports how many of them
// missed it because their buffer was full.
func (b *Bus) Publish(e TailEvent) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	missed := 0
	for _, sub := range b.subs {
		select {
		case sub <- e:
		default:
			missed++
		}
	}
	return missed
}

// Subscribe registers a new viewer and returns its channel. buffer sets
// how many events the viewer may fall behind before Publish starts
// dropping for it. Callers must Unsubscribe when done.
func (b *Bus) Subscribe(buffer int) <-chan TailEvent {
	sub := make(chan TailEvent, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a viewer and closes its channel. Unknown or
// already-removed channels are ignored, so deferred cleanup paths can
// call it twice.
func (b *Bus) Unsubscribe(ch <-chan TailEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// A receive-only view compares equal to the channel it came from,
	// so the caller's <-chan matches our stored chan directly.
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// SubscriberCount reports the number of live viewers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
