// Package status broadcasts the sync state to interested components.
package status

import (
	"sync"
	"time"
)

// State is the externally observable sync state.
type State string

const (
	StateSynced  State = "SYNCED"
	StateSyncing State = "SYNCING"
	StateError   State = "ERROR"
)

// Event is one status transition.
type Event struct {
	State State `json:"state"`
	// Error is set only in StateError.
	Error string `json:"error,omitempty"`
	// AuthRequired marks errors caused by an invalid or expired token.
	AuthRequired bool      `json:"authRequired,omitempty"`
	At           time.Time `json:"at"`
}

// Broadcaster holds the current status and fans transitions out to
// subscribers. A slow subscriber sees the latest event rather than
// blocking the publisher.
type Broadcaster struct {
	mu      sync.Mutex
	current Event
	subs    map[int]chan Event
	next    int
}

// NewBroadcaster creates a Broadcaster in StateSynced.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		current: Event{State: StateSynced, At: time.Now()},
		subs:    make(map[int]chan Event),
	}
}

// Current returns the latest event.
func (b *Broadcaster) Current() Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.current
}

// Publish records ev as the current status and notifies subscribers.
func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = ev

	for _, ch := range b.subs {
		offer(ch, ev)
	}
}

// Subscribe returns a channel receiving every subsequent event, starting
// with the current one, and a cancel func that closes it.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++

	ch := make(chan Event, 1)
	ch <- b.current
	b.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			delete(b.subs, id)
			close(ch)
		})
	}
}

// offer delivers ev, replacing an unread older event. Callers hold b.mu,
// so ch has no other sender.
func offer(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}

	select {
	case <-ch:
	default:
	}

	ch <- ev
}
