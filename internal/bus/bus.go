// Package bus fans call lifecycle events out to UI-side listeners. Events are
// a closed set of payload variants; subscribers receive them in subscription
// order and never after cancelling.
package bus

import (
	"sync"

	"github.com/Avicted/ringline/internal/media"
)

type Event interface {
	isEvent()
}

// StateChanged is published on every call state transition.
type StateChanged struct {
	State     string
	Contact   string
	Direction string
}

// MuteChanged is published when the local mute flag flips.
type MuteChanged struct {
	IsMuted bool
}

// RemoteStreamAdded is published when the remote audio stream first arrives.
// The handle is a read-only reference; the peer connection manager keeps
// ownership of the tracks.
type RemoteStreamAdded struct {
	Stream *media.Handle
}

// ConnectionAttempt is published at the start of each negotiation attempt.
type ConnectionAttempt struct {
	Attempt int
}

// CallEnded carries the single terminal reason for a finished call.
type CallEnded struct {
	Reason string
}

func (StateChanged) isEvent()      {}
func (MuteChanged) isEvent()       {}
func (RemoteStreamAdded) isEvent() {}
func (ConnectionAttempt) isEvent() {}
func (CallEnded) isEvent()         {}

type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
	order  []int
}

func New() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscription identifies one listener registration.
type Subscription struct {
	bus *Bus
	id  int
}

func (b *Bus) Subscribe(fn func(Event)) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.order = append(b.order, id)
	return Subscription{bus: b, id: id}
}

// Cancel removes the listener. Safe to call more than once.
func (s Subscription) Cancel() {
	if s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; !ok {
		return
	}
	delete(s.bus.subs, s.id)
	for i, id := range s.bus.order {
		if id == s.id {
			s.bus.order = append(s.bus.order[:i], s.bus.order[i+1:]...)
			break
		}
	}
}

// Publish delivers the event to every live subscriber in subscription order.
// Listeners run outside the bus lock so they may subscribe or cancel freely.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		if fn, ok := b.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
