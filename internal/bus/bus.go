// Package bus fans state machine notifications out to subscribers.
//
// Publish delivers synchronously, in subscription order, on the caller's
// goroutine. A panicking listener is recovered and logged; it never stops
// delivery to the remaining listeners.
package bus

import (
	"log/slog"
	"sync"

	"github.com/snehjoshi/queuegate/internal/types"
)

// Kind identifies what a Notification is about.
type Kind string

const (
	// KindStateChanged carries the state after a transition.
	KindStateChanged Kind = "state_changed"
	// KindExtensionFailed reports that a cookie extension call failed and its
	// schedule stopped. The machine state is unchanged.
	KindExtensionFailed Kind = "extension_failed"
	// KindNavigate reports a hard-navigation intent to URL.
	KindNavigate Kind = "navigate"
)

// Notification is one message on the bus.
type Notification struct {
	Kind    Kind         `json:"kind"`
	State   *types.State `json:"state,omitempty"`
	EventID string       `json:"eventId,omitempty"`
	QueueID string       `json:"queueId,omitempty"`
	URL     string       `json:"url,omitempty"`
	Message string       `json:"message,omitempty"`
	// At is UTC milliseconds since the Unix epoch.
	At int64 `json:"at"`
}

type subscriber struct {
	id uint64
	fn func(Notification)
}

// Bus is a synchronous publish/subscribe hub. The zero value is not usable;
// call New.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
	closed bool
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns its disposer. Calling the disposer more
// than once is harmless. Subscribing to a closed bus returns a no-op
// disposer and fn never runs.
func (b *Bus) Subscribe(fn func(Notification)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// Channel subscribes a buffered channel. When the buffer is full the
// notification is dropped for this channel only. The disposer unsubscribes
// and closes the channel.
func (b *Bus) Channel(buf int) (<-chan Notification, func()) {
	ch := make(chan Notification, buf)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsub := b.Subscribe(func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- n:
		default:
			slog.Debug("bus: channel full, dropping notification", "kind", n.Kind)
		}
	})
	return ch, func() {
		unsub()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// Publish delivers n to every current subscriber.
func (b *Bus) Publish(n Notification) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s, n)
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscriber. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

func deliver(s subscriber, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: listener panicked", "subscriber", s.id, "kind", n.Kind, "panic", r)
		}
	}()
	s.fn(n)
}
