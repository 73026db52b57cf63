// Package broadcast provides an in-process, write-only broadcast channel.
// Publishers hand a message to every current subscriber without waiting on any of them.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/captcharelay-go/internal/types"
)

// DefaultBuffer is the per-subscriber queue length used when none is given.
const DefaultBuffer = 64

// Hub fans published messages out to subscribers.
// Delivery is best effort: a subscriber whose queue is full misses the message,
// and a publish with no subscribers is not an error.
type Hub[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

// Subscription is one listener on a Hub.
type Subscription[T any] struct {
	id     uint64
	ch     chan T
	filter func(T) bool
	hub    *Hub[T]
	once   sync.Once
}

// Stats reports hub counters.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[uint64]*Subscription[T])}
}

// Subscribe registers a listener with the given queue length.
// If filter is non-nil, only messages it accepts are queued.
func (h *Hub[T]) Subscribe(buffer int, filter func(T) bool) (*Subscription[T], error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, types.ErrHubClosed
	}

	h.nextID++
	s := &Subscription[T]{
		id:     h.nextID,
		ch:     make(chan T, buffer),
		filter: filter,
		hub:    h,
	}
	h.subs[s.id] = s

	log.Debug().
		Uint64("subscriber", s.id).
		Int("buffer", buffer).
		Msg("Broadcast subscriber added")

	return s, nil
}

// Publish hands msg to every subscriber. It never blocks.
func (h *Hub[T]) Publish(msg T) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return types.ErrHubClosed
	}

	h.published.Add(1)
	for _, s := range h.subs {
		if s.filter != nil && !s.filter(msg) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			h.dropped.Add(1)
			log.Debug().Uint64("subscriber", s.id).Msg("Broadcast subscriber queue full, message dropped")
		}
	}
	return nil
}

// Stats returns a snapshot of the hub counters.
func (h *Hub[T]) Stats() Stats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()

	return Stats{
		Subscribers: n,
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// Close removes all subscribers and rejects further publishes.
// Safe to call multiple times.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[uint64]*Subscription[T])
	h.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}

// C returns the channel messages are delivered on.
// It is closed when the subscription or the hub is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close detaches the subscription from its hub.
func (s *Subscription[T]) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s.id)
	s.hub.mu.Unlock()

	s.once.Do(func() { close(s.ch) })
}
