package notify

import (
	"context"
	"sync"
)

// Subscription receives signals for one channel.
type Subscription struct {
	hub     *Hub
	channel string
	signal  chan struct{} // buffered, size 1
	once    sync.Once
}

// C returns the channel that receives a value when a notification arrives.
// Notifications published while a value is pending are coalesced.
func (s *Subscription) C() <-chan struct{} {
	return s.signal
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub broadcasts notifications to in-process subscribers.
//
// Thread-safety: All methods are safe for concurrent use.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers for notifications on channel.
func (h *Hub) Subscribe(channel string) *Subscription {
	sub := &Subscription{
		hub:     h,
		channel: channel,
		signal:  make(chan struct{}, 1),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Subscription]struct{})
	}
	h.subs[channel][sub] = struct{}{}
	return sub
}

// Publish signals every subscriber of channel without blocking.
func (h *Hub) Publish(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[channel] {
		// Non-blocking - buffer of 1 coalesces multiple signals
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}

// Notify publishes channel. It implements store.Notifier.
func (h *Hub) Notify(_ context.Context, channel string) error {
	h.Publish(channel)
	return nil
}

// Subscribers returns the number of live subscriptions on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[channel])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[sub.channel], sub)
	if len(h.subs[sub.channel]) == 0 {
		delete(h.subs, sub.channel)
	}
}
