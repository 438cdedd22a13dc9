package testutil

import (
	"context"
	"sync"
)

// RecordingNotifier records every notification it is handed.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type RecordingNotifier struct {
	mu       sync.Mutex
	channels []string
}

// Notify records channel. It never fails.
func (n *RecordingNotifier) Notify(_ context.Context, channel string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, channel)
	return nil
}

// Channels returns a copy of the recorded channel names, in call order.
func (n *RecordingNotifier) Channels() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.channels))
	copy(out, n.channels)
	return out
}

// Count returns how many notifications were recorded for channel.
func (n *RecordingNotifier) Count(channel string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ch := range n.channels {
		if ch == channel {
			c++
		}
	}
	return c
}

// Reset forgets everything recorded so far.
func (n *RecordingNotifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = nil
}
