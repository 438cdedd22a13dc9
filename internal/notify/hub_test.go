package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func received(sub *Subscription) bool {
	select {
	case <-sub.C():
		return true
	default:
		return false
	}
}

func TestHub_PublishReachesSubscribers(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("new_repo_event")
	b := hub.Subscribe("new_repo_event")
	other := hub.Subscribe("outgoing_repo_seq")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	hub.Publish("new_repo_event")

	assert.True(t, received(a))
	assert.True(t, received(b))
	assert.False(t, received(other))
}

func TestHub_Coalesces(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("c")
	defer sub.Close()

	for i := 0; i < 10; i++ {
		hub.Publish("c")
	}

	assert.True(t, received(sub))
	assert.False(t, received(sub), "pending signals must coalesce into one")
}

func TestHub_CloseUnsubscribes(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("c")
	assert.Equal(t, 1, hub.Subscribers("c"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Subscribers("c"))

	hub.Publish("c")
	assert.False(t, received(sub))
}

func TestHub_NotifyImplementsNotifier(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("c")
	defer sub.Close()

	require.NoError(t, hub.Notify(context.Background(), "c"))
	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("no signal")
	}
}
