// ABOUTME: Tests for EventBroadcaster fan-out pub/sub
// ABOUTME: Covers subscribe, publish, isolation, slow subscribers and context cancellation

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth/internal/stream"
)

func liveEvent(convID string, seq int) LiveEvent {
	return LiveEvent{
		ConversationID: convID,
		Turn:           1,
		Event:          stream.Event{Seq: seq, Type: stream.TypeContentDelta, Data: []byte(`{"text":"x"}`)},
	}
}

func TestBroadcaster_SubscribersReceiveEvent(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "c1")
	ch2, _ := b.Subscribe(t.Context(), "c1")
	assert.Equal(t, 2, b.Subscribers("c1"))

	b.Publish(liveEvent("c1", 7))

	for i, ch := range []<-chan LiveEvent{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, 7, got.Event.Seq, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_ConversationsAreIsolated(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "c1")
	ch2, _ := b.Subscribe(t.Context(), "c2")

	b.Publish(liveEvent("c1", 1))

	select {
	case got := <-ch1:
		assert.Equal(t, "c1", got.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	select {
	case <-ch2:
		t.Fatal("c2 must not see c1 events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SlowSubscriberDropsEvents(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "c1")
	for i := range subscriberBufferSize + 10 {
		b.Publish(liveEvent("c1", i+1))
	}
	assert.Len(t, ch, subscriberBufferSize)
	first := <-ch
	assert.Equal(t, 1, first.Event.Seq)
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "c1")
	cancel()

	require.Eventually(t, func() bool { return b.Subscribers("c1") == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok, "channel closed")
}

func TestBroadcaster_UnsubscribeTwiceIsSafe(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	_, id := b.Subscribe(t.Context(), "c1")
	b.Unsubscribe("c1", id)
	assert.NotPanics(t, func() { b.Unsubscribe("c1", id) })
	assert.NotPanics(t, func() { b.Unsubscribe("nope", "nope") })
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewEventBroadcaster(nil)

	var wg sync.WaitGroup
	for range 8 {
		ctx, cancel := context.WithCancel(context.Background())
		ch, _ := b.Subscribe(ctx, "c1")
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			for i := range 100 {
				b.Publish(liveEvent("c1", i))
			}
			cancel()
		}()
	}
	wg.Wait()
	b.Close()
}

func TestBroadcaster_CloseClosesChannels(t *testing.T) {
	b := NewEventBroadcaster(nil)
	ch, _ := b.Subscribe(t.Context(), "c1")
	b.Close()
	_, ok := <-ch
	assert.False(t, ok)
}
