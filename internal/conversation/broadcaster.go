// ABOUTME: In-memory fan-out of live turn events to observers of a conversation
// ABOUTME: Slow observers lose events rather than slowing the turn that produces them

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/hearth/internal/stream"
)

// subscriberBufferSize is the channel buffer for each subscriber
const subscriberBufferSize = 64

// LiveEvent is a turn event as seen by an observer
type LiveEvent struct {
	ConversationID string       `json:"conversation_id"`
	Turn           int          `json:"turn"`
	Event          stream.Event `json:"event"`
}

// EventBroadcaster provides pub/sub for turn events keyed by conversation ID
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan LiveEvent // conversationID -> subID -> ch
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan LiveEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for a conversation's events. The subscription ends,
// and the channel closes, when ctx is cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan LiveEvent, string) {
	subID := uuid.New().String()
	ch := make(chan LiveEvent, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan LiveEvent)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "conversation_id", conversationID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish sends ev to every subscriber of its conversation without blocking
func (b *EventBroadcaster) Publish(ev LiveEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[ev.ConversationID] {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", ev.ConversationID,
				"sub_id", subID,
				"seq", ev.Event.Seq)
		}
	}
}

// Subscribers returns the number of observers of a conversation
func (b *EventBroadcaster) Subscribers(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// Unsubscribe removes a subscription and closes its channel
func (b *EventBroadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed", "conversation_id", conversationID, "sub_id", subID)
}

// Close closes every subscriber channel
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}
	b.logger.Debug("broadcaster closed")
}
