// ABOUTME: Memory backend kept in hearth's own database alongside conversations
// ABOUTME: Each capture adds a reflection block keyed by conversation and turn, plus an audit record

package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/2389/hearth/internal/store"
)

// ReflectionLabel is the label captures are written under
const ReflectionLabel = "reflection"

// maxReflection caps the text kept from each side of a captured exchange
const maxReflection = 280

// StoreBackend keeps memory in a store.MemoryStore
type StoreBackend struct {
	store store.MemoryStore
}

var _ Backend = (*StoreBackend)(nil)

// NewStoreBackend creates a backend over s
func NewStoreBackend(s store.MemoryStore) *StoreBackend {
	return &StoreBackend{store: s}
}

// Blocks returns the agent's blocks with the given labels
func (b *StoreBackend) Blocks(ctx context.Context, agentID string, labels []string) ([]*store.MemoryBlock, error) {
	return b.store.ListMemoryBlocks(ctx, agentID, store.MemoryFilter{Labels: labels})
}

// ReflectionKey names the reflection block of one turn. Turn numbers are
// zero padded so keys sort in turn order.
func ReflectionKey(conversationID string, turn int) string {
	return fmt.Sprintf("%s#%04d", conversationID, turn)
}

// Capture adds the turn's reflection entry and writes an audit record.
// Retrying a capture rewrites only that turn's entry.
func (b *StoreBackend) Capture(ctx context.Context, c Capture) error {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}

	block := &store.MemoryBlock{
		AgentID: c.AgentID,
		Label:   ReflectionLabel,
		Key:     ReflectionKey(c.ConversationID, c.TurnNumber),
		Value:   Reflect(c),
		Metadata: map[string]string{
			"session_id": c.SessionID,
			"turn":       strconv.Itoa(c.TurnNumber),
			"status":     string(c.Status),
		},
	}
	if c.Partial {
		block.Metadata["partial"] = "true"
	}
	if err := b.store.UpsertMemoryBlock(ctx, block); err != nil {
		return fmt.Errorf("upserting reflection: %w", err)
	}

	rec := &store.CaptureRecord{
		AgentID:        c.AgentID,
		ConversationID: c.ConversationID,
		TurnNumber:     c.TurnNumber,
		SessionID:      c.SessionID,
		Status:         c.Status,
		Partial:        c.Partial,
		Message:        c.Message,
		Response:       c.Response,
		CreatedAt:      c.At,
	}
	if err := b.store.SaveCapture(ctx, rec); err != nil {
		return fmt.Errorf("saving capture: %w", err)
	}
	return nil
}

// Reflect summarizes a capture as a single line
func Reflect(c Capture) string {
	var b strings.Builder
	fmt.Fprintf(&b, "turn %d: user said %q", c.TurnNumber, clip(c.Message))
	switch {
	case c.Response != "":
		fmt.Fprintf(&b, "; replied %q", clip(c.Response))
	case c.Error != "":
		fmt.Fprintf(&b, "; failed: %s", clip(c.Error))
	}
	if c.Partial {
		b.WriteString(" (partial)")
	}
	return b.String()
}

func clip(s string) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= maxReflection {
		return string(r)
	}
	return string(r[:maxReflection]) + "…"
}
