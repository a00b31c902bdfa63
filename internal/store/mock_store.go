// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject append failures

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store and MemoryStore implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	turns         map[string][]*Turn       // keyed by conversation ID
	sessions      map[string][]*Session    // keyed by conversation ID
	blocks        map[string]*MemoryBlock  // keyed by "agent\x00label\x00key"
	captures      []*CaptureRecord

	// AppendErr, when set, is returned by AppendTurn instead of persisting
	AppendErr error
}

var (
	_ Store       = (*MockStore)(nil)
	_ MemoryStore = (*MockStore)(nil)
)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		turns:         make(map[string][]*Turn),
		sessions:      make(map[string][]*Session),
		blocks:        make(map[string]*MemoryBlock),
	}
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// ListConversations returns conversations by most recent activity.
func (m *MockStore) ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error) {
	opts = opts.normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		cp := *c
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})
	return page(all, opts), nil
}

func page[T any](items []T, opts ListOptions) []T {
	if opts.Offset >= len(items) {
		return nil
	}
	items = items[opts.Offset:]
	if len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

// DeleteConversation removes a conversation and everything it owns.
func (m *MockStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(m.conversations, id)
	delete(m.turns, id)
	delete(m.sessions, id)
	return nil
}

// AppendTurn stores a finished turn, mirroring the SQLite semantics.
func (m *MockStore) AppendTurn(ctx context.Context, agentID string, turn *Turn, binding SessionBinding) error {
	if !turn.Status.Valid() {
		return fmt.Errorf("invalid turn status %q", turn.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}

	now := time.Now().UTC()
	if turn.CompletedAt.IsZero() {
		turn.CompletedAt = now
	}
	if turn.StartedAt.IsZero() {
		turn.StartedAt = turn.CompletedAt
	}

	c, ok := m.conversations[turn.ConversationID]
	if !ok {
		c = &Conversation{
			ID:        turn.ConversationID,
			AgentID:   agentID,
			Title:     TitleFromMessage(turn.Message),
			CreatedAt: turn.StartedAt,
		}
		m.conversations[c.ID] = c
	}

	turn.Number = c.TurnCount + 1
	cp := *turn
	cp.Events = append([]EventRecord(nil), turn.Events...)
	m.turns[c.ID] = append(m.turns[c.ID], &cp)

	if binding.SessionID != "" {
		known := false
		for _, s := range m.sessions[c.ID] {
			if s.ID == binding.SessionID {
				known = true
				break
			}
		}
		if !known {
			m.sessions[c.ID] = append(m.sessions[c.ID], &Session{
				ID:             binding.SessionID,
				ConversationID: c.ID,
				ForkedFrom:     binding.ForkedFrom,
				CreatedAt:      now,
			})
		}
		c.CurrentSessionID = binding.SessionID
	}

	c.TurnCount = turn.Number
	c.UpdatedAt = now
	return nil
}

// ListTurns returns a conversation's turns without events.
func (m *MockStore) ListTurns(ctx context.Context, conversationID string, opts ListOptions) ([]*Turn, error) {
	opts = opts.normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Turn
	for _, t := range m.turns[conversationID] {
		cp := *t
		cp.Events = nil
		out = append(out, &cp)
	}
	return page(out, opts), nil
}

// GetTurn returns one turn with its events.
func (m *MockStore) GetTurn(ctx context.Context, conversationID string, number int) (*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.turns[conversationID] {
		if t.Number == number {
			cp := *t
			cp.Events = append([]EventRecord(nil), t.Events...)
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListSessions returns a conversation's sessions, oldest first.
func (m *MockStore) ListSessions(ctx context.Context, conversationID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions[conversationID] {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

func blockKey(agentID, label, key string) string {
	return agentID + "\x00" + label + "\x00" + key
}

// ListMemoryBlocks returns matching blocks ordered by label then key.
func (m *MockStore) ListMemoryBlocks(ctx context.Context, agentID string, filter MemoryFilter) ([]*MemoryBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]bool, len(filter.Labels))
	for _, l := range filter.Labels {
		wanted[l] = true
	}

	var out []*MemoryBlock
	for _, b := range m.blocks {
		if b.AgentID != agentID {
			continue
		}
		if len(wanted) > 0 && !wanted[b.Label] {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].Key < out[j].Key
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetMemoryBlock returns one block.
func (m *MockStore) GetMemoryBlock(ctx context.Context, agentID, label, key string) (*MemoryBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.blocks[blockKey(agentID, label, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// UpsertMemoryBlock inserts or replaces a block, keeping its creation time.
func (m *MockStore) UpsertMemoryBlock(ctx context.Context, block *MemoryBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	k := blockKey(block.AgentID, block.Label, block.Key)
	if existing, ok := m.blocks[k]; ok {
		block.CreatedAt = existing.CreatedAt
	} else if block.CreatedAt.IsZero() {
		block.CreatedAt = now
	}
	block.UpdatedAt = now

	cp := *block
	m.blocks[k] = &cp
	return nil
}

// DeleteMemoryBlock removes one block.
func (m *MockStore) DeleteMemoryBlock(ctx context.Context, agentID, label, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := blockKey(agentID, label, key)
	if _, ok := m.blocks[k]; !ok {
		return ErrNotFound
	}
	delete(m.blocks, k)
	return nil
}

// SearchMemoryBlocks matches query case-insensitively against keys and values.
func (m *MockStore) SearchMemoryBlocks(ctx context.Context, agentID, query string, limit int) ([]*MemoryBlock, error) {
	if limit <= 0 {
		limit = 20
	}
	all, _ := m.ListMemoryBlocks(ctx, agentID, MemoryFilter{})
	q := strings.ToLower(query)

	var out []*MemoryBlock
	for _, b := range all {
		if strings.Contains(strings.ToLower(b.Key), q) || strings.Contains(strings.ToLower(b.Value), q) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveCapture records a capture.
func (m *MockStore) SaveCapture(ctx context.Context, rec *CaptureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	m.captures = append(m.captures, &cp)
	return nil
}

// ListCaptures returns an agent's captures, newest first.
func (m *MockStore) ListCaptures(ctx context.Context, agentID string, limit int) ([]*CaptureRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*CaptureRecord
	for i := len(m.captures) - 1; i >= 0 && len(out) < limit; i-- {
		if m.captures[i].AgentID == agentID {
			cp := *m.captures[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
