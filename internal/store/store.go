// ABOUTME: Store interfaces and data types for hearth persistence
// ABOUTME: Defines Conversation, Session, Turn, MemoryBlock and the stores that hold them

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with an existing row
var ErrDuplicate = errors.New("already exists")

// Conversation is the durable, caller-facing thread of turns.
// CurrentSessionID is empty until the first turn binds a session.
type Conversation struct {
	ID               string
	AgentID          string
	Title            string
	CurrentSessionID string
	TurnCount        int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Session is one execution-runtime context lineage owned by a conversation.
type Session struct {
	ID             string
	ConversationID string
	ForkedFrom     string // previous current session when this one was created by a fork
	CreatedAt      time.Time
}

// TurnStatus is the completion status of a turn
type TurnStatus string

const (
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
	TurnCancelled TurnStatus = "cancelled"
)

// Valid reports whether s is a known completion status
func (s TurnStatus) Valid() bool {
	switch s {
	case TurnCompleted, TurnFailed, TurnCancelled:
		return true
	}
	return false
}

// EventRecord is a persisted stream event
type EventRecord struct {
	Seq  int
	Type string
	Data json.RawMessage
	At   time.Time
}

// Turn is one request/response exchange. Number is assigned by AppendTurn.
type Turn struct {
	ConversationID string
	Number         int
	Message        string
	SessionID      string
	Status         TurnStatus
	Response       string
	Error          string
	Partial        bool
	Digest         string
	Events         []EventRecord // only populated by GetTurn
	StartedAt      time.Time
	CompletedAt    time.Time
}

// SessionBinding is what a finished turn does to the conversation's session state.
// An empty SessionID leaves the binding untouched.
type SessionBinding struct {
	SessionID  string
	ForkedFrom string
}

// ListOptions pages through list results
type ListOptions struct {
	Limit  int
	Offset int
}

// normalize clamps the limit to [1, 1000], defaulting to 100
func (o ListOptions) normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// Store defines conversation, session and turn persistence
type Store interface {
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	// AppendTurn persists a finished turn atomically: the conversation is
	// created if unseen, the turn number is assigned, events are stored and
	// the session binding becomes current.
	AppendTurn(ctx context.Context, agentID string, turn *Turn, binding SessionBinding) error
	ListTurns(ctx context.Context, conversationID string, opts ListOptions) ([]*Turn, error)
	GetTurn(ctx context.Context, conversationID string, number int) (*Turn, error)

	ListSessions(ctx context.Context, conversationID string) ([]*Session, error)

	Close() error
}

// MemoryBlock is a durable, agent-scoped fact. Blocks are keyed by
// (AgentID, Label, Key) and written as upserts.
type MemoryBlock struct {
	AgentID   string
	Label     string
	Key       string
	Value     string
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MemoryFilter selects memory blocks. Empty Labels means all labels.
type MemoryFilter struct {
	Labels []string
	Limit  int
}

// CaptureRecord is an audit entry for one memory capture
type CaptureRecord struct {
	ID             string
	AgentID        string
	ConversationID string
	TurnNumber     int
	SessionID      string
	Status         TurnStatus
	Partial        bool
	Message        string
	Response       string
	CreatedAt      time.Time
}

// MemoryStore defines memory block and capture persistence
type MemoryStore interface {
	ListMemoryBlocks(ctx context.Context, agentID string, filter MemoryFilter) ([]*MemoryBlock, error)
	GetMemoryBlock(ctx context.Context, agentID, label, key string) (*MemoryBlock, error)
	UpsertMemoryBlock(ctx context.Context, block *MemoryBlock) error
	DeleteMemoryBlock(ctx context.Context, agentID, label, key string) error
	SearchMemoryBlocks(ctx context.Context, agentID, query string, limit int) ([]*MemoryBlock, error)

	SaveCapture(ctx context.Context, rec *CaptureRecord) error
	ListCaptures(ctx context.Context, agentID string, limit int) ([]*CaptureRecord, error)
}

// TitleFromMessage derives a conversation title from its first message
func TitleFromMessage(msg string) string {
	const maxTitle = 80
	r := []rune(msg)
	if len(r) <= maxTitle {
		return msg
	}
	return string(r[:maxTitle])
}
