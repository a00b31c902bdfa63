// ABOUTME: In-process session book shared by runtimes that are stateless upstream
// ABOUTME: Keeps each session's message history so a resumed session sees prior turns

package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Role of a transcript message
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a session transcript
type Message struct {
	Role    string
	Content string
}

// SessionLoader rebuilds a session the book does not hold, such as one
// started before a restart. It returns ErrSessionNotFound for sessions that
// never existed in the conversation.
type SessionLoader interface {
	LoadSession(ctx context.Context, conversationID, sessionID string) ([]Message, error)
}

// Transcripts maps session IDs to message history. The zero value is not
// usable; call NewTranscripts.
type Transcripts struct {
	mu          sync.Mutex
	sessions    map[string][]Message
	maxMessages int
	loader      SessionLoader
}

// NewTranscripts creates a session book that keeps at most maxMessages per
// session (0 keeps everything). loader may be nil, in which case only
// sessions started by this process can be resumed.
func NewTranscripts(maxMessages int, loader SessionLoader) *Transcripts {
	return &Transcripts{
		sessions:    make(map[string][]Message),
		maxMessages: maxMessages,
		loader:      loader,
	}
}

// Begin opens the session named by req, or creates one when req.SessionID is
// empty. It returns the session ID, a copy of its history and whether it was
// resumed. A session missing from the book is rebuilt through the loader.
func (t *Transcripts) Begin(ctx context.Context, req InvokeRequest) (string, []Message, bool, error) {
	if req.SessionID == "" {
		id := uuid.New().String()
		t.mu.Lock()
		t.sessions[id] = nil
		t.mu.Unlock()
		return id, nil, false, nil
	}

	t.mu.Lock()
	history, ok := t.sessions[req.SessionID]
	t.mu.Unlock()
	if ok {
		return req.SessionID, append([]Message(nil), history...), true, nil
	}
	if t.loader == nil {
		return "", nil, false, ErrSessionNotFound
	}

	loaded, err := t.loader.LoadSession(ctx, req.ConversationID, req.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return "", nil, false, err
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("loading session %s: %w", req.SessionID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// another turn may have restored it meanwhile
	if history, ok := t.sessions[req.SessionID]; ok {
		return req.SessionID, append([]Message(nil), history...), true, nil
	}
	t.sessions[req.SessionID] = t.trim(loaded)
	return req.SessionID, append([]Message(nil), t.sessions[req.SessionID]...), true, nil
}

func (t *Transcripts) trim(history []Message) []Message {
	if t.maxMessages > 0 && len(history) > t.maxMessages {
		return history[len(history)-t.maxMessages:]
	}
	return history
}

// Append adds messages to a session's history
func (t *Transcripts) Append(sessionID string, msgs ...Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessions[sessionID] = t.trim(append(t.sessions[sessionID], msgs...))
}

// History returns a copy of a session's messages
func (t *Transcripts) History(sessionID string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.sessions[sessionID]...)
}

// Len returns the number of known sessions
func (t *Transcripts) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
