// ABOUTME: Rebuilds session transcripts from persisted conversation turns
// ABOUTME: Lets runtimes resume sessions they lost when the process restarted

package adapter

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/2389/hearth/internal/store"
)

// historyPage is the number of turns read per store call
const historyPage = 500

// TurnHistory is the part of the conversation store a StoreSessions reads
type TurnHistory interface {
	ListSessions(ctx context.Context, conversationID string) ([]*store.Session, error)
	ListTurns(ctx context.Context, conversationID string, opts store.ListOptions) ([]*store.Turn, error)
}

// StoreSessions loads sessions from the turns persisted under them. Only
// completed turns count, since those are the ones a runtime records.
type StoreSessions struct {
	history TurnHistory
}

var _ SessionLoader = (*StoreSessions)(nil)

// NewStoreSessions creates a loader over h
func NewStoreSessions(h TurnHistory) *StoreSessions {
	return &StoreSessions{history: h}
}

// LoadSession returns the transcript of sessionID within conversationID
func (s *StoreSessions) LoadSession(ctx context.Context, conversationID, sessionID string) ([]Message, error) {
	if conversationID == "" {
		return nil, ErrSessionNotFound
	}
	sessions, err := s.history.ListSessions(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	if !slices.ContainsFunc(sessions, func(sess *store.Session) bool { return sess.ID == sessionID }) {
		return nil, ErrSessionNotFound
	}

	var msgs []Message
	opts := store.ListOptions{Limit: historyPage}
	for {
		turns, err := s.history.ListTurns(ctx, conversationID, opts)
		if err != nil {
			return nil, fmt.Errorf("listing turns: %w", err)
		}
		for _, t := range turns {
			if t.SessionID != sessionID || t.Status != store.TurnCompleted {
				continue
			}
			msgs = append(msgs,
				Message{Role: RoleUser, Content: t.Message},
				Message{Role: RoleAssistant, Content: t.Response},
			)
		}
		if len(turns) < historyPage {
			return msgs, nil
		}
		opts.Offset += len(turns)
	}
}
