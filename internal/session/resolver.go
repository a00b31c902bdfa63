// ABOUTME: Decides which execution session a turn continues, given stored state and caller overrides
// ABOUTME: Produces the session binding the orchestrator persists with the turn

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/hearth/internal/store"
)

// ErrSessionChanged is returned by Confirm when the runtime answered a resume
// with a different session than the one requested
var ErrSessionChanged = errors.New("runtime changed the resumed session")

// ErrNoSession is returned by Confirm when the runtime reported no session
var ErrNoSession = errors.New("runtime reported no session")

// ConversationReader is the part of the store the resolver needs
type ConversationReader interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
}

// Resolution is the outcome of resolving a turn's session.
// An empty SessionID asks the runtime for a new session.
type Resolution struct {
	ConversationID string
	SessionID      string
	IsFork         bool
	Explicit       bool   // the caller named the session
	Previous       string // current binding before this turn
	Conversation   *store.Conversation
	NextTurn       int
}

// Resumed reports whether the turn continues an existing session
func (r *Resolution) Resumed() bool { return r.SessionID != "" }

// Resolver applies the session priority policy
type Resolver struct {
	conversations ConversationReader
	logger        *slog.Logger
}

// NewResolver creates a Resolver. A nil logger uses slog.Default().
func NewResolver(conversations ConversationReader, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		conversations: conversations,
		logger:        logger.With("component", "session"),
	}
}

// Resolve picks the session for a turn of conversationID:
//
//  1. an explicit non-empty ID is used verbatim
//  2. null or "" forks: a new session that becomes current
//  3. omitted resumes the current binding, or starts a new session if none
func (r *Resolver) Resolve(ctx context.Context, conversationID string, requested Requested) (*Resolution, error) {
	res := &Resolution{ConversationID: conversationID, NextTurn: 1}

	conv, err := r.conversations.GetConversation(ctx, conversationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("loading conversation: %w", err)
	default:
		res.Conversation = conv
		res.Previous = conv.CurrentSessionID
		res.NextTurn = conv.TurnCount + 1
	}

	switch {
	case requested.Fork():
		res.IsFork = true
	case !requested.IsOmitted():
		res.SessionID = requested.Value()
		res.Explicit = true
	default:
		res.SessionID = res.Previous
	}

	r.logger.Debug("resolved session",
		"conversation_id", conversationID,
		"requested", requested.String(),
		"session_id", res.SessionID,
		"is_fork", res.IsFork,
		"previous", res.Previous,
	)
	return res, nil
}

// Confirm checks the session the runtime assigned and returns the binding to
// persist with the turn.
func (r *Resolver) Confirm(res *Resolution, assigned string) (store.SessionBinding, error) {
	if assigned == "" {
		return store.SessionBinding{}, ErrNoSession
	}
	if res.SessionID != "" && assigned != res.SessionID {
		return store.SessionBinding{}, fmt.Errorf("%w: requested %s, got %s", ErrSessionChanged, res.SessionID, assigned)
	}

	binding := store.SessionBinding{SessionID: assigned}
	if res.IsFork && res.Previous != assigned {
		binding.ForkedFrom = res.Previous
	}
	return binding, nil
}
