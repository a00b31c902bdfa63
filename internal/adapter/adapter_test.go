// ABOUTME: Tests for the session book, signal helpers and system prompt assembly

package adapter

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth/internal/store"
)

type mapLoader struct {
	sessions map[string][]Message
	calls    int
}

func (l *mapLoader) LoadSession(_ context.Context, conversationID, sessionID string) ([]Message, error) {
	l.calls++
	history, ok := l.sessions[conversationID+"/"+sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return history, nil
}

func TestTranscripts_BeginAndResume(t *testing.T) {
	tr := NewTranscripts(0, nil)

	id, history, resumed, err := tr.Begin(t.Context(), InvokeRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Empty(t, history)
	assert.False(t, resumed)

	tr.Append(id, Message{Role: RoleUser, Content: "hi"}, Message{Role: RoleAssistant, Content: "hello"})

	got, history, resumed, err := tr.Begin(t.Context(), InvokeRequest{SessionID: id})
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.True(t, resumed)
	require.Len(t, history, 2)
	assert.Equal(t, "hi", history[0].Content)

	// returned history is a copy
	history[0].Content = "changed"
	assert.Equal(t, "hi", tr.History(id)[0].Content)
	assert.Equal(t, 1, tr.Len())
}

func TestTranscripts_UnknownSession(t *testing.T) {
	tr := NewTranscripts(0, nil)
	_, _, _, err := tr.Begin(t.Context(), InvokeRequest{SessionID: "nope"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTranscripts_LoaderRestoresSession(t *testing.T) {
	loader := &mapLoader{sessions: map[string][]Message{
		"c1/s1": {{Role: RoleUser, Content: "My name is Mikus"}, {Role: RoleAssistant, Content: "Hi Mikus"}},
	}}
	tr := NewTranscripts(0, loader)

	id, history, resumed, err := tr.Begin(t.Context(), InvokeRequest{ConversationID: "c1", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", id)
	assert.True(t, resumed)
	require.Len(t, history, 2)
	assert.Equal(t, "My name is Mikus", history[0].Content)

	// later turns use the book
	_, _, _, err = tr.Begin(t.Context(), InvokeRequest{ConversationID: "c1", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls)

	_, _, _, err = tr.Begin(t.Context(), InvokeRequest{ConversationID: "c2", SessionID: "s1"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStoreSessions_LoadSession(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := t.Context()

	appendTurn := func(msg, sessionID, forkedFrom string, status store.TurnStatus) {
		t.Helper()
		turn := &store.Turn{ConversationID: "c1", Message: msg, SessionID: sessionID, Status: status, Response: "re: " + msg}
		require.NoError(t, st.AppendTurn(ctx, "agent", turn, store.SessionBinding{SessionID: sessionID, ForkedFrom: forkedFrom}))
	}
	appendTurn("one", "s1", "", store.TurnCompleted)
	appendTurn("two", "s1", "", store.TurnFailed)
	appendTurn("three", "s1", "", store.TurnCompleted)
	appendTurn("four", "s2", "s1", store.TurnCompleted)

	loader := NewStoreSessions(st)

	history, err := loader.LoadSession(ctx, "c1", "s1")
	require.NoError(t, err)
	assert.Equal(t, []Message{
		{Role: RoleUser, Content: "one"},
		{Role: RoleAssistant, Content: "re: one"},
		{Role: RoleUser, Content: "three"},
		{Role: RoleAssistant, Content: "re: three"},
	}, history)

	history, err = loader.LoadSession(ctx, "c1", "s2")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	_, err = loader.LoadSession(ctx, "c1", "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = loader.LoadSession(ctx, "other", "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTranscripts_MaxMessages(t *testing.T) {
	tr := NewTranscripts(2, nil)
	id, _, _, err := tr.Begin(t.Context(), InvokeRequest{})
	require.NoError(t, err)

	tr.Append(id, Message{Content: "1"}, Message{Content: "2"}, Message{Content: "3"})
	history := tr.History(id)
	require.Len(t, history, 2)
	assert.Equal(t, "2", history[0].Content)
	assert.Equal(t, "3", history[1].Content)
}

func TestSend_CancelledContext(t *testing.T) {
	ch := make(chan Signal)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Send(ctx, ch, Text("x")))

	buffered := make(chan Signal, 1)
	assert.True(t, Send(context.Background(), buffered, Text("x")))
	assert.Equal(t, SignalText, (<-buffered).Kind)
}

func TestSignalKind_String(t *testing.T) {
	assert.Equal(t, "tool_result", SignalToolResult.String())
	assert.Equal(t, "unknown", SignalKind(99).String())
}

func TestSystemPrompt(t *testing.T) {
	assert.Equal(t, "base", SystemPrompt("base", ""))
	assert.Equal(t, "<memory>\nm\n</memory>", SystemPrompt("", "m"))
	assert.Equal(t, "base\n\n<memory>\nm\n</memory>", SystemPrompt("base", "m"))
}
