// ABOUTME: Tests for the echo runtime's signal sequence and session continuity

package echo

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth/internal/adapter"
)

func drain(t *testing.T, exec *adapter.Execution) []adapter.Signal {
	t.Helper()
	var out []adapter.Signal
	timeout := time.After(5 * time.Second)
	for {
		select {
		case sig, ok := <-exec.Signals:
			if !ok {
				return out
			}
			out = append(out, sig)
		case <-timeout:
			t.Fatal("timed out draining signals")
		}
	}
}

func text(sigs []adapter.Signal) string {
	var b strings.Builder
	for _, s := range sigs {
		if s.Kind == adapter.SignalText {
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

func TestInvoke_NewSession(t *testing.T) {
	a := New(Options{})

	exec, err := a.Invoke(t.Context(), adapter.InvokeRequest{Message: "My name is Mikus"})
	require.NoError(t, err)
	assert.NotEmpty(t, exec.SessionID)
	assert.False(t, exec.Resumed)

	sigs := drain(t, exec)
	require.NotEmpty(t, sigs)
	assert.Equal(t, adapter.SignalThinking, sigs[0].Kind)
	last := sigs[len(sigs)-1]
	require.Equal(t, adapter.SignalResult, last.Kind)
	assert.Equal(t, "You said: My name is Mikus.", last.Result.Text)
	assert.Equal(t, last.Result.Text, text(sigs))
	assert.Len(t, a.History(exec.SessionID), 2)
}

func TestInvoke_ResumeSeesHistory(t *testing.T) {
	a := New(Options{})

	first, err := a.Invoke(t.Context(), adapter.InvokeRequest{Message: "My name is Mikus"})
	require.NoError(t, err)
	drain(t, first)

	second, err := a.Invoke(t.Context(), adapter.InvokeRequest{SessionID: first.SessionID, Message: "What is my name?"})
	require.NoError(t, err)
	assert.True(t, second.Resumed)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Contains(t, text(drain(t, second)), "Earlier you said: My name is Mikus.")

	inputs := a.Inputs(first.SessionID)
	require.Len(t, inputs, 2)
	assert.Equal(t, "What is my name?", inputs[1].Message)
}

func TestInvoke_UnknownSession(t *testing.T) {
	a := New(Options{})
	_, err := a.Invoke(t.Context(), adapter.InvokeRequest{SessionID: "missing", Message: "hi"})
	assert.ErrorIs(t, err, adapter.ErrSessionNotFound)
}

func TestInvoke_ToolCall(t *testing.T) {
	a := New(Options{})

	exec, err := a.Invoke(t.Context(), adapter.InvokeRequest{Message: "/tool ping", ToolsEnabled: true})
	require.NoError(t, err)
	sigs := drain(t, exec)

	var use *adapter.ToolUse
	var result *adapter.ToolResult
	for _, s := range sigs {
		switch s.Kind {
		case adapter.SignalToolUse:
			use = s.ToolUse
		case adapter.SignalToolResult:
			result = s.ToolResult
		}
	}
	require.NotNil(t, use)
	require.NotNil(t, result)
	assert.Equal(t, "echo", use.Name)
	assert.JSONEq(t, `{"text":"ping"}`, string(use.Input))
	assert.Equal(t, use.ID, result.ID)
	assert.Equal(t, "ping", result.Content)
}

func TestInvoke_ToolsDisabled(t *testing.T) {
	a := New(Options{})
	exec, err := a.Invoke(t.Context(), adapter.InvokeRequest{Message: "/tool ping"})
	require.NoError(t, err)
	for _, s := range drain(t, exec) {
		assert.NotEqual(t, adapter.SignalToolUse, s.Kind)
	}
}

func TestInvoke_CancelClosesChannel(t *testing.T) {
	a := New(Options{Delay: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(t.Context())
	exec, err := a.Invoke(ctx, adapter.InvokeRequest{Message: "a long message that takes a while to stream"})
	require.NoError(t, err)
	cancel()

	sigs := drain(t, exec)
	for _, s := range sigs {
		assert.NotEqual(t, adapter.SignalResult, s.Kind)
	}
	assert.Empty(t, a.History(exec.SessionID), "cancelled turns are not appended")
}

func TestReply_MentionsMemory(t *testing.T) {
	got := Reply(nil, adapter.InvokeRequest{Message: "hi", MemoryContext: "### Human\n- **name**: Mikus"})
	assert.Equal(t, "You said: hi. I remember things about you.", got)
}
