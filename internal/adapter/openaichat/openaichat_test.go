// ABOUTME: Tests for the chat completions runtime against a local server speaking the streaming protocol

package openaichat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth/internal/adapter"
)

type fakeChatAPI struct {
	mu     sync.Mutex
	bodies []map[string]any
	reply  []string
}

func (f *fakeChatAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	chunk := func(delta map[string]any, finish any, usage any) {
		data, _ := json.Marshal(map[string]any{
			"id": "chatcmpl-1", "object": "chat.completion.chunk", "created": 1, "model": "gpt-test",
			"choices": []any{map[string]any{"index": 0, "delta": delta, "finish_reason": finish}},
			"usage":   usage,
		})
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	chunk(map[string]any{"role": "assistant", "content": ""}, nil, nil)
	for _, part := range f.reply {
		chunk(map[string]any{"content": part}, nil, nil)
	}
	chunk(map[string]any{}, "stop", map[string]any{"prompt_tokens": 9, "completion_tokens": 2, "total_tokens": 11})
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func (f *fakeChatAPI) last() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[len(f.bodies)-1]
}

func drain(t *testing.T, exec *adapter.Execution) []adapter.Signal {
	t.Helper()
	var out []adapter.Signal
	timeout := time.After(10 * time.Second)
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

func TestInvoke_StreamsContent(t *testing.T) {
	api := &fakeChatAPI{reply: []string{"Hi ", "there"}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	a := New(Options{APIKey: "test", BaseURL: srv.URL + "/", Model: "gpt-test"})
	exec, err := a.Invoke(t.Context(), adapter.InvokeRequest{Message: "hello", MemoryContext: "### Human\n- **name**: Mikus"})
	require.NoError(t, err)

	sigs := drain(t, exec)
	require.Len(t, sigs, 3)
	assert.Equal(t, "Hi ", sigs[0].Text)
	assert.Equal(t, "there", sigs[1].Text)
	require.Equal(t, adapter.SignalResult, sigs[2].Kind)
	assert.Equal(t, "Hi there", sigs[2].Result.Text)
	assert.Equal(t, "stop", sigs[2].Result.StopReason)
	assert.EqualValues(t, 9, sigs[2].Result.InputTokens)
	assert.EqualValues(t, 2, sigs[2].Result.OutputTokens)

	messages, ok := api.last()["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	first := messages[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Contains(t, first["content"], "**name**: Mikus")
	assert.Equal(t, "gpt-test", api.last()["model"])
}

func TestInvoke_ResumeSendsHistory(t *testing.T) {
	api := &fakeChatAPI{reply: []string{"ok"}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	a := New(Options{APIKey: "test", BaseURL: srv.URL + "/"})
	first, err := a.Invoke(t.Context(), adapter.InvokeRequest{Message: "My name is Mikus"})
	require.NoError(t, err)
	drain(t, first)

	second, err := a.Invoke(t.Context(), adapter.InvokeRequest{SessionID: first.SessionID, Message: "What is my name?"})
	require.NoError(t, err)
	drain(t, second)

	messages, ok := api.last()["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 3)
	assert.Equal(t, "assistant", messages[1].(map[string]any)["role"])
	assert.Equal(t, "ok", messages[1].(map[string]any)["content"])
}

func TestInvoke_UnknownSession(t *testing.T) {
	a := New(Options{APIKey: "test", BaseURL: "http://127.0.0.1:1/"})
	_, err := a.Invoke(t.Context(), adapter.InvokeRequest{SessionID: "nope", Message: "hi"})
	assert.ErrorIs(t, err, adapter.ErrSessionNotFound)
}

func TestInvoke_APIErrorBecomesSignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	a := New(Options{APIKey: "test", BaseURL: srv.URL + "/"})
	exec, err := a.Invoke(t.Context(), adapter.InvokeRequest{Message: "hi"})
	require.NoError(t, err)

	sigs := drain(t, exec)
	require.Len(t, sigs, 1)
	assert.Equal(t, adapter.SignalError, sigs[0].Kind)
}
