// ABOUTME: Tests for the Anthropic runtime against a local server speaking the Messages SSE protocol

package claude

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth/internal/adapter"
)

type fakeMessagesAPI struct {
	mu     sync.Mutex
	bodies []map[string]any
	reply  []string
}

func (f *fakeMessagesAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	write := func(event, data string) {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	}
	write("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-test","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":7,"output_tokens":1}}}`)
	write("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`)
	write("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"pondering"}}`)
	write("content_block_stop", `{"type":"content_block_stop","index":0}`)
	write("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`)
	for _, chunk := range f.reply {
		data, _ := json.Marshal(map[string]any{
			"type": "content_block_delta", "index": 1,
			"delta": map[string]string{"type": "text_delta", "text": chunk},
		})
		write("content_block_delta", string(data))
	}
	write("content_block_stop", `{"type":"content_block_stop","index":1}`)
	write("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":3}}`)
	write("message_stop", `{"type":"message_stop"}`)
}

func (f *fakeMessagesAPI) last() map[string]any {
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

func TestInvoke_StreamsDeltas(t *testing.T) {
	api := &fakeMessagesAPI{reply: []string{"Hello ", "Mikus"}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	a := New(Options{APIKey: "test", BaseURL: srv.URL, System: "Be brief."})
	exec, err := a.Invoke(t.Context(), adapter.InvokeRequest{Message: "hi", MemoryContext: "### Human\n- **name**: Mikus"})
	require.NoError(t, err)
	assert.NotEmpty(t, exec.SessionID)

	sigs := drain(t, exec)
	require.Len(t, sigs, 4)
	assert.Equal(t, adapter.SignalThinking, sigs[0].Kind)
	assert.Equal(t, "pondering", sigs[0].Text)
	assert.Equal(t, "Hello ", sigs[1].Text)
	assert.Equal(t, "Mikus", sigs[2].Text)

	require.Equal(t, adapter.SignalResult, sigs[3].Kind)
	assert.Equal(t, "Hello Mikus", sigs[3].Result.Text)
	assert.Equal(t, "end_turn", sigs[3].Result.StopReason)
	assert.EqualValues(t, 7, sigs[3].Result.InputTokens)

	body := api.last()
	system, _ := json.Marshal(body["system"])
	assert.Contains(t, string(system), "Be brief.")
	assert.Contains(t, string(system), "**name**: Mikus")
}

func TestInvoke_ResumeSendsHistory(t *testing.T) {
	api := &fakeMessagesAPI{reply: []string{"ok"}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	a := New(Options{APIKey: "test", BaseURL: srv.URL})
	first, err := a.Invoke(t.Context(), adapter.InvokeRequest{Message: "My name is Mikus"})
	require.NoError(t, err)
	drain(t, first)

	second, err := a.Invoke(t.Context(), adapter.InvokeRequest{SessionID: first.SessionID, Message: "What is my name?"})
	require.NoError(t, err)
	assert.True(t, second.Resumed)
	drain(t, second)

	messages, ok := api.last()["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 3)
	raw, _ := json.Marshal(messages)
	assert.True(t, strings.Contains(string(raw), "My name is Mikus"))
	assert.Nil(t, api.last()["system"])
}

func TestInvoke_UnknownSession(t *testing.T) {
	a := New(Options{APIKey: "test", BaseURL: "http://127.0.0.1:1"})
	_, err := a.Invoke(t.Context(), adapter.InvokeRequest{SessionID: "nope", Message: "hi"})
	assert.ErrorIs(t, err, adapter.ErrSessionNotFound)
}

func TestInvoke_APIErrorBecomesSignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	a := New(Options{APIKey: "test", BaseURL: srv.URL})
	exec, err := a.Invoke(t.Context(), adapter.InvokeRequest{Message: "hi"})
	require.NoError(t, err)

	sigs := drain(t, exec)
	require.Len(t, sigs, 1)
	assert.Equal(t, adapter.SignalError, sigs[0].Kind)
	assert.Error(t, sigs[0].Err)
	assert.Empty(t, a.transcripts.History(exec.SessionID))
}
