// ABOUTME: Tests for the WebSocket transport against the full gateway stack
// ABOUTME: Drives chat, ping, get_memory and rejections over one socket

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth/internal/adapter/echo"
	"github.com/2389/hearth/internal/store"
	"github.com/2389/hearth/internal/stream"
)

type wsTestFrame struct {
	Event string          `json:"event"`
	Seq   int             `json:"seq"`
	Data  json.RawMessage `json:"data"`
}

func (tg *testGateway) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(tg.server.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	hello := readWS(t, conn)
	require.Equal(t, "connected", hello.Event)
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	var f wsTestFrame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	return f
}

func sendWS(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, wsjson.Write(t.Context(), conn, msg))
}

// readTurnWS reads frames up to and including the terminal one
func readTurnWS(t *testing.T, conn *websocket.Conn) []wsTestFrame {
	t.Helper()
	var frames []wsTestFrame
	for {
		f := readWS(t, conn)
		frames = append(frames, f)
		if stream.Type(f.Event).Terminal() {
			return frames
		}
	}
}

func TestWebSocket_ChatResumesAcrossTurns(t *testing.T) {
	tg := newTestGateway(t, nil)
	conn := tg.dialWS(t)

	sendWS(t, conn, map[string]any{"action": "chat", "message": "My name is Mikus", "conversation_id": "c1"})
	first := readTurnWS(t, conn)
	require.Equal(t, "conversation_id", first[0].Event)
	assert.Equal(t, "session_id", first[1].Event)
	require.Equal(t, "done", first[len(first)-1].Event)
	for i, f := range first {
		assert.Equal(t, i+1, f.Seq)
	}

	var done stream.DonePayload
	require.NoError(t, json.Unmarshal(first[len(first)-1].Data, &done))
	assert.Equal(t, 1, done.TurnID)

	var sess stream.SessionPayload
	require.NoError(t, json.Unmarshal(first[1].Data, &sess))

	sendWS(t, conn, map[string]any{"action": "chat", "message": "who am I?", "conversation_id": "c1"})
	second := readTurnWS(t, conn)
	require.Equal(t, "done", second[len(second)-1].Event)
	require.NoError(t, json.Unmarshal(second[len(second)-1].Data, &done))
	assert.Equal(t, 2, done.TurnID)

	var resumed stream.SessionPayload
	require.NoError(t, json.Unmarshal(second[1].Data, &resumed))
	assert.Equal(t, sess.SessionID, resumed.SessionID)
	assert.True(t, resumed.Resumed)

	turns, err := tg.store.ListTurns(t.Context(), "c1", store.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestWebSocket_PingMemoryAndRejections(t *testing.T) {
	tg := newTestGateway(t, nil)
	conn := tg.dialWS(t)

	sendWS(t, conn, map[string]any{"action": "ping"})
	assert.Equal(t, "pong", readWS(t, conn).Event)

	resp := tg.do(t, http.MethodPost, "/api/memory", map[string]any{"label": "human", "key": "name", "value": "Mikus"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sendWS(t, conn, map[string]any{"action": "get_memory"})
	mem := readWS(t, conn)
	require.Equal(t, "memory_context", mem.Event)
	assert.Contains(t, string(mem.Data), "Mikus")

	require.NoError(t, conn.Write(t.Context(), websocket.MessageText, []byte("{not json")))
	bad := readWS(t, conn)
	require.Equal(t, "error", bad.Event)
	var rej wsRejection
	require.NoError(t, json.Unmarshal(bad.Data, &rej))
	assert.Equal(t, "invalid_request", rej.Code)

	sendWS(t, conn, map[string]any{"action": "chat", "message": "   "})
	empty := readWS(t, conn)
	require.Equal(t, "error", empty.Event)
	require.NoError(t, json.Unmarshal(empty.Data, &rej))
	assert.Equal(t, "rejected", rej.Code)
	assert.Equal(t, http.StatusBadRequest, rej.Status)

	// the socket survives rejections
	sendWS(t, conn, map[string]any{"action": "ping"})
	assert.Equal(t, "pong", readWS(t, conn).Event)
}

func TestWebSocket_OneTurnAtATime(t *testing.T) {
	tg := newTestGateway(t, echo.New(echo.Options{Delay: 30 * time.Millisecond}))
	conn := tg.dialWS(t)

	sendWS(t, conn, map[string]any{"action": "chat", "message": "please take your time with a slow and rather long reply", "conversation_id": "c1"})
	sendWS(t, conn, map[string]any{"action": "chat", "message": "me too", "conversation_id": "c2"})

	var (
		busy     bool
		terminal int
	)
	for terminal == 0 {
		f := readWS(t, conn)
		if f.Event != "error" {
			if f.Event == "done" {
				terminal++
			}
			continue
		}
		var rej wsRejection
		require.NoError(t, json.Unmarshal(f.Data, &rej))
		require.Equal(t, "busy", rej.Code, "unexpected error frame %s", f.Data)
		busy = true
	}
	assert.True(t, busy, "second chat was rejected while the first ran")

	_, err := tg.store.GetConversation(t.Context(), "c2")
	assert.Error(t, err, "the rejected chat never started")
}

func TestWebSocket_CloseCancelsTurn(t *testing.T) {
	tg := newTestGateway(t, echo.New(echo.Options{Delay: 50 * time.Millisecond}))
	conn := tg.dialWS(t)

	sendWS(t, conn, map[string]any{"action": "chat", "message": "a long reply that will be cut short by the client", "conversation_id": "c1"})
	for readWS(t, conn).Event != "content_delta" {
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	require.Eventually(t, func() bool {
		turn, err := tg.store.GetTurn(context.Background(), "c1", 1)
		return err == nil && turn.Status == store.TurnCancelled
	}, 5*time.Second, 20*time.Millisecond)
}
