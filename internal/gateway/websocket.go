// ABOUTME: WebSocket transport: clients send chat, get_memory and ping actions as JSON
// ABOUTME: Turn events go out as {event, seq, data} frames, one turn at a time per socket

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/hearth/internal/stream"
)

// wsWriteTimeout bounds a single frame write
const wsWriteTimeout = 10 * time.Second

// wsMessage is one client message. Chat messages carry the POST /api/turns
// body next to the action.
type wsMessage struct {
	Action string `json:"action"`
	TurnRequest
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// wsFrame is one server message
type wsFrame struct {
	Event string `json:"event"`
	Seq   int    `json:"seq,omitempty"`
	Data  any    `json:"data"`
}

// wsRejection reports a chat that was never admitted, or a malformed message
type wsRejection struct {
	Code   string `json:"code"`
	Error  string `json:"error"`
	Status int    `json:"status,omitempty"`
}

func (g *Gateway) registerWebSocketRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", g.handleWebSocket)
}

// wsConn serves one socket
type wsConn struct {
	g        *Gateway
	conn     *websocket.Conn
	clientID string
	events   <-chan stream.Event // nil while no turn runs
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already answered the request
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// a closed socket cancels the turn it was running
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{g: g, conn: conn, clientID: uuid.New().String()}
	if err := c.write(ctx, wsFrame{Event: "connected", Data: map[string]string{"client_id": c.clientID}}); err != nil {
		return
	}

	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := c.loop(ctx, msgs, readErr); err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			g.logger.Debug("websocket closed", "client_id", c.clientID)
		default:
			if ctx.Err() == nil {
				g.logger.Warn("websocket failed", "client_id", c.clientID, "error", err)
			}
		}
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (c *wsConn) loop(ctx context.Context, msgs <-chan []byte, readErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return err

		case data := <-msgs:
			if err := c.handle(ctx, data); err != nil {
				return err
			}

		case ev, ok := <-c.events:
			if !ok {
				c.events = nil
				continue
			}
			if err := c.write(ctx, wsFrame{Event: string(ev.Type), Seq: ev.Seq, Data: ev.Data}); err != nil {
				return err
			}
		}
	}
}

// handle answers one client message. Only write failures end the socket.
func (c *wsConn) handle(ctx context.Context, data []byte) error {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return c.reject(ctx, "invalid_request", "invalid JSON message", 0)
	}

	switch msg.Action {
	case "chat":
		return c.chat(ctx, msg)

	case "get_memory":
		labels := msg.MemoryLabels
		if len(labels) == 0 {
			labels = c.g.config.Memory.Labels
		}
		snap, err := c.g.orchestrator.Memory().Load(ctx, c.g.agentID(msg.AgentID), labels)
		if err != nil {
			c.g.logger.Warn("memory context unavailable", "error", err)
			return c.reject(ctx, "memory_unavailable", "memory unavailable", http.StatusServiceUnavailable)
		}
		return c.write(ctx, wsFrame{Event: "memory_context", Data: map[string]any{
			"context": snap.Context,
			"labels":  snap.Labels,
		}})

	case "ping":
		return c.write(ctx, wsFrame{Event: "pong", Data: struct{}{}})
	}
	return c.reject(ctx, "invalid_request", "unknown action "+msg.Action, 0)
}

// chat admits a turn. Its events are written by loop as they arrive.
func (c *wsConn) chat(ctx context.Context, msg wsMessage) error {
	if c.events != nil {
		return c.reject(ctx, "busy", "a turn is already running on this socket", http.StatusConflict)
	}

	h, err := c.g.orchestrator.Submit(ctx, c.g.toTurnRequest(msg.TurnRequest, msg.IdempotencyKey))
	if err != nil {
		status, text := submitStatus(err)
		if status == http.StatusInternalServerError {
			c.g.logger.Error("failed to submit turn", "error", err)
		}
		return c.reject(ctx, "rejected", text, status)
	}
	c.events = h.Events
	return nil
}

func (c *wsConn) reject(ctx context.Context, code, text string, status int) error {
	return c.write(ctx, wsFrame{Event: string(stream.TypeError), Data: wsRejection{Code: code, Error: text, Status: status}})
}

func (c *wsConn) write(ctx context.Context, f wsFrame) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, f); err != nil {
		if !errors.Is(err, context.Canceled) {
			c.g.logger.Debug("websocket write failed", "client_id", c.clientID, "error", err)
		}
		return err
	}
	return nil
}
