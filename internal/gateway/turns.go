// ABOUTME: HTTP turn submission streamed back as server-sent events
// ABOUTME: Maps admission rejections to status codes before the stream starts

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/hearth/internal/conversation"
	"github.com/2389/hearth/internal/session"
	"github.com/2389/hearth/internal/stream"
)

// maxRequestBody caps JSON request bodies
const maxRequestBody = 1 << 20

// TurnRequest is the JSON body of POST /api/turns. A session_id of null or
// "" forks a new session; leaving it out resumes the current one.
type TurnRequest struct {
	Message        string            `json:"message"`
	ConversationID string            `json:"conversation_id,omitempty"`
	SessionID      session.Requested `json:"session_id"`
	AgentID        string            `json:"agent_id,omitempty"`
	MemoryLabels   []string          `json:"memory_labels,omitempty"`
	IncludeMemory  *bool             `json:"include_memory,omitempty"`
	ToolsEnabled   bool              `json:"tools_enabled,omitempty"`
}

func (g *Gateway) registerTurnRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/turns", g.handleSubmitTurn)
}

// toTurnRequest fills in configured defaults
func (g *Gateway) toTurnRequest(req TurnRequest, idempotencyKey string) conversation.TurnRequest {
	labels := req.MemoryLabels
	if len(labels) == 0 {
		labels = g.config.Memory.Labels
	}
	return conversation.TurnRequest{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
		AgentID:        req.AgentID,
		MemoryLabels:   labels,
		IncludeMemory:  req.IncludeMemory,
		ToolsEnabled:   req.ToolsEnabled,
		IdempotencyKey: idempotencyKey,
	}
}

// handleSubmitTurn admits a turn and streams its events until the terminal one.
func (g *Gateway) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Check streaming support before submitting (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	h, err := g.orchestrator.Submit(r.Context(), g.toTurnRequest(req, r.Header.Get("Idempotency-Key")))
	if err != nil {
		status, msg := submitStatus(err)
		if status == http.StatusInternalServerError {
			g.logger.Error("failed to submit turn", "error", err)
		}
		g.sendJSONError(w, status, msg)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Conversation-Id", h.ConversationID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	g.streamEvents(r.Context(), w, flusher, h.Events)
}

// submitStatus maps an admission error to an HTTP status and client message
func submitStatus(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, conversation.ErrConversationBusy):
		return http.StatusConflict, err.Error()
	case errors.Is(err, conversation.ErrDuplicateRequest):
		return http.StatusConflict, err.Error()
	case errors.Is(err, conversation.ErrShuttingDown):
		return http.StatusServiceUnavailable, err.Error()
	}
	return http.StatusInternalServerError, "internal server error"
}

// streamEvents writes events as they arrive. Content deltas that are already
// buffered when the writer catches up are merged into one frame.
func (g *Gateway) streamEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan stream.Event) {
	for {
		var batch []stream.Event
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			batch = append(batch, ev)
		}

		closed := false
	drain:
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					closed = true
					break drain
				}
				batch = append(batch, ev)
			default:
				break drain
			}
		}

		for _, ev := range stream.Coalesce(batch) {
			writeSSEFrame(w, string(ev.Type), ev.Seq, ev.Data)
		}
		flusher.Flush()

		if closed {
			return
		}
	}
}

// writeSSEFrame writes one event as `event: <type>\nid: <seq>\ndata: <json>\n\n`
func writeSSEFrame(w http.ResponseWriter, event string, id int, data []byte) {
	fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", event, id, data)
}

// writeJSON writes v as a JSON response.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
