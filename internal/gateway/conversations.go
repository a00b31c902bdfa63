// ABOUTME: HTTP routes for conversation history, sessions and live turn events
// ABOUTME: Turns are listed without events; a single turn includes its persisted event log

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/hearth/internal/conversation"
	"github.com/2389/hearth/internal/store"
	"github.com/2389/hearth/internal/stream"
)

// ConversationResponse is the JSON form of a conversation
type ConversationResponse struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agent_id"`
	Title            string    `json:"title"`
	CurrentSessionID string    `json:"current_session_id,omitempty"`
	TurnCount        int       `json:"turn_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TurnResponse is the JSON form of a persisted turn
type TurnResponse struct {
	Number      int            `json:"number"`
	Message     string         `json:"message"`
	SessionID   string         `json:"session_id,omitempty"`
	Status      string         `json:"status"`
	Response    string         `json:"response"`
	Error       string         `json:"error,omitempty"`
	Partial     bool           `json:"partial"`
	Digest      string         `json:"digest"`
	Events      []stream.Event `json:"events,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// SessionResponse is the JSON form of a session
type SessionResponse struct {
	ID         string    `json:"id"`
	ForkedFrom string    `json:"forked_from,omitempty"`
	Current    bool      `json:"current"`
	CreatedAt  time.Time `json:"created_at"`
}

func (g *Gateway) registerConversationRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/conversations", g.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}", g.handleGetConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", g.handleDeleteConversation)
	mux.HandleFunc("GET /api/conversations/{id}/turns", g.handleListTurns)
	mux.HandleFunc("GET /api/conversations/{id}/turns/{n}", g.handleGetTurn)
	mux.HandleFunc("GET /api/conversations/{id}/sessions", g.handleListSessions)
	mux.HandleFunc("GET /api/conversations/{id}/events", g.handleLiveEvents)
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:               c.ID,
		AgentID:          c.AgentID,
		Title:            c.Title,
		CurrentSessionID: c.CurrentSessionID,
		TurnCount:        c.TurnCount,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func toTurnResponse(t *store.Turn) TurnResponse {
	return TurnResponse{
		Number:      t.Number,
		Message:     t.Message,
		SessionID:   t.SessionID,
		Status:      string(t.Status),
		Response:    t.Response,
		Error:       t.Error,
		Partial:     t.Partial,
		Digest:      t.Digest,
		Events:      conversation.Events(t.Events),
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}

// listOptions reads limit and offset query parameters
func listOptions(r *http.Request) (store.ListOptions, error) {
	var opts store.ListOptions
	var err error
	if v := r.URL.Query().Get("limit"); v != "" {
		if opts.Limit, err = strconv.Atoi(v); err != nil {
			return opts, errors.New("limit must be an integer")
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if opts.Offset, err = strconv.Atoi(v); err != nil {
			return opts, errors.New("offset must be an integer")
		}
	}
	return opts, nil
}

// storeError writes the response for a store read failure
func (g *Gateway) storeError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, what+" not found")
		return
	}
	g.logger.Error("store request failed", "what", what, "error", err)
	g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	convs, err := g.orchestrator.Conversations(r.Context(), opts)
	if err != nil {
		g.storeError(w, err, "conversations")
		return
	}

	out := make([]ConversationResponse, len(convs))
	for i, c := range convs {
		out[i] = toConversationResponse(c)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.orchestrator.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.storeError(w, err, "conversation")
		return
	}
	g.writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := g.orchestrator.Delete(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, conversation.ErrConversationBusy):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		g.storeError(w, err, "conversation")
	}
}

func (g *Gateway) handleListTurns(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	turns, err := g.orchestrator.History(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		g.storeError(w, err, "conversation")
		return
	}

	out := make([]TurnResponse, len(turns))
	for i, t := range turns {
		out[i] = toTurnResponse(t)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"turns": out})
}

func (g *Gateway) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 {
		g.sendJSONError(w, http.StatusBadRequest, "turn number must be a positive integer")
		return
	}

	turn, err := g.orchestrator.Turn(r.Context(), r.PathValue("id"), n)
	if err != nil {
		g.storeError(w, err, "turn")
		return
	}
	g.writeJSON(w, http.StatusOK, toTurnResponse(turn))
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := g.orchestrator.Conversation(r.Context(), id)
	if err != nil {
		g.storeError(w, err, "conversation")
		return
	}
	sessions, err := g.orchestrator.Sessions(r.Context(), id)
	if err != nil {
		g.storeError(w, err, "sessions")
		return
	}

	out := make([]SessionResponse, len(sessions))
	for i, s := range sessions {
		out[i] = SessionResponse{
			ID:         s.ID,
			ForkedFrom: s.ForkedFrom,
			Current:    s.ID == conv.CurrentSessionID,
			CreatedAt:  s.CreatedAt,
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleLiveEvents follows a conversation's turns as they run. Observers
// that fall behind miss events; persisted turns are the record.
func (g *Gateway) handleLiveEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	live := g.orchestrator.Subscribe(r.Context(), r.PathValue("id"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				g.logger.Error("failed to marshal live event", "error", err)
				continue
			}
			writeSSEFrame(w, string(ev.Event.Type), ev.Event.Seq, data)
			flusher.Flush()
		}
	}
}
