// ABOUTME: HTTP routes for inspecting and editing an agent's memory blocks
// ABOUTME: Also previews the rendered memory context a turn would receive

package gateway

import (
	"cmp"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/hearth/internal/conversation"
	"github.com/2389/hearth/internal/memory"
	"github.com/2389/hearth/internal/store"
)

// maxBulkBlocks caps a single bulk upsert
const maxBulkBlocks = 500

// MemoryBlockRequest is the JSON body for writing a block
type MemoryBlockRequest struct {
	AgentID  string            `json:"agent_id,omitempty"`
	Label    string            `json:"label"`
	Key      string            `json:"key"`
	Value    string            `json:"value"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MemoryBlockResponse is the JSON form of a block
type MemoryBlockResponse struct {
	AgentID   string            `json:"agent_id"`
	Label     string            `json:"label"`
	Key       string            `json:"key"`
	Value     string            `json:"value"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// CaptureResponse is the JSON form of a capture audit record
type CaptureResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	TurnNumber     int       `json:"turn_number"`
	SessionID      string    `json:"session_id,omitempty"`
	Status         string    `json:"status"`
	Partial        bool      `json:"partial"`
	CreatedAt      time.Time `json:"created_at"`
}

func (g *Gateway) registerMemoryRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/memory", g.handleListMemory)
	mux.HandleFunc("POST /api/memory", g.handleUpsertMemory)
	mux.HandleFunc("POST /api/memory/bulk", g.handleBulkUpsertMemory)
	mux.HandleFunc("GET /api/memory/context", g.handleMemoryContext)
	mux.HandleFunc("GET /api/memory/search", g.handleSearchMemory)
	mux.HandleFunc("GET /api/memory/captures", g.handleListCaptures)
	mux.HandleFunc("GET /api/memory/{label}/{key}", g.handleGetMemory)
	mux.HandleFunc("DELETE /api/memory/{label}/{key}", g.handleDeleteMemory)
}

// agentID picks the request's agent or the configured default
func (g *Gateway) agentID(v string) string {
	return cmp.Or(v, g.config.Orchestrator.AgentID, conversation.DefaultAgentID)
}

func toMemoryBlockResponse(b *store.MemoryBlock) MemoryBlockResponse {
	return MemoryBlockResponse{
		AgentID:   b.AgentID,
		Label:     b.Label,
		Key:       b.Key,
		Value:     b.Value,
		Metadata:  b.Metadata,
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
}

func (g *Gateway) toMemoryBlock(req MemoryBlockRequest) (*store.MemoryBlock, error) {
	if req.Label == "" || req.Key == "" {
		return nil, errors.New("label and key are required")
	}
	return &store.MemoryBlock{
		AgentID:  g.agentID(req.AgentID),
		Label:    req.Label,
		Key:      req.Key,
		Value:    req.Value,
		Metadata: req.Metadata,
	}, nil
}

// queryLimit reads an optional positive limit
func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

// queryLabels reads labels from repeated or comma-separated label parameters
func queryLabels(r *http.Request) []string {
	var labels []string
	for _, v := range r.URL.Query()["label"] {
		for l := range strings.SplitSeq(v, ",") {
			if l = strings.TrimSpace(l); l != "" {
				labels = append(labels, l)
			}
		}
	}
	return labels
}

func (g *Gateway) handleListMemory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	blocks, err := g.store.ListMemoryBlocks(r.Context(), g.agentID(r.URL.Query().Get("agent_id")), store.MemoryFilter{
		Labels: queryLabels(r),
		Limit:  limit,
	})
	if err != nil {
		g.storeError(w, err, "memory")
		return
	}

	out := make([]MemoryBlockResponse, len(blocks))
	for i, b := range blocks {
		out[i] = toMemoryBlockResponse(b)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"blocks": out})
}

func (g *Gateway) handleUpsertMemory(w http.ResponseWriter, r *http.Request) {
	var req MemoryBlockRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	block, err := g.toMemoryBlock(req)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.store.UpsertMemoryBlock(r.Context(), block); err != nil {
		g.storeError(w, err, "memory")
		return
	}

	saved, err := g.store.GetMemoryBlock(r.Context(), block.AgentID, block.Label, block.Key)
	if err != nil {
		g.storeError(w, err, "memory block")
		return
	}
	g.writeJSON(w, http.StatusOK, toMemoryBlockResponse(saved))
}

// handleBulkUpsertMemory validates every block before writing any
func (g *Gateway) handleBulkUpsertMemory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Blocks []MemoryBlockRequest `json:"blocks"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Blocks) > maxBulkBlocks {
		g.sendJSONError(w, http.StatusBadRequest, "too many blocks")
		return
	}

	blocks := make([]*store.MemoryBlock, 0, len(req.Blocks))
	for _, b := range req.Blocks {
		block, err := g.toMemoryBlock(b)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		blocks = append(blocks, block)
	}

	for _, b := range blocks {
		if err := g.store.UpsertMemoryBlock(r.Context(), b); err != nil {
			g.storeError(w, err, "memory")
			return
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]int{"written": len(blocks)})
}

// handleMemoryContext renders memory the way a turn would see it
func (g *Gateway) handleMemoryContext(w http.ResponseWriter, r *http.Request) {
	labels := queryLabels(r)
	if len(labels) == 0 {
		labels = g.config.Memory.Labels
	}

	snap, err := g.orchestrator.Memory().Load(r.Context(), g.agentID(r.URL.Query().Get("agent_id")), labels)
	if err != nil {
		if errors.Is(err, memory.ErrDegraded) {
			g.logger.Warn("memory context unavailable", "error", err)
			g.sendJSONError(w, http.StatusServiceUnavailable, "memory unavailable")
			return
		}
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := map[string]any{
		"context": snap.Context,
		"labels":  snap.Labels,
		"blocks":  snap.Blocks,
	}
	if r.URL.Query().Get("format") == "html" {
		html, err := memory.RenderHTML(snap.Context)
		if err != nil {
			g.logger.Error("failed to render memory html", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		resp["html"] = html
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleSearchMemory(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		g.sendJSONError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	blocks, err := g.store.SearchMemoryBlocks(r.Context(), g.agentID(r.URL.Query().Get("agent_id")), q, limit)
	if err != nil {
		g.storeError(w, err, "memory")
		return
	}

	out := make([]MemoryBlockResponse, len(blocks))
	for i, b := range blocks {
		out[i] = toMemoryBlockResponse(b)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"blocks": out})
}

func (g *Gateway) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := g.store.ListCaptures(r.Context(), g.agentID(r.URL.Query().Get("agent_id")), limit)
	if err != nil {
		g.storeError(w, err, "captures")
		return
	}

	out := make([]CaptureResponse, len(recs))
	for i, c := range recs {
		out[i] = CaptureResponse{
			ID:             c.ID,
			ConversationID: c.ConversationID,
			TurnNumber:     c.TurnNumber,
			SessionID:      c.SessionID,
			Status:         string(c.Status),
			Partial:        c.Partial,
			CreatedAt:      c.CreatedAt,
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"captures": out,
		"queue":    g.orchestrator.CaptureStats(),
	})
}

func (g *Gateway) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	b, err := g.store.GetMemoryBlock(r.Context(), g.agentID(r.URL.Query().Get("agent_id")), r.PathValue("label"), r.PathValue("key"))
	if err != nil {
		g.storeError(w, err, "memory block")
		return
	}
	g.writeJSON(w, http.StatusOK, toMemoryBlockResponse(b))
}

func (g *Gateway) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	err := g.store.DeleteMemoryBlock(r.Context(), g.agentID(r.URL.Query().Get("agent_id")), r.PathValue("label"), r.PathValue("key"))
	if err != nil {
		g.storeError(w, err, "memory block")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
