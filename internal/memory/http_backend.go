// ABOUTME: Memory backend for an externally hosted Letta-compatible memory service
// ABOUTME: Reads core memory blocks and forwards captured turns as agent messages

package memory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/2389/hearth/internal/store"
)

// HTTPBackend talks to a Letta-compatible memory server
type HTTPBackend struct {
	client *resty.Client
}

var _ Backend = (*HTTPBackend)(nil)

// HTTPOptions configures an HTTPBackend
type HTTPOptions struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// NewHTTPBackend creates a backend for the server at opts.BaseURL
func NewHTTPBackend(opts HTTPOptions) *HTTPBackend {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")
	if opts.Token != "" {
		client.SetAuthToken(opts.Token)
	}
	return &HTTPBackend{client: client}
}

type lettaBlock struct {
	ID          string            `json:"id"`
	Label       string            `json:"label"`
	Value       string            `json:"value"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type lettaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type lettaMessageRequest struct {
	Messages []lettaMessage `json:"messages"`
}

// Blocks lists the agent's core memory blocks. The server has one block per
// label, so each becomes a block keyed by its description, or its label.
func (b *HTTPBackend) Blocks(ctx context.Context, agentID string, labels []string) ([]*store.MemoryBlock, error) {
	var out []lettaBlock
	resp, err := b.client.R().
		SetContext(ctx).
		SetPathParam("agent", agentID).
		SetResult(&out).
		Get("/v1/agents/{agent}/core-memory/blocks")
	if err != nil {
		return nil, fmt.Errorf("fetching memory blocks: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetching memory blocks: status %d: %s", resp.StatusCode(), resp.String())
	}

	wanted := make(map[string]bool, len(labels))
	for _, l := range labels {
		wanted[l] = true
	}

	blocks := make([]*store.MemoryBlock, 0, len(out))
	for _, lb := range out {
		if len(wanted) > 0 && !wanted[lb.Label] {
			continue
		}
		key := lb.Description
		if key == "" {
			key = lb.Label
		}
		blocks = append(blocks, &store.MemoryBlock{
			AgentID:  agentID,
			Label:    lb.Label,
			Key:      key,
			Value:    lb.Value,
			Metadata: lb.Metadata,
		})
	}
	return blocks, nil
}

// Capture sends the finished turn to the agent as a system message so the
// server can update its memory.
func (b *HTTPBackend) Capture(ctx context.Context, c Capture) error {
	body := lettaMessageRequest{Messages: []lettaMessage{{
		Role:    "system",
		Content: fmt.Sprintf("[conversation %s] %s", c.ConversationID, Reflect(c)),
	}}}

	resp, err := b.client.R().
		SetContext(ctx).
		SetPathParam("agent", c.AgentID).
		SetBody(body).
		Post("/v1/agents/{agent}/messages")
	if err != nil {
		return fmt.Errorf("sending capture: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sending capture: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
