// ABOUTME: HTTP client for the hearth API built on resty
// ABOUTME: Turn submission returns a stream reader over the server-sent events

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/2389/hearth/internal/session"
	"github.com/2389/hearth/internal/stream"
)

// defaultTimeout bounds non-streaming requests
const defaultTimeout = 30 * time.Second

// APIError is a non-2xx answer from the server
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hearth: status %d: %s", e.Status, e.Message)
}

// IsConflict reports whether err is a busy or duplicate rejection
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// TurnRequest is one message to submit. SessionID follows the server's
// rules: omitted resumes, session.Null() forks, an ID resumes that session.
type TurnRequest struct {
	Message        string            `json:"message"`
	ConversationID string            `json:"conversation_id,omitempty"`
	SessionID      session.Requested `json:"session_id,omitzero"`
	AgentID        string            `json:"agent_id,omitempty"`
	MemoryLabels   []string          `json:"memory_labels,omitempty"`
	IncludeMemory  *bool             `json:"include_memory,omitempty"`
	ToolsEnabled   bool              `json:"tools_enabled,omitempty"`
}

// Conversation is a conversation summary
type Conversation struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agent_id"`
	Title            string    `json:"title"`
	CurrentSessionID string    `json:"current_session_id"`
	TurnCount        int       `json:"turn_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Turn is a persisted turn. Events is only filled by Client.Turn.
type Turn struct {
	Number      int            `json:"number"`
	Message     string         `json:"message"`
	SessionID   string         `json:"session_id"`
	Status      string         `json:"status"`
	Response    string         `json:"response"`
	Error       string         `json:"error"`
	Partial     bool           `json:"partial"`
	Digest      string         `json:"digest"`
	Events      []stream.Event `json:"events"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Session is one runtime session of a conversation
type Session struct {
	ID         string    `json:"id"`
	ForkedFrom string    `json:"forked_from"`
	Current    bool      `json:"current"`
	CreatedAt  time.Time `json:"created_at"`
}

// Client talks to one hearth server
type Client struct {
	http    *resty.Client
	timeout time.Duration
}

// New creates a client for the server at baseURL
func New(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(baseURL, "/")).
			SetHeader("Accept", "application/json"),
		timeout: defaultTimeout,
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// get decodes a JSON response into out
func (c *Client) get(ctx context.Context, path string, query map[string]string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var e errorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(out).
		SetError(&e).
		Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.IsError() {
		return &APIError{Status: resp.StatusCode(), Message: e.Error}
	}
	return nil
}

func listQuery(limit, offset int) map[string]string {
	q := map[string]string{}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	if offset > 0 {
		q["offset"] = strconv.Itoa(offset)
	}
	return q
}

// Conversations lists conversations, most recently updated first
func (c *Client) Conversations(ctx context.Context, limit, offset int) ([]Conversation, error) {
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.get(ctx, "/api/conversations", listQuery(limit, offset), &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Turns lists a conversation's turns in order
func (c *Client) Turns(ctx context.Context, conversationID string, limit, offset int) ([]Turn, error) {
	var out struct {
		Turns []Turn `json:"turns"`
	}
	if err := c.get(ctx, "/api/conversations/"+conversationID+"/turns", listQuery(limit, offset), &out); err != nil {
		return nil, err
	}
	return out.Turns, nil
}

// Turn returns one turn with its persisted events
func (c *Client) Turn(ctx context.Context, conversationID string, number int) (*Turn, error) {
	var out Turn
	path := fmt.Sprintf("/api/conversations/%s/turns/%d", conversationID, number)
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sessions lists a conversation's sessions
func (c *Client) Sessions(ctx context.Context, conversationID string) ([]Session, error) {
	var out struct {
		Sessions []Session `json:"sessions"`
	}
	if err := c.get(ctx, "/api/conversations/"+conversationID+"/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Ready returns nil when the server admits turns
func (c *Client) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.http.R().SetContext(ctx).Get("/health/ready")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.IsError() {
		return &APIError{Status: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
	}
	return nil
}

// Submit sends a turn. The returned stream must be closed. An empty
// idempotencyKey sends none.
func (c *Client) Submit(ctx context.Context, req TurnRequest, idempotencyKey string) (*TurnStream, error) {
	r := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetDoNotParseResponse(true)
	if idempotencyKey != "" {
		r.SetHeader("Idempotency-Key", idempotencyKey)
	}

	resp, err := r.Post("/api/turns")
	if err != nil {
		return nil, fmt.Errorf("submitting turn: %w", err)
	}
	body := resp.RawBody()

	if resp.StatusCode() != http.StatusOK {
		defer body.Close()
		var e errorBody
		_ = json.NewDecoder(io.LimitReader(body, 64<<10)).Decode(&e)
		return nil, &APIError{Status: resp.StatusCode(), Message: e.Error}
	}

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	return &TurnStream{
		ConversationID: resp.Header().Get("X-Conversation-Id"),
		body:           body,
		scanner:        sc,
	}, nil
}

// TurnStream reads a turn's events from the response body
type TurnStream struct {
	ConversationID string

	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

// Next returns the next event, or io.EOF after the terminal event
func (s *TurnStream) Next() (stream.Event, error) {
	if s.done {
		return stream.Event{}, io.EOF
	}

	var (
		ev      stream.Event
		hasData bool
	)
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if !hasData {
				continue
			}
			if ev.Type.Terminal() {
				s.done = true
			}
			return ev, nil
		case strings.HasPrefix(line, "event: "):
			ev.Type = stream.Type(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "id: "):
			seq, err := strconv.Atoi(strings.TrimPrefix(line, "id: "))
			if err != nil {
				return stream.Event{}, fmt.Errorf("bad event id %q: %w", line, err)
			}
			ev.Seq = seq
		case strings.HasPrefix(line, "data: "):
			ev.Data = json.RawMessage(strings.TrimPrefix(line, "data: "))
			hasData = true
		}
	}
	if err := s.scanner.Err(); err != nil {
		return stream.Event{}, fmt.Errorf("reading turn stream: %w", err)
	}
	return stream.Event{}, io.ErrUnexpectedEOF
}

// Close releases the connection. Closing before the terminal event
// disconnects, which cancels the turn on the server.
func (s *TurnStream) Close() error {
	return s.body.Close()
}
