// ABOUTME: Deterministic local runtime that streams a reply built from the message and session history
// ABOUTME: Used by development configs and tests; keeps sessions in an in-process transcript book

package echo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hearth/internal/adapter"
)

// ToolPrefix makes the runtime call its echo tool when tools are enabled
const ToolPrefix = "/tool "

// Options configures the echo runtime
type Options struct {
	// ChunkWords is the number of words per text signal (default 3)
	ChunkWords int
	// Delay pauses between signals
	Delay time.Duration
	// Transcripts holds sessions; a private book is created when nil
	Transcripts *adapter.Transcripts
	Logger      *slog.Logger
}

// Adapter is the echo runtime
type Adapter struct {
	opts        Options
	transcripts *adapter.Transcripts
	logger      *slog.Logger

	mu     sync.Mutex
	inputs map[string][]adapter.InvokeRequest
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates an echo runtime
func New(opts Options) *Adapter {
	if opts.ChunkWords <= 0 {
		opts.ChunkWords = 3
	}
	if opts.Transcripts == nil {
		opts.Transcripts = adapter.NewTranscripts(0, nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Adapter{
		opts:        opts,
		transcripts: opts.Transcripts,
		logger:      opts.Logger.With("component", "adapter", "runtime", "echo"),
		inputs:      make(map[string][]adapter.InvokeRequest),
	}
}

// Invoke starts an execution. Unknown resume targets fail synchronously.
func (a *Adapter) Invoke(ctx context.Context, req adapter.InvokeRequest) (*adapter.Execution, error) {
	sessionID, history, resumed, err := a.transcripts.Begin(ctx, req)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.inputs[sessionID] = append(a.inputs[sessionID], req)
	a.mu.Unlock()

	ch := make(chan adapter.Signal, 16)
	go a.run(ctx, sessionID, history, req, ch)

	a.logger.Debug("invoked", "session_id", sessionID, "resumed", resumed, "history", len(history))
	return &adapter.Execution{SessionID: sessionID, Resumed: resumed, Signals: ch}, nil
}

func (a *Adapter) run(ctx context.Context, sessionID string, history []adapter.Message, req adapter.InvokeRequest, ch chan<- adapter.Signal) {
	defer close(ch)

	send := func(sig adapter.Signal) bool {
		if a.opts.Delay > 0 {
			select {
			case <-time.After(a.opts.Delay):
			case <-ctx.Done():
				return false
			}
		}
		return adapter.Send(ctx, ch, sig)
	}

	if !send(adapter.Thinking(fmt.Sprintf("history: %d messages, memory: %d bytes", len(history), len(req.MemoryContext)))) {
		return
	}

	if req.ToolsEnabled && strings.HasPrefix(req.Message, ToolPrefix) {
		arg := strings.TrimPrefix(req.Message, ToolPrefix)
		input, _ := json.Marshal(map[string]string{"text": arg})
		id := "toolu_" + uuid.New().String()[:8]
		if !send(adapter.Signal{Kind: adapter.SignalToolUse, ToolUse: &adapter.ToolUse{ID: id, Name: "echo", Input: input}}) {
			return
		}
		if !send(adapter.Signal{Kind: adapter.SignalToolResult, ToolResult: &adapter.ToolResult{ID: id, Content: arg}}) {
			return
		}
	}

	reply := Reply(history, req)
	words := strings.Fields(reply)
	for i := 0; i < len(words); i += a.opts.ChunkWords {
		end := min(i+a.opts.ChunkWords, len(words))
		chunk := strings.Join(words[i:end], " ")
		if end < len(words) {
			chunk += " "
		}
		if !send(adapter.Text(chunk)) {
			return
		}
	}

	a.transcripts.Append(sessionID,
		adapter.Message{Role: adapter.RoleUser, Content: req.Message},
		adapter.Message{Role: adapter.RoleAssistant, Content: reply},
	)

	send(adapter.Signal{Kind: adapter.SignalResult, Result: &adapter.Result{
		Text:         reply,
		StopReason:   "end_turn",
		InputTokens:  int64(len(strings.Fields(req.Message))),
		OutputTokens: int64(len(words)),
	}})
}

// Reply is the deterministic answer to req given the session history
func Reply(history []adapter.Message, req adapter.InvokeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You said: %s.", req.Message)
	for _, m := range history {
		if m.Role == adapter.RoleUser {
			fmt.Fprintf(&b, " Earlier you said: %s.", m.Content)
			break
		}
	}
	if req.MemoryContext != "" {
		b.WriteString(" I remember things about you.")
	}
	return b.String()
}

// Inputs returns every request a session has received, in order
func (a *Adapter) Inputs(sessionID string) []adapter.InvokeRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]adapter.InvokeRequest(nil), a.inputs[sessionID]...)
}

// History returns the transcript a session has accumulated
func (a *Adapter) History(sessionID string) []adapter.Message {
	return a.transcripts.History(sessionID)
}
