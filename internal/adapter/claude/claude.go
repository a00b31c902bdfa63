// ABOUTME: Runtime backed by the Anthropic Messages API with streamed text and thinking deltas
// ABOUTME: The API is stateless so session history lives in a transcript book

package claude

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/2389/hearth/internal/adapter"
)

// DefaultModel is used when Options.Model is empty
const DefaultModel = anthropic.ModelClaude3_5Sonnet20241022

// Options configures the Anthropic runtime
type Options struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	// System is prepended to the memory context in the system prompt
	System      string
	Transcripts *adapter.Transcripts
	Logger      *slog.Logger
}

// Adapter streams turns through the Anthropic Messages API
type Adapter struct {
	client      *anthropic.Client
	opts        Options
	transcripts *adapter.Transcripts
	logger      *slog.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates an Anthropic runtime
func New(opts Options) *Adapter {
	if opts.Model == "" {
		opts.Model = string(DefaultModel)
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.Transcripts == nil {
		opts.Transcripts = adapter.NewTranscripts(0, nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Adapter{
		client:      &client,
		opts:        opts,
		transcripts: opts.Transcripts,
		logger:      opts.Logger.With("component", "adapter", "runtime", "anthropic"),
	}
}

// Invoke starts a streamed Messages request for the session's history plus req.Message
func (a *Adapter) Invoke(ctx context.Context, req adapter.InvokeRequest) (*adapter.Execution, error) {
	sessionID, history, resumed, err := a.transcripts.Begin(ctx, req)
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.opts.Model),
		MaxTokens: a.opts.MaxTokens,
		Messages:  buildMessages(history, req.Message),
	}
	if system := adapter.SystemPrompt(a.opts.System, req.MemoryContext); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	ch := make(chan adapter.Signal, 32)
	go a.run(ctx, sessionID, req.Message, params, ch)

	a.logger.Debug("invoked", "session_id", sessionID, "resumed", resumed, "history", len(history))
	return &adapter.Execution{SessionID: sessionID, Resumed: resumed, Signals: ch}, nil
}

func (a *Adapter) run(ctx context.Context, sessionID, message string, params anthropic.MessageNewParams, ch chan<- adapter.Signal) {
	defer close(ch)

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		acc  anthropic.Message
		text strings.Builder
	)
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			adapter.Send(ctx, ch, adapter.Failed(fmt.Errorf("accumulating anthropic stream: %w", err)))
			return
		}

		ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		var sig adapter.Signal
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			text.WriteString(delta.Text)
			sig = adapter.Text(delta.Text)
		case anthropic.ThinkingDelta:
			sig = adapter.Thinking(delta.Thinking)
		default:
			continue
		}
		if !adapter.Send(ctx, ch, sig) {
			return
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		adapter.Send(ctx, ch, adapter.Failed(fmt.Errorf("anthropic stream: %w", err)))
		return
	}

	reply := text.String()
	a.transcripts.Append(sessionID,
		adapter.Message{Role: adapter.RoleUser, Content: message},
		adapter.Message{Role: adapter.RoleAssistant, Content: reply},
	)

	adapter.Send(ctx, ch, adapter.Signal{Kind: adapter.SignalResult, Result: &adapter.Result{
		Text:         reply,
		StopReason:   string(acc.StopReason),
		InputTokens:  acc.Usage.InputTokens,
		OutputTokens: acc.Usage.OutputTokens,
	}})
}

func buildMessages(history []adapter.Message, message string) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == adapter.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	return append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(message)))
}
