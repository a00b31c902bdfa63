// ABOUTME: Runtime backed by the OpenAI Chat Completions API with streamed content deltas
// ABOUTME: Works with any compatible endpoint via BaseURL; history lives in a transcript book

package openaichat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/2389/hearth/internal/adapter"
)

// Options configures the chat completions runtime
type Options struct {
	APIKey              string
	BaseURL             string
	Model               string
	MaxCompletionTokens int64
	// System is prepended to the memory context in the system message
	System      string
	Transcripts *adapter.Transcripts
	Logger      *slog.Logger
}

// Adapter streams turns through the Chat Completions API
type Adapter struct {
	client      *openai.Client
	opts        Options
	transcripts *adapter.Transcripts
	logger      *slog.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates a chat completions runtime
func New(opts Options) *Adapter {
	if opts.Model == "" {
		opts.Model = openai.ChatModelGPT4oMini
	}
	if opts.MaxCompletionTokens <= 0 {
		opts.MaxCompletionTokens = 4096
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
	client := openai.NewClient(clientOpts...)

	return &Adapter{
		client:      &client,
		opts:        opts,
		transcripts: opts.Transcripts,
		logger:      opts.Logger.With("component", "adapter", "runtime", "openai"),
	}
}

// Invoke starts a streamed chat completion for the session's history plus req.Message
func (a *Adapter) Invoke(ctx context.Context, req adapter.InvokeRequest) (*adapter.Execution, error) {
	sessionID, history, resumed, err := a.transcripts.Begin(ctx, req)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:               a.opts.Model,
		Messages:            buildMessages(adapter.SystemPrompt(a.opts.System, req.MemoryContext), history, req.Message),
		MaxCompletionTokens: openai.Int(a.opts.MaxCompletionTokens),
	}

	ch := make(chan adapter.Signal, 32)
	go a.run(ctx, sessionID, req.Message, params, ch)

	a.logger.Debug("invoked", "session_id", sessionID, "resumed", resumed, "history", len(history))
	return &adapter.Execution{SessionID: sessionID, Resumed: resumed, Signals: ch}, nil
}

func (a *Adapter) run(ctx context.Context, sessionID, message string, params openai.ChatCompletionNewParams, ch chan<- adapter.Signal) {
	defer close(ch)

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		text         strings.Builder
		finishReason string
		inputTokens  int64
		outputTokens int64
	)
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			inputTokens = chunk.Usage.PromptTokens
			outputTokens = chunk.Usage.CompletionTokens
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
			if choice.Delta.Content == "" {
				continue
			}
			text.WriteString(choice.Delta.Content)
			if !adapter.Send(ctx, ch, adapter.Text(choice.Delta.Content)) {
				return
			}
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		adapter.Send(ctx, ch, adapter.Failed(fmt.Errorf("openai stream: %w", err)))
		return
	}

	reply := text.String()
	a.transcripts.Append(sessionID,
		adapter.Message{Role: adapter.RoleUser, Content: message},
		adapter.Message{Role: adapter.RoleAssistant, Content: reply},
	)

	adapter.Send(ctx, ch, adapter.Signal{Kind: adapter.SignalResult, Result: &adapter.Result{
		Text:         reply,
		StopReason:   finishReason,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}})
}

func buildMessages(system string, history []adapter.Message, message string) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, m := range history {
		if m.Role == adapter.RoleAssistant {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	return append(messages, openai.UserMessage(message))
}
