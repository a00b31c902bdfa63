// ABOUTME: Contract between the orchestrator and an external execution runtime
// ABOUTME: Runtimes report progress as Signals on a channel that closes when the turn ends

package adapter

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrSessionNotFound is returned by Invoke when an explicit resume target is unknown
var ErrSessionNotFound = errors.New("session not found")

// Adapter is an execution runtime. Invoke must return ErrSessionNotFound
// synchronously for unknown resume targets. Cancelling ctx aborts the
// execution on a best-effort basis; the Signals channel is closed either way.
type Adapter interface {
	Invoke(ctx context.Context, req InvokeRequest) (*Execution, error)
}

// InvokeRequest carries everything one execution needs. An empty SessionID
// asks the runtime for a new session.
type InvokeRequest struct {
	ConversationID string
	AgentID        string
	SessionID      string
	MemoryContext  string
	Message        string
	ToolsEnabled   bool
}

// Execution is a running invocation. SessionID is the session the runtime
// is using, which is newly assigned when the request carried none.
type Execution struct {
	SessionID string
	Resumed   bool
	Signals   <-chan Signal
}

// SignalKind indicates the type of progress signal.
type SignalKind int

const (
	SignalThinking SignalKind = iota
	SignalText
	SignalToolUse
	SignalToolResult
	SignalResult
	SignalError
)

func (k SignalKind) String() string {
	switch k {
	case SignalThinking:
		return "thinking"
	case SignalText:
		return "text"
	case SignalToolUse:
		return "tool_use"
	case SignalToolResult:
		return "tool_result"
	case SignalResult:
		return "result"
	case SignalError:
		return "error"
	}
	return "unknown"
}

// Signal is one progress report from the runtime.
type Signal struct {
	Kind       SignalKind
	Text       string // thinking or output text
	ToolUse    *ToolUse
	ToolResult *ToolResult
	Result     *Result
	Err        error
}

// ToolUse represents a tool invocation by the runtime.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult represents the result of a tool invocation.
type ToolResult struct {
	ID      string
	Content string
	IsError bool
}

// Result is the materialized output of an execution.
type Result struct {
	Text         string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// Thinking builds a thinking signal
func Thinking(text string) Signal { return Signal{Kind: SignalThinking, Text: text} }

// Text builds an output text signal
func Text(text string) Signal { return Signal{Kind: SignalText, Text: text} }

// Failed builds an error signal
func Failed(err error) Signal { return Signal{Kind: SignalError, Err: err} }

// Send delivers sig unless ctx is done first. It reports whether the signal was sent.
func Send(ctx context.Context, ch chan<- Signal, sig Signal) bool {
	select {
	case ch <- sig:
		return true
	case <-ctx.Done():
		return false
	}
}

// SystemPrompt joins a runtime's base instructions with the memory context
func SystemPrompt(base, memoryContext string) string {
	switch {
	case memoryContext == "":
		return base
	case base == "":
		return "<memory>\n" + memoryContext + "\n</memory>"
	}
	return base + "\n\n<memory>\n" + memoryContext + "\n</memory>"
}
