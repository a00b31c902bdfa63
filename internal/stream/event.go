// ABOUTME: Wire event vocabulary for a turn's stream and the payload carried by each type
// ABOUTME: Events are write-once and ordered by Seq within a turn

package stream

import (
	"encoding/json"
	"time"
)

// Type names a stream event on the wire
type Type string

const (
	TypeConversationID Type = "conversation_id"
	TypeSessionID      Type = "session_id"
	TypeThinkingStart  Type = "thinking_start"
	TypeThinkingDelta  Type = "thinking_delta"
	TypeThinkingStop   Type = "thinking_stop"
	TypeContentDelta   Type = "content_delta"
	TypeToolUseStart   Type = "tool_use_start"
	TypeToolResult     Type = "tool_result"
	TypeToolUseStop    Type = "tool_use_stop"
	TypeResult         Type = "result"
	TypeDone           Type = "done"
	TypeError          Type = "error"
)

// Terminal reports whether t ends a turn
func (t Type) Terminal() bool {
	return t == TypeDone || t == TypeError
}

// Event is one emitted unit of a turn's stream
type Event struct {
	Seq  int             `json:"seq"`
	Type Type            `json:"event"`
	Data json.RawMessage `json:"data"`
	At   time.Time       `json:"at"`
}

// Error codes carried by terminal error events
const (
	CodeSessionNotFound = "session_not_found"
	CodeAdapterError    = "adapter_error"
	CodeCancelled       = "cancelled"
	CodeInternal        = "internal"
)

// ConversationPayload is the data of a conversation_id event
type ConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

// SessionPayload is the data of a session_id event
type SessionPayload struct {
	SessionID    string   `json:"session_id"`
	IsFork       bool     `json:"is_fork"`
	Resumed      bool     `json:"resumed"`
	AgentID      string   `json:"agent_id,omitempty"`
	MemoryBlocks []string `json:"memory_blocks,omitempty"`
}

// ThinkingPayload is the data of a thinking_start event
type ThinkingPayload struct {
	Message string `json:"message"`
}

// TextPayload is the data of content_delta and thinking_delta events
type TextPayload struct {
	Text string `json:"text"`
}

// ToolUsePayload is the data of a tool_use_start event
type ToolUsePayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
}

// ToolResultPayload is the data of a tool_result event
type ToolResultPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// ToolCall describes a tool call when its bracket closes
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Status string          `json:"status"` // completed, failed or abandoned
}

// ToolStopPayload is the data of a tool_use_stop event
type ToolStopPayload struct {
	ToolCall ToolCall `json:"tool_call"`
}

// Usage is token accounting reported by the runtime
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ResultPayload is the data of a result event. The last one before done is authoritative.
type ResultPayload struct {
	Text       string `json:"text"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
}

// DonePayload is the data of a done event
type DonePayload struct {
	TurnID     int    `json:"turn_id"`
	Status     string `json:"status"`
	StopReason string `json:"stop_reason,omitempty"`
}

// ErrorPayload is the data of an error event
type ErrorPayload struct {
	Code  string `json:"code"`
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}
