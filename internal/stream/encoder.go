// ABOUTME: Turns adapter signals into an ordered, validated sequence of wire events
// ABOUTME: Drives the per-turn state machine and holds the terminal event until persistence

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/hearth/internal/adapter"
)

// ErrInvalidTransition is returned when an event is not valid in the current state
var ErrInvalidTransition = errors.New("invalid stream transition")

// ErrTerminated is returned for any emission after the terminal event
var ErrTerminated = errors.New("stream terminated")

// State is the encoder's position in a turn
type State int

const (
	StateIdle State = iota
	StateThinking
	StateStreaming
	StateToolActive
	StateCompleting // terminal event recorded, awaiting delivery
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateThinking:
		return "thinking"
	case StateStreaming:
		return "streaming"
	case StateToolActive:
		return "tool_active"
	case StateCompleting:
		return "completing"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Terminal reports whether no further events can be emitted or delivered
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// DefaultThinkingMessage is the thinking_start text when none is given
const DefaultThinkingMessage = "Thinking..."

// Emitter receives delivered events in emission order
type Emitter func(Event)

// Encoder is safe for concurrent use, though a turn normally drives it from one goroutine.
type Encoder struct {
	mu     sync.Mutex
	state  State
	seq    int
	log    []Event
	emit   Emitter
	now    func() time.Time
	logger *slog.Logger

	tools   []ToolCall // open tool calls, in start order
	held    []string   // output text held while a tool call is open
	text    strings.Builder
	result  *ResultPayload
	pending *Event
}

// NewEncoder creates an encoder that delivers events to emit. A nil logger uses slog.Default().
func NewEncoder(emit Emitter, logger *slog.Logger) *Encoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Encoder{
		emit:   emit,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "stream"),
	}
}

// next validates t against the current state and returns the state it leads to
func (e *Encoder) next(t Type) (State, error) {
	if e.state == StateCompleting || e.state.Terminal() {
		return e.state, fmt.Errorf("%w: %s after terminal event", ErrTerminated, t)
	}

	switch t {
	case TypeConversationID, TypeSessionID:
		if e.state == StateIdle {
			return StateIdle, nil
		}
	case TypeThinkingStart:
		if e.state == StateIdle || e.state == StateStreaming {
			return StateThinking, nil
		}
	case TypeThinkingDelta:
		if e.state == StateThinking {
			return StateThinking, nil
		}
	case TypeThinkingStop:
		if e.state == StateThinking {
			return StateStreaming, nil
		}
	case TypeContentDelta:
		if e.state == StateStreaming {
			return StateStreaming, nil
		}
	case TypeToolUseStart:
		if e.state == StateStreaming || e.state == StateToolActive {
			return StateToolActive, nil
		}
	case TypeToolResult:
		if e.state == StateToolActive {
			return StateToolActive, nil
		}
	case TypeToolUseStop:
		if e.state == StateToolActive {
			if len(e.tools) == 0 {
				return StateStreaming, nil
			}
			return StateToolActive, nil
		}
	case TypeResult:
		if e.state == StateStreaming || e.state == StateToolActive {
			return e.state, nil
		}
	case TypeDone, TypeError:
		return StateCompleting, nil
	}

	return e.state, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, t, e.state)
}

// push appends an event to the log and delivers it. Terminal events are
// recorded but held back until Deliver.
func (e *Encoder) push(t Type, payload any) (Event, error) {
	next, err := e.next(t)
	if err != nil {
		return Event{}, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s payload: %w", t, err)
	}

	e.seq++
	ev := Event{Seq: e.seq, Type: t, Data: data, At: e.now()}
	e.log = append(e.log, ev)
	e.state = next

	if t.Terminal() {
		e.pending = &ev
		return ev, nil
	}
	if e.emit != nil {
		e.emit(ev)
	}
	return ev, nil
}

// Echo emits the conversation_id event
func (e *Encoder) Echo(conversationID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.push(TypeConversationID, ConversationPayload{ConversationID: conversationID})
	return err
}

// Session emits the session_id event
func (e *Encoder) Session(p SessionPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.push(TypeSessionID, p)
	return err
}

// StartThinking opens the reasoning bracket
func (e *Encoder) StartThinking(message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if message == "" {
		message = DefaultThinkingMessage
	}
	_, err := e.push(TypeThinkingStart, ThinkingPayload{Message: message})
	return err
}

// enterOutput moves the encoder out of Idle or Thinking so output may follow
func (e *Encoder) enterOutput() error {
	if e.state == StateIdle {
		if _, err := e.push(TypeThinkingStart, ThinkingPayload{Message: DefaultThinkingMessage}); err != nil {
			return err
		}
	}
	if e.state == StateThinking {
		if _, err := e.push(TypeThinkingStop, struct{}{}); err != nil {
			return err
		}
	}
	return nil
}

// flushHeld emits text that arrived while tool calls were open
func (e *Encoder) flushHeld() error {
	held := e.held
	e.held = nil
	for _, text := range held {
		e.text.WriteString(text)
		if _, err := e.push(TypeContentDelta, TextPayload{Text: text}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) findTool(id string) int {
	for i, c := range e.tools {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// closeTool removes the call at i and emits its tool_use_stop
func (e *Encoder) closeTool(i int, status string) error {
	call := e.tools[i]
	call.Status = status
	e.tools = append(e.tools[:i], e.tools[i+1:]...)

	if _, err := e.push(TypeToolUseStop, ToolStopPayload{ToolCall: call}); err != nil {
		return err
	}
	if len(e.tools) == 0 {
		return e.flushHeld()
	}
	return nil
}

// Apply encodes one adapter signal. Error signals are not encodable; the
// caller ends the turn with Fail instead.
func (e *Encoder) Apply(sig adapter.Signal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch sig.Kind {
	case adapter.SignalThinking:
		switch e.state {
		case StateIdle, StateStreaming:
			if _, err := e.push(TypeThinkingStart, ThinkingPayload{Message: DefaultThinkingMessage}); err != nil {
				return err
			}
		case StateToolActive:
			e.logger.Debug("dropping thinking while a tool call is open")
			return nil
		}
		if sig.Text == "" {
			return nil
		}
		_, err := e.push(TypeThinkingDelta, TextPayload{Text: sig.Text})
		return err

	case adapter.SignalText:
		if err := e.enterOutput(); err != nil {
			return err
		}
		if sig.Text == "" {
			return nil
		}
		if e.state == StateToolActive {
			e.held = append(e.held, sig.Text)
			return nil
		}
		if _, err := e.push(TypeContentDelta, TextPayload{Text: sig.Text}); err != nil {
			return err
		}
		e.text.WriteString(sig.Text)
		return nil

	case adapter.SignalToolUse:
		if sig.ToolUse == nil {
			return fmt.Errorf("%w: tool_use signal without payload", ErrInvalidTransition)
		}
		if err := e.enterOutput(); err != nil {
			return err
		}
		if e.findTool(sig.ToolUse.ID) >= 0 {
			e.logger.Warn("ignoring duplicate tool call", "tool_call_id", sig.ToolUse.ID)
			return nil
		}
		call := ToolCall{ID: sig.ToolUse.ID, Name: sig.ToolUse.Name, Input: sig.ToolUse.Input, Status: "running"}
		if _, err := e.push(TypeToolUseStart, ToolUsePayload{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ToolInput:  call.Input,
		}); err != nil {
			return err
		}
		e.tools = append(e.tools, call)
		return nil

	case adapter.SignalToolResult:
		if sig.ToolResult == nil {
			return fmt.Errorf("%w: tool_result signal without payload", ErrInvalidTransition)
		}
		i := e.findTool(sig.ToolResult.ID)
		if i < 0 || e.state != StateToolActive {
			e.logger.Warn("dropping tool result for unknown call", "tool_use_id", sig.ToolResult.ID)
			return nil
		}
		if _, err := e.push(TypeToolResult, ToolResultPayload{
			ToolUseID: sig.ToolResult.ID,
			Content:   sig.ToolResult.Content,
			IsError:   sig.ToolResult.IsError,
		}); err != nil {
			return err
		}
		status := "completed"
		if sig.ToolResult.IsError {
			status = "failed"
		}
		return e.closeTool(i, status)

	case adapter.SignalResult:
		if sig.Result == nil {
			return fmt.Errorf("%w: result signal without payload", ErrInvalidTransition)
		}
		if err := e.enterOutput(); err != nil {
			return err
		}
		p := ResultPayload{Text: sig.Result.Text, StopReason: sig.Result.StopReason}
		if sig.Result.InputTokens > 0 || sig.Result.OutputTokens > 0 {
			p.Usage = &Usage{InputTokens: sig.Result.InputTokens, OutputTokens: sig.Result.OutputTokens}
		}
		if _, err := e.push(TypeResult, p); err != nil {
			return err
		}
		e.result = &p
		return nil
	}

	return fmt.Errorf("%w: %s signal cannot be encoded", ErrInvalidTransition, sig.Kind)
}

// Finish closes open brackets after the adapter has finished successfully.
// Tool calls that never produced a result are closed as abandoned.
func (e *Encoder) Finish() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enterOutput(); err != nil {
		return err
	}
	for len(e.tools) > 0 {
		if err := e.closeTool(0, "abandoned"); err != nil {
			return err
		}
	}
	return e.flushHeld()
}

// Done records the terminal success event. It is delivered by Deliver.
func (e *Encoder) Done(p DonePayload) (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.push(TypeDone, p)
}

// Fail records the terminal error event. It is delivered by Deliver.
func (e *Encoder) Fail(p ErrorPayload) (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.push(TypeError, p)
}

// Replace swaps a recorded but undelivered terminal event for an error.
// It keeps the sequence number, so nothing delivered is ever retracted.
func (e *Encoder) Replace(p ErrorPayload) (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateCompleting || e.pending == nil {
		return Event{}, fmt.Errorf("%w: no pending terminal event in state %s", ErrInvalidTransition, e.state)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return Event{}, fmt.Errorf("encoding error payload: %w", err)
	}
	ev := Event{Seq: e.pending.Seq, Type: TypeError, Data: data, At: e.now()}
	e.log[len(e.log)-1] = ev
	e.pending = &ev
	return ev, nil
}

// Deliver emits the recorded terminal event. Nothing can follow it.
func (e *Encoder) Deliver() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateCompleting || e.pending == nil {
		return fmt.Errorf("%w: nothing to deliver in state %s", ErrInvalidTransition, e.state)
	}

	ev := *e.pending
	e.pending = nil
	if ev.Type == TypeDone {
		e.state = StateDone
	} else {
		e.state = StateError
	}
	if e.emit != nil {
		e.emit(ev)
	}
	return nil
}

// State returns the current state
func (e *Encoder) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Events returns a copy of the full ordered log, including a pending terminal event
func (e *Encoder) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.log...)
}

// Digest fingerprints the log so a replay can be checked against it
func (e *Encoder) Digest() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return DigestOf(e.log)
}

// Response returns the output text produced so far, including held text
func (e *Encoder) Response() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text.String() + strings.Join(e.held, "")
}

// Result returns the last result payload, or nil if none was emitted
func (e *Encoder) Result() *ResultPayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.result == nil {
		return nil
	}
	r := *e.result
	return &r
}

// HasOutput reports whether any content or tool activity was emitted
func (e *Encoder) HasOutput() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text.Len() > 0 || len(e.held) > 0 || e.result != nil
}
