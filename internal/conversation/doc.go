// Package conversation is the orchestrator that runs conversation turns.
//
// # Overview
//
// A turn is one user message answered by the execution runtime. The
// Service admits it, resolves which runtime session to use, loads agent
// memory, invokes the runtime, encodes what it produces as an ordered event
// stream, persists the turn and queues a memory capture:
//
//	svc := conversation.New(store, runtime, gateway, conversation.Options{})
//	h, err := svc.Submit(ctx, conversation.TurnRequest{Message: "hi"})
//	for ev := range h.Events { ... }
//
// # Admission
//
// Submit rejects a turn before any event is produced when the message is
// empty, the idempotency key was already used, the conversation already has
// a turn in flight, or the service is shutting down. Rejections are errors
// that callers map to their transport: ErrEmptyMessage, ErrDuplicateRequest,
// ErrConversationBusy and ErrShuttingDown.
//
// # Lifecycle
//
// Each admitted turn moves through Received, Resolving, MemoryLoading,
// Executing, Persisting and Complete. Every stream has exactly one terminal
// event, done or error, and it is always last. The terminal event is
// delivered only after the turn is persisted, so a client that reads done can
// immediately send its next turn and see the new session.
//
// Memory failures degrade to an empty context. A resume target the runtime
// does not know ends the turn with session_not_found and persists nothing.
// Runtime failures and cancellations are persisted as failed or cancelled
// turns; cancelled turns keep their partial response.
//
// # Observers
//
// Subscribe follows a conversation's live events through the
// EventBroadcaster. Observers that fall behind lose events; the turn never
// waits for them.
package conversation
