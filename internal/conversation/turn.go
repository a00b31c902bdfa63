// ABOUTME: Per-turn lifecycle: Received, Resolving, MemoryLoading, Executing, Persisting, Complete
// ABOUTME: The turn is persisted before its terminal event reaches the client

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/2389/hearth/internal/adapter"
	"github.com/2389/hearth/internal/lock"
	"github.com/2389/hearth/internal/memory"
	"github.com/2389/hearth/internal/metrics"
	"github.com/2389/hearth/internal/session"
	"github.com/2389/hearth/internal/store"
	"github.com/2389/hearth/internal/stream"
	"github.com/2389/hearth/internal/tracing"
)

// Phase is a step of the turn lifecycle
type Phase string

const (
	PhaseReceived      Phase = "received"
	PhaseResolving     Phase = "resolving"
	PhaseMemoryLoading Phase = "memory_loading"
	PhaseExecuting     Phase = "executing"
	PhasePersisting    Phase = "persisting"
	PhaseComplete      Phase = "complete"
)

var errNoResult = errors.New("runtime ended without a result")

// turn is the state of one admitted turn
type turn struct {
	req            TurnRequest
	conversationID string
	agentID        string
	number         int

	client      context.Context
	events      chan stream.Event
	lease       *lock.Lease
	broadcaster *EventBroadcaster
	started     time.Time
}

// emit delivers to the caller unless it has gone away, and to live observers
func (t *turn) emit(ev stream.Event) {
	t.broadcaster.Publish(LiveEvent{ConversationID: t.conversationID, Turn: t.number, Event: ev})
	select {
	case t.events <- ev:
	case <-t.client.Done():
	}
}

// outcome is how execution ended
type outcome struct {
	status    store.TurnStatus
	sessionID string
	binding   store.SessionBinding
	err       error
}

func phase(ctx context.Context, p Phase, attrs ...attribute.KeyValue) {
	tracing.Phase(ctx, string(p), attrs...)
}

func (s *Service) run(t *turn) {
	ctx, cancel := context.WithTimeout(t.client, s.opts.TurnTimeout)
	defer cancel()
	ctx, unbind := t.lease.Bind(ctx)
	defer unbind()
	ctx, span := tracing.StartTurn(ctx, t.conversationID, t.agentID)
	defer span.End()

	metrics.TurnsInFlight.Inc()
	defer metrics.TurnsInFlight.Dec()

	logger := s.logger.With("conversation_id", t.conversationID, "agent_id", t.agentID)
	enc := stream.NewEncoder(t.emit, logger)

	phase(ctx, PhaseReceived)
	if err := enc.Echo(t.conversationID); err != nil {
		s.abort(ctx, t, enc, logger, failureCode(ctx), err)
		return
	}

	phase(ctx, PhaseResolving)
	res, err := s.resolver.Resolve(ctx, t.conversationID, t.req.SessionID)
	if err != nil {
		s.abort(ctx, t, enc, logger, failureCode(ctx), err)
		return
	}
	t.number = res.NextTurn

	phase(ctx, PhaseMemoryLoading)
	var snap memory.Snapshot
	if t.req.includeMemory() {
		snap = s.memory.Retrieve(ctx, t.agentID, t.req.MemoryLabels)
	}

	phase(ctx, PhaseExecuting, attribute.String("session.requested", t.req.SessionID.String()))
	execCtx, stopExec := context.WithCancel(ctx)
	defer stopExec()

	req := adapter.InvokeRequest{
		ConversationID: t.conversationID,
		AgentID:        t.agentID,
		SessionID:      res.SessionID,
		MemoryContext:  snap.Context,
		Message:        t.req.Message,
		ToolsEnabled:   t.req.ToolsEnabled,
	}
	exec, err := s.runtime.Invoke(execCtx, req)
	if errors.Is(err, adapter.ErrSessionNotFound) && !res.Explicit && res.SessionID != "" {
		// the stored binding is gone from the runtime; only caller-named sessions fail
		logger.Warn("runtime lost the current session, starting a new one", "session_id", res.SessionID)
		res.SessionID, res.IsFork = "", true
		req.SessionID = ""
		exec, err = s.runtime.Invoke(execCtx, req)
	}

	var out outcome
	switch {
	case errors.Is(err, adapter.ErrSessionNotFound):
		s.abort(ctx, t, enc, logger, stream.CodeSessionNotFound, fmt.Errorf("session %s: %w", res.SessionID, err))
		return
	case err != nil && ctx.Err() != nil:
		out = outcome{status: store.TurnCancelled, sessionID: res.SessionID, err: context.Cause(ctx)}
	case err != nil:
		out = outcome{status: store.TurnFailed, sessionID: res.SessionID, err: fmt.Errorf("invoking runtime: %w", err)}
	default:
		out = s.execute(ctx, enc, res, exec, snap, t.agentID)
		if out.status != store.TurnCompleted {
			stopExec()
		}
	}

	s.complete(ctx, t, enc, logger, res, out)
}

// execute confirms the session, announces it and streams the runtime's signals
func (s *Service) execute(ctx context.Context, enc *stream.Encoder, res *session.Resolution, exec *adapter.Execution, snap memory.Snapshot, agentID string) outcome {
	out := outcome{sessionID: exec.SessionID}

	binding, err := s.resolver.Confirm(res, exec.SessionID)
	if err != nil {
		out.status, out.err = store.TurnFailed, err
		return out
	}
	out.binding = binding

	if err := enc.Session(stream.SessionPayload{
		SessionID:    exec.SessionID,
		IsFork:       res.IsFork,
		Resumed:      exec.Resumed,
		AgentID:      agentID,
		MemoryBlocks: snap.Labels,
	}); err != nil {
		out.status, out.err = store.TurnFailed, err
		return out
	}
	if err := enc.StartThinking(""); err != nil {
		out.status, out.err = store.TurnFailed, err
		return out
	}

	out.status, out.err = consume(ctx, enc, exec.Signals)
	if out.status == store.TurnCompleted {
		if err := enc.Finish(); err != nil {
			out.status, out.err = store.TurnFailed, err
		}
	}
	return out
}

// consume applies signals until the runtime finishes, fails, or ctx ends
func consume(ctx context.Context, enc *stream.Encoder, signals <-chan adapter.Signal) (store.TurnStatus, error) {
	gotResult := false
	for {
		select {
		case <-ctx.Done():
			return store.TurnCancelled, context.Cause(ctx)

		case sig, ok := <-signals:
			if !ok {
				if ctx.Err() != nil {
					return store.TurnCancelled, context.Cause(ctx)
				}
				if !gotResult {
					return store.TurnFailed, errNoResult
				}
				return store.TurnCompleted, nil
			}

			if sig.Kind == adapter.SignalError {
				if sig.Err == nil {
					return store.TurnFailed, errors.New("runtime reported an error")
				}
				return store.TurnFailed, sig.Err
			}
			if err := enc.Apply(sig); err != nil {
				return store.TurnFailed, fmt.Errorf("encoding runtime signal: %w", err)
			}
			if sig.Kind == adapter.SignalResult {
				gotResult = true
				metrics.TokensTotal.WithLabelValues("input").Add(float64(sig.Result.InputTokens))
				metrics.TokensTotal.WithLabelValues("output").Add(float64(sig.Result.OutputTokens))
			}
		}
	}
}

// failureCode reports a pre-execution failure as cancelled when the turn's
// context ended, and as internal otherwise
func failureCode(ctx context.Context) string {
	if ctx.Err() != nil {
		return stream.CodeCancelled
	}
	return stream.CodeInternal
}

// abort ends a turn that never reached execution. Nothing is persisted.
func (s *Service) abort(ctx context.Context, t *turn, enc *stream.Encoder, logger *slog.Logger, code string, err error) {
	logger.Warn("turn aborted", "code", code, "error", err)
	tracing.Fail(ctx, code, err)

	if _, ferr := enc.Fail(stream.ErrorPayload{Code: code, Error: err.Error()}); ferr != nil {
		logger.Error("recording terminal event", "error", ferr)
	}
	t.lease.Release()
	if derr := enc.Deliver(); derr != nil {
		logger.Error("delivering terminal event", "error", derr)
	}

	phase(ctx, PhaseComplete)
	s.observe(t, code)
	s.writeStreamLog(t, "", code, enc)
}

// complete records the terminal event, persists the turn, releases the
// conversation, delivers the terminal event and queues the memory capture.
func (s *Service) complete(ctx context.Context, t *turn, enc *stream.Encoder, logger *slog.Logger, res *session.Resolution, out outcome) {
	label := string(out.status)

	var terminalErr error
	switch out.status {
	case store.TurnCompleted:
		p := stream.DonePayload{TurnID: res.NextTurn, Status: string(store.TurnCompleted)}
		if r := enc.Result(); r != nil {
			p.StopReason = r.StopReason
		}
		_, terminalErr = enc.Done(p)
	case store.TurnCancelled:
		tracing.Fail(ctx, stream.CodeCancelled, out.err)
		_, terminalErr = enc.Fail(stream.ErrorPayload{Code: stream.CodeCancelled, Error: out.err.Error()})
	default:
		tracing.Fail(ctx, stream.CodeAdapterError, out.err)
		_, terminalErr = enc.Fail(stream.ErrorPayload{Code: stream.CodeAdapterError, Error: out.err.Error()})
	}
	if terminalErr != nil {
		logger.Error("recording terminal event", "error", terminalErr)
	}

	phase(ctx, PhasePersisting)
	rec := &store.Turn{
		ConversationID: t.conversationID,
		Message:        t.req.Message,
		SessionID:      out.sessionID,
		Status:         out.status,
		Response:       enc.Response(),
		Partial:        out.status == store.TurnCancelled,
		Digest:         enc.Digest(),
		Events:         records(enc.Events()),
		StartedAt:      t.started,
		CompletedAt:    time.Now().UTC(),
	}
	if out.err != nil {
		rec.Error = out.err.Error()
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PersistTimeout)
	err := s.store.AppendTurn(persistCtx, t.agentID, rec, out.binding)
	cancel()

	if err != nil {
		logger.Error("persisting turn", "error", err)
		tracing.Fail(ctx, stream.CodeInternal, err)
		label = stream.CodeInternal
		if _, rerr := enc.Replace(stream.ErrorPayload{Code: stream.CodeInternal, Error: "persisting turn: " + err.Error()}); rerr != nil {
			logger.Error("replacing terminal event", "error", rerr)
		}
	} else if rec.Number != res.NextTurn {
		logger.Warn("turn number differs from announced", "announced", res.NextTurn, "stored", rec.Number)
	}

	t.lease.Release()
	if derr := enc.Deliver(); derr != nil {
		logger.Error("delivering terminal event", "error", derr)
	}
	phase(ctx, PhaseComplete, attribute.String("turn.status", label))

	logger.Info("turn complete",
		"turn", res.NextTurn,
		"session_id", out.sessionID,
		"status", label,
		"duration", time.Since(t.started).Round(time.Millisecond),
	)

	s.captures.Enqueue(memory.Capture{
		AgentID:        t.agentID,
		ConversationID: t.conversationID,
		SessionID:      out.sessionID,
		TurnNumber:     res.NextTurn,
		Status:         out.status,
		Partial:        rec.Partial,
		Message:        rec.Message,
		Response:       rec.Response,
		Error:          rec.Error,
		At:             rec.CompletedAt,
	})

	s.observe(t, label)
	s.writeStreamLog(t, out.sessionID, label, enc)
}

func (s *Service) observe(t *turn, label string) {
	metrics.TurnsTotal.WithLabelValues(label).Inc()
	metrics.TurnDuration.WithLabelValues(label).Observe(time.Since(t.started).Seconds())
}

func records(events []stream.Event) []store.EventRecord {
	out := make([]store.EventRecord, len(events))
	for i, ev := range events {
		out[i] = store.EventRecord{Seq: ev.Seq, Type: string(ev.Type), Data: ev.Data, At: ev.At}
	}
	return out
}

// Events converts persisted event records back to stream events
func Events(recs []store.EventRecord) []stream.Event {
	out := make([]stream.Event, len(recs))
	for i, r := range recs {
		out[i] = stream.Event{Seq: r.Seq, Type: stream.Type(r.Type), Data: r.Data, At: r.At}
	}
	return out
}

type streamLogEntry struct {
	ConversationID string         `json:"conversation_id"`
	Turn           int            `json:"turn"`
	SessionID      string         `json:"session_id,omitempty"`
	Status         string         `json:"status"`
	Digest         string         `json:"digest"`
	Events         []stream.Event `json:"events"`
}

// writeStreamLog appends the turn's event log as one JSON line
func (s *Service) writeStreamLog(t *turn, sessionID, status string, enc *stream.Encoder) {
	if s.opts.StreamLog == nil {
		return
	}
	entry := streamLogEntry{
		ConversationID: t.conversationID,
		Turn:           t.number,
		SessionID:      sessionID,
		Status:         status,
		Digest:         enc.Digest(),
		Events:         enc.Events(),
	}

	s.logMu.Lock()
	defer s.logMu.Unlock()
	if err := json.NewEncoder(s.opts.StreamLog).Encode(entry); err != nil {
		s.logger.Warn("writing stream log", "error", err)
	}
}
