// ABOUTME: Orchestrator service: admits turns, one per conversation at a time, and runs them to persisted history
// ABOUTME: Owns the capture queue so shutdown can drain or abandon pending memory writes

package conversation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hearth/internal/adapter"
	"github.com/2389/hearth/internal/dedupe"
	"github.com/2389/hearth/internal/lock"
	"github.com/2389/hearth/internal/memory"
	"github.com/2389/hearth/internal/metrics"
	"github.com/2389/hearth/internal/session"
	"github.com/2389/hearth/internal/store"
	"github.com/2389/hearth/internal/stream"
)

var (
	// ErrConversationBusy is returned when the conversation already has a turn in flight
	ErrConversationBusy = errors.New("conversation busy")
	// ErrDuplicateRequest is returned when an idempotency key was already used
	ErrDuplicateRequest = errors.New("duplicate request")
	// ErrEmptyMessage is returned for a turn without message text
	ErrEmptyMessage = errors.New("message is required")
	// ErrShuttingDown is returned for turns submitted during shutdown
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// DefaultAgentID is used when neither the request nor Options name an agent
const DefaultAgentID = "default"

// TurnRequest is one user message submitted to a conversation
type TurnRequest struct {
	Message        string
	ConversationID string // generated when empty
	SessionID      session.Requested
	AgentID        string
	MemoryLabels   []string
	IncludeMemory  *bool // nil means true
	ToolsEnabled   bool
	IdempotencyKey string
}

func (r TurnRequest) includeMemory() bool {
	return r.IncludeMemory == nil || *r.IncludeMemory
}

// TurnHandle is an admitted turn. Events closes after the terminal event.
type TurnHandle struct {
	ConversationID string
	Events         <-chan stream.Event
}

// Options configures a Service
type Options struct {
	AgentID        string
	TurnTimeout    time.Duration // default 10m
	PersistTimeout time.Duration // default 5s
	EventBuffer    int           // default 256
	Locker         lock.Locker   // default lock.NewLocal()
	Idempotency    *dedupe.Cache
	Broadcaster    *EventBroadcaster
	StreamLog      io.Writer
	Capture        memory.QueueOptions
	Logger         *slog.Logger
}

// Service is the orchestrator
type Service struct {
	store    store.Store
	runtime  adapter.Adapter
	memory   *memory.Gateway
	resolver *session.Resolver
	captures *memory.CaptureQueue
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	closing bool
	turns   sync.WaitGroup

	logMu sync.Mutex
}

// New creates the orchestrator over a store, an execution runtime and a memory gateway
func New(st store.Store, runtime adapter.Adapter, mem *memory.Gateway, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.AgentID = cmp.Or(opts.AgentID, DefaultAgentID)
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 10 * time.Minute
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = NewEventBroadcaster(opts.Logger)
	}
	if opts.Capture.Logger == nil {
		opts.Capture.Logger = opts.Logger
	}

	return &Service{
		store:    st,
		runtime:  runtime,
		memory:   mem,
		resolver: session.NewResolver(st, opts.Logger),
		captures: memory.NewCaptureQueue(mem.Backend(), opts.Capture),
		opts:     opts,
		logger:   opts.Logger.With("component", "orchestrator"),
	}
}

// Submit admits a turn and starts it. Validation, busy and duplicate
// rejections are returned before any event is produced. The turn runs until
// it finishes, times out, or ctx is cancelled.
func (s *Service) Submit(ctx context.Context, req TurnRequest) (*TurnHandle, error) {
	if strings.TrimSpace(req.Message) == "" {
		metrics.TurnsRejected.WithLabelValues("invalid").Inc()
		return nil, ErrEmptyMessage
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	agentID := cmp.Or(req.AgentID, s.opts.AgentID)

	release := func() {}
	if req.IdempotencyKey != "" && s.opts.Idempotency != nil {
		if prev, dup := s.opts.Idempotency.Claim(req.IdempotencyKey, conversationID); dup {
			metrics.TurnsRejected.WithLabelValues("duplicate").Inc()
			return nil, fmt.Errorf("%w: key already used for conversation %s", ErrDuplicateRequest, prev)
		}
		release = func() { s.opts.Idempotency.Release(req.IdempotencyKey) }
	}

	lease, err := s.opts.Locker.TryLock(ctx, conversationID)
	if err != nil {
		release()
		if errors.Is(err, lock.ErrLocked) {
			metrics.TurnsRejected.WithLabelValues("busy").Inc()
			return nil, fmt.Errorf("%w: %s", ErrConversationBusy, conversationID)
		}
		return nil, fmt.Errorf("locking conversation: %w", err)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		lease.Release()
		release()
		return nil, ErrShuttingDown
	}
	s.turns.Add(1)
	s.mu.Unlock()

	events := make(chan stream.Event, s.opts.EventBuffer)
	t := &turn{
		req:            req,
		conversationID: conversationID,
		agentID:        agentID,
		client:         ctx,
		events:         events,
		lease:          lease,
		broadcaster:    s.opts.Broadcaster,
		started:        time.Now().UTC(),
	}

	go func() {
		defer s.turns.Done()
		defer lease.Release()
		defer close(events)
		s.run(t)
	}()

	return &TurnHandle{ConversationID: conversationID, Events: events}, nil
}

// Conversation returns one conversation
func (s *Service) Conversation(ctx context.Context, id string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// Conversations lists conversations, most recently updated first
func (s *Service) Conversations(ctx context.Context, opts store.ListOptions) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, opts)
}

// History returns a conversation's turns in order
func (s *Service) History(ctx context.Context, conversationID string, opts store.ListOptions) ([]*store.Turn, error) {
	return s.store.ListTurns(ctx, conversationID, opts)
}

// Turn returns one turn with its events
func (s *Service) Turn(ctx context.Context, conversationID string, number int) (*store.Turn, error) {
	return s.store.GetTurn(ctx, conversationID, number)
}

// Sessions returns a conversation's session history
func (s *Service) Sessions(ctx context.Context, conversationID string) ([]*store.Session, error) {
	return s.store.ListSessions(ctx, conversationID)
}

// Delete removes a conversation. A conversation with a turn in flight is busy.
func (s *Service) Delete(ctx context.Context, conversationID string) error {
	lease, err := s.opts.Locker.TryLock(ctx, conversationID)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("%w: %s", ErrConversationBusy, conversationID)
		}
		return fmt.Errorf("locking conversation: %w", err)
	}
	defer lease.Release()
	return s.store.DeleteConversation(ctx, conversationID)
}

// Subscribe follows a conversation's live turn events until ctx is cancelled
func (s *Service) Subscribe(ctx context.Context, conversationID string) <-chan LiveEvent {
	ch, _ := s.opts.Broadcaster.Subscribe(ctx, conversationID)
	return ch
}

// Memory returns the memory gateway
func (s *Service) Memory() *memory.Gateway { return s.memory }

// CaptureStats reports capture queue outcomes
func (s *Service) CaptureStats() memory.QueueStats { return s.captures.Stats() }

// Ready reports whether new turns are admitted
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closing
}

// Shutdown stops admitting turns, waits for in-flight turns, then drains
// the capture queue. Whatever is still pending when ctx ends is abandoned.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.turns.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for in-flight turns: %w", ctx.Err()))
	}

	if err := s.captures.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("draining captures: %w", err))
	}
	s.opts.Broadcaster.Close()

	stats := s.captures.Stats()
	s.logger.Info("orchestrator stopped",
		"captures_stored", stats.Stored,
		"captures_lost", stats.Lost,
		"captures_dropped", stats.Dropped,
		"captures_abandoned", stats.Abandoned,
	)
	return errors.Join(errs...)
}
