// ABOUTME: Bounded asynchronous capture queue with retrying workers
// ABOUTME: Overflow is dropped and counted; shutdown drains until its deadline then abandons the rest

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/2389/hearth/internal/metrics"
)

// QueueOptions configures a CaptureQueue
type QueueOptions struct {
	Size    int // default 256
	Workers int // default 2
	// Rate limits backend calls per second; zero means unlimited
	Rate  float64
	Burst int
	// InitialInterval and MaxElapsed shape the retry backoff
	InitialInterval time.Duration
	MaxElapsed      time.Duration
	// Timeout bounds a single backend call (default 10s)
	Timeout time.Duration
	Logger  *slog.Logger
}

// QueueStats is a snapshot of queue outcomes
type QueueStats struct {
	Stored    int64 `json:"stored"`
	Lost      int64 `json:"lost"`
	Dropped   int64 `json:"dropped"`
	Abandoned int64 `json:"abandoned"`
	Pending   int64 `json:"pending"`
}

// CaptureQueue hands captures to a Backend off the turn's critical path
type CaptureQueue struct {
	backend Backend
	opts    QueueOptions
	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan Capture

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stored, lost, dropped, abandoned atomic.Int64
}

// NewCaptureQueue creates a queue and starts its workers
func NewCaptureQueue(backend Backend, opts QueueOptions) *CaptureQueue {
	if opts.Size <= 0 {
		opts.Size = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	burst := max(opts.Burst, 1)

	ctx, cancel := context.WithCancel(context.Background())
	q := &CaptureQueue{
		backend: backend,
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		logger:  opts.Logger.With("component", "capture_queue"),
		ch:      make(chan Capture, opts.Size),
		ctx:     ctx,
		cancel:  cancel,
	}

	for range opts.Workers {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue schedules a capture. It never blocks; it reports false when the
// queue is full or shut down.
func (q *CaptureQueue) Enqueue(c Capture) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.drop(c, "queue closed")
		return false
	}
	select {
	case q.ch <- c:
		metrics.CaptureQueueDepth.Inc()
		return true
	default:
		q.drop(c, "queue full")
		return false
	}
}

func (q *CaptureQueue) drop(c Capture, reason string) {
	q.dropped.Add(1)
	metrics.CapturesTotal.WithLabelValues("dropped").Inc()
	q.logger.Warn("capture dropped",
		"reason", reason,
		"conversation_id", c.ConversationID,
		"turn", c.TurnNumber,
	)
}

func (q *CaptureQueue) worker() {
	defer q.wg.Done()
	for c := range q.ch {
		metrics.CaptureQueueDepth.Dec()
		if q.ctx.Err() != nil {
			q.abandon(c)
			continue
		}
		q.process(c)
	}
}

func (q *CaptureQueue) process(c Capture) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.InitialInterval
	b.MaxElapsedTime = q.opts.MaxElapsed

	attempts := 0
	op := func() error {
		attempts++
		if err := q.limiter.Wait(q.ctx); err != nil {
			return backoff.Permanent(err)
		}
		ctx, cancel := context.WithTimeout(q.ctx, q.opts.Timeout)
		defer cancel()
		return q.backend.Capture(ctx, c)
	}

	err := backoff.Retry(op, backoff.WithContext(b, q.ctx))
	switch {
	case err == nil:
		q.stored.Add(1)
		metrics.CapturesTotal.WithLabelValues("stored").Inc()
		q.logger.Debug("capture stored", "conversation_id", c.ConversationID, "turn", c.TurnNumber, "attempts", attempts)
	case q.ctx.Err() != nil:
		q.abandon(c)
	default:
		q.lost.Add(1)
		metrics.CapturesTotal.WithLabelValues("lost").Inc()
		metrics.MemoryDegraded.WithLabelValues("capture").Inc()
		q.logger.Warn("capture lost",
			"conversation_id", c.ConversationID,
			"turn", c.TurnNumber,
			"attempts", attempts,
			"error", err,
		)
	}
}

func (q *CaptureQueue) abandon(c Capture) {
	q.abandoned.Add(1)
	metrics.CapturesTotal.WithLabelValues("abandoned").Inc()
	q.logger.Warn("capture abandoned", "conversation_id", c.ConversationID, "turn", c.TurnNumber)
}

// Shutdown stops accepting captures and waits for pending ones until ctx is
// done. Whatever is still pending then is abandoned.
func (q *CaptureQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return fmt.Errorf("%d captures abandoned: %w", q.abandoned.Load(), ctx.Err())
	}
}

// Stats returns the queue's outcome counters
func (q *CaptureQueue) Stats() QueueStats {
	return QueueStats{
		Stored:    q.stored.Load(),
		Lost:      q.lost.Load(),
		Dropped:   q.dropped.Load(),
		Abandoned: q.abandoned.Load(),
		Pending:   int64(len(q.ch)),
	}
}
