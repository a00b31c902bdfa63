// ABOUTME: Tests for capture queue retries, overflow and shutdown behaviour

package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth/internal/store"
)

type funcBackend struct {
	capture func(ctx context.Context, c Capture) error
	mu      sync.Mutex
	got     []Capture
}

func (f *funcBackend) Blocks(ctx context.Context, agentID string, labels []string) ([]*store.MemoryBlock, error) {
	return nil, nil
}

func (f *funcBackend) Capture(ctx context.Context, c Capture) error {
	if err := f.capture(ctx, c); err != nil {
		return err
	}
	f.mu.Lock()
	f.got = append(f.got, c)
	f.mu.Unlock()
	return nil
}

func (f *funcBackend) captured() []Capture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Capture(nil), f.got...)
}

func fastOptions() QueueOptions {
	return QueueOptions{InitialInterval: 5 * time.Millisecond, MaxElapsed: 200 * time.Millisecond}
}

func TestCaptureQueue_Stores(t *testing.T) {
	b := &funcBackend{capture: func(context.Context, Capture) error { return nil }}
	q := NewCaptureQueue(b, fastOptions())

	for i := 1; i <= 5; i++ {
		assert.True(t, q.Enqueue(Capture{ConversationID: "c1", TurnNumber: i}))
	}
	require.NoError(t, q.Shutdown(context.Background()))

	assert.Len(t, b.captured(), 5)
	stats := q.Stats()
	assert.EqualValues(t, 5, stats.Stored)
	assert.Zero(t, stats.Lost)
	assert.Zero(t, stats.Pending)
}

func TestCaptureQueue_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	b := &funcBackend{capture: func(context.Context, Capture) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}}
	q := NewCaptureQueue(b, fastOptions())

	q.Enqueue(Capture{ConversationID: "c1", TurnNumber: 1})
	require.NoError(t, q.Shutdown(context.Background()))

	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 1, q.Stats().Stored)
}

func TestCaptureQueue_LosesAfterRetryBudget(t *testing.T) {
	b := &funcBackend{capture: func(context.Context, Capture) error { return errors.New("down") }}
	opts := fastOptions()
	opts.MaxElapsed = 30 * time.Millisecond
	q := NewCaptureQueue(b, opts)

	q.Enqueue(Capture{ConversationID: "c1", TurnNumber: 1})
	require.NoError(t, q.Shutdown(context.Background()))

	stats := q.Stats()
	assert.EqualValues(t, 1, stats.Lost)
	assert.Zero(t, stats.Stored)
}

func TestCaptureQueue_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	b := &funcBackend{capture: func(ctx context.Context, c Capture) error {
		<-release
		return nil
	}}
	opts := fastOptions()
	opts.Size = 1
	opts.Workers = 1
	q := NewCaptureQueue(b, opts)

	accepted := 0
	for i := 1; i <= 3; i++ {
		if q.Enqueue(Capture{ConversationID: "c1", TurnNumber: i}) {
			accepted++
		}
	}
	close(release)
	require.NoError(t, q.Shutdown(context.Background()))

	stats := q.Stats()
	assert.GreaterOrEqual(t, stats.Dropped, int64(1))
	assert.EqualValues(t, 3, int64(accepted)+stats.Dropped)
	assert.EqualValues(t, accepted, stats.Stored)
}

func TestCaptureQueue_ShutdownAbandonsAtDeadline(t *testing.T) {
	b := &funcBackend{capture: func(ctx context.Context, c Capture) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	opts := fastOptions()
	opts.Workers = 1
	q := NewCaptureQueue(b, opts)

	for i := 1; i <= 3; i++ {
		require.True(t, q.Enqueue(Capture{ConversationID: "c1", TurnNumber: i}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	stats := q.Stats()
	assert.EqualValues(t, 3, stats.Abandoned)
	assert.Zero(t, stats.Stored)
	assert.Empty(t, b.captured())
}

func TestCaptureQueue_EnqueueAfterShutdown(t *testing.T) {
	q := NewCaptureQueue(&funcBackend{capture: func(context.Context, Capture) error { return nil }}, fastOptions())
	require.NoError(t, q.Shutdown(context.Background()))
	assert.False(t, q.Enqueue(Capture{ConversationID: "c1"}))
	assert.EqualValues(t, 1, q.Stats().Dropped)
	// second shutdown is a no-op
	require.NoError(t, q.Shutdown(context.Background()))
}

func TestCaptureQueue_RateLimited(t *testing.T) {
	b := &funcBackend{capture: func(context.Context, Capture) error { return nil }}
	opts := fastOptions()
	opts.Rate = 20
	opts.Burst = 1
	opts.Workers = 1
	q := NewCaptureQueue(b, opts)

	start := time.Now()
	for i := 1; i <= 3; i++ {
		q.Enqueue(Capture{TurnNumber: i})
	}
	require.NoError(t, q.Shutdown(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.EqualValues(t, 3, q.Stats().Stored)
}
