// ABOUTME: Per-conversation exclusive locks so only one turn runs per conversation
// ABOUTME: Local serves a single process; Redis coordinates several gateway instances

package lock

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrLocked is returned by TryLock when the key is already held
	ErrLocked = errors.New("already locked")
	// ErrLeaseLost is the cause attached to contexts derived through a lost lease
	ErrLeaseLost = errors.New("lock lease lost")
)

// Lease is a held lock. Lost is closed if exclusivity ends before Release,
// for example when a Redis key expired or was taken over.
type Lease struct {
	lost     chan struct{}
	lostOnce sync.Once
	release  func()
	once     sync.Once
}

func newLease(release func()) *Lease {
	return &Lease{lost: make(chan struct{}), release: release}
}

// Release gives the lock up. Calling it more than once is safe.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// Lost is closed once the lease no longer guarantees exclusivity
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

func (l *Lease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

// Bind returns a context cancelled with ErrLeaseLost when the lease is lost.
// The stop function releases the watcher and must be called.
func (l *Lease) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-l.lost:
			cancel(ErrLeaseLost)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(nil) }
}

// Locker grants exclusive, non-blocking locks by key
type Locker interface {
	TryLock(ctx context.Context, key string) (*Lease, error)
}

// Local is an in-process Locker. Its leases are never lost.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ Locker = (*Local)(nil)

// NewLocal creates an in-process Locker
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryLock takes key or returns ErrLocked
func (l *Local) TryLock(ctx context.Context, key string) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}

	return newLease(func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}), nil
}

// Held reports whether key is locked
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
