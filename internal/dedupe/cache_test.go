// ABOUTME: Tests for the idempotency key cache
// ABOUTME: Covers claims, expiry, release, eviction order, sweeping and concurrent claims

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestCache(ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := newCache(ttl, maxSize, time.Hour)
	c.now = clock.Now
	return c, clock
}

func TestCache_ClaimNewKey(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	defer c.Close()

	prev, dup := c.Claim("k1", "c1")
	assert.False(t, dup)
	assert.Empty(t, prev)

	got, ok := c.Lookup("k1")
	assert.True(t, ok)
	assert.Equal(t, "c1", got)
}

func TestCache_ClaimDuplicateReturnsOriginal(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Claim("k1", "c1")
	prev, dup := c.Claim("k1", "c2")
	assert.True(t, dup)
	assert.Equal(t, "c1", prev)
}

func TestCache_ClaimAfterExpiry(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Claim("k1", "c1")
	clock.Advance(2 * time.Minute)

	_, ok := c.Lookup("k1")
	assert.False(t, ok)

	prev, dup := c.Claim("k1", "c2")
	assert.False(t, dup)
	assert.Empty(t, prev)
	got, _ := c.Lookup("k1")
	assert.Equal(t, "c2", got)
	assert.Equal(t, 1, c.Len())
}

func TestCache_Release(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Claim("k1", "c1")
	c.Release("k1")
	c.Release("missing")

	_, dup := c.Claim("k1", "c1")
	assert.False(t, dup)
}

func TestCache_EvictsOldestWhenFull(t *testing.T) {
	c, _ := newTestCache(time.Minute, 3)
	defer c.Close()

	for i := 1; i <= 4; i++ {
		c.Claim(fmt.Sprintf("k%d", i), "c")
	}

	assert.Equal(t, 3, c.Len())
	_, ok := c.Lookup("k1")
	assert.False(t, ok, "oldest key evicted")
	for _, k := range []string{"k2", "k3", "k4"} {
		_, ok := c.Lookup(k)
		assert.True(t, ok, k)
	}
}

func TestCache_SweepDropsExpired(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Claim("old-1", "c")
	c.Claim("old-2", "c")
	clock.Advance(90 * time.Second)
	c.Claim("fresh", "c")

	c.sweep()
	assert.Equal(t, 1, c.Len())
	_, ok := c.Lookup("fresh")
	assert.True(t, ok)
}

func TestCache_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, dup := c.Claim("same", fmt.Sprintf("c%d", i)); !dup {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, winners.Load())
}

func TestCache_CloseTwice(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	assert.NotPanics(t, c.Close)
}
