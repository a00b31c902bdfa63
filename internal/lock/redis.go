// ABOUTME: Redis-backed Locker using SET NX PX with a token checked on release
// ABOUTME: Held leases are extended in the background until released

package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the lease length when RedisOptions.TTL is zero
const DefaultTTL = 30 * time.Second

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisOptions configures a Redis Locker
type RedisOptions struct {
	Prefix string        // key prefix, default "hearth:lock:"
	TTL    time.Duration // lease length, default DefaultTTL
	Logger *slog.Logger
}

// Redis is a Locker shared by every process using the same Redis
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

var _ Locker = (*Redis)(nil)

// NewRedis creates a Redis Locker over client
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "hearth:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Redis{
		client: client,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		logger: opts.Logger.With("component", "lock"),
	}
}

// TryLock takes key or returns ErrLocked. The lease is renewed every third
// of the TTL until released. It is lost when the key no longer carries its
// token, or when renewal keeps failing for a whole TTL.
func (r *Redis) TryLock(ctx context.Context, key string) (*Lease, error) {
	k := r.prefix + key
	token := uuid.New().String()

	ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	lease := newLease(func() {
		close(stop)
		<-done

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{k}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			r.logger.Warn("releasing lock", "key", key, "error", err)
		}
	})
	go r.renew(lease, k, token, stop, done)
	return lease, nil
}

func (r *Redis) renew(lease *Lease, key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	extended := time.Now()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := extendScript.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				r.logger.Warn("extending lock", "key", key, "error", err)
				if time.Since(extended) >= r.ttl {
					r.logger.Warn("lock lease expired while redis was unreachable", "key", key)
					lease.markLost()
					return
				}
			case n == 0:
				r.logger.Warn("lock lease lost", "key", key)
				lease.markLost()
				return
			default:
				extended = time.Now()
			}
		}
	}
}
