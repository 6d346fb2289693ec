// Package lock provides series.Locker implementations.
package lock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when a lock could not be acquired before the wait ran out.
var ErrHeld = errors.New("lock is held by another writer")

const (
	DefaultTTL  = 30 * time.Second
	DefaultWait = 5 * time.Second
	retryEvery  = 50 * time.Millisecond
)

// Local serializes writers within one process.
type Local struct {
	mu   sync.Mutex
	held map[string]chan struct{}
	wait time.Duration
}

// NewLocal creates a process-local locker. wait bounds how long Lock blocks.
func NewLocal(wait time.Duration) *Local {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Local{held: make(map[string]chan struct{}), wait: wait}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	for {
		l.mu.Lock()
		released, busy := l.held[key]
		if !busy {
			done := make(chan struct{})
			l.held[key] = done
			l.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(done)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrHeld, key)
		}
	}
}

// compare-and-delete so an expired lock taken over by someone else is left alone
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis coordinates writers across processes with SET NX PX.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   time.Duration
	logger *slog.Logger
}

// RedisOptions tune the distributed lock.
type RedisOptions struct {
	Prefix string
	TTL    time.Duration
	Wait   time.Duration
	Logger *slog.Logger
}

func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Wait <= 0 {
		opts.Wait = DefaultWait
	}
	if opts.Prefix == "" {
		opts.Prefix = "eventseries:lock:"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Redis{client: client, prefix: opts.Prefix, ttl: opts.TTL, wait: opts.Wait, logger: opts.Logger}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	name := r.prefix + key
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	ticker := time.NewTicker(retryEvery)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(waitCtx, name, token, r.ttl).Result()
		if err != nil && waitCtx.Err() == nil {
			return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					// the caller's context may already be gone
					releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					if err := unlockScript.Run(releaseCtx, r.client, []string{name}, token).Err(); err != nil {
						r.logger.Warn("failed to release lock", "error", err, "key", key)
					}
				})
			}, nil
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s", ErrHeld, key)
		}
	}
}
