// Package lease guarantees at most one in-flight run per conversation.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "callsight:lease:"

// Release gives a held lease back. It is safe to call more than once.
type Release func()

// Key is the Redis key guarding a conversation.
func Key(id uuid.UUID) string {
	return keyPrefix + id.String()
}

// Memory is an in-process lease set for single-replica deployments.
type Memory struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func NewMemory() *Memory {
	return &Memory{held: make(map[uuid.UUID]struct{})}
}

func (m *Memory) Acquire(_ context.Context, id uuid.UUID) (Release, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.held[id]; busy {
		return nil, false, nil
	}
	m.held[id] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, id)
			m.mu.Unlock()
		})
	}, true, nil
}

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis holds leases as SET NX PX keys owned by a random token. A held lease
// is refreshed every ttl/3 until released, so a crashed worker's lease expires
// after at most ttl.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedis(client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Redis{client: client, ttl: ttl, logger: logger}
}

func (r *Redis) Acquire(ctx context.Context, id uuid.UUID) (Release, bool, error) {
	key := Key(id)
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// Release must work even after the run's context is cancelled.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, r.client, []string{key}, token).Err(); err != nil {
				r.logger.Warn("failed to release lease", "key", key, "error", err)
			}
		})
	}, true, nil
}

func (r *Redis) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n, err := extendScript.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				r.logger.Warn("failed to extend lease", "key", key, "error", err)
			case n == 0:
				r.logger.Error("lease lost before release", "key", key)
				return
			}
		}
	}
}
