package joblock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it still carries our token, so an
// expired-and-reacquired lock is never released by its previous holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock only while it still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker shared by every worker process using the same Redis.
// The TTL bounds how long a crashed holder keeps a build locked. A live
// holder renews it every TTL/3 until release, so runs may outlast the TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func lockKey(key string) string {
	return fmt.Sprintf("lock:build:%s", key)
}

func (r *Redis) TryAcquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, lockKey(key), token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}

	stop := make(chan struct{})
	go heartbeat(stop, r.ttl/3, func() (bool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := renewScript.Run(ctx, r.client, []string{lockKey(key)}, token, r.ttl.Milliseconds()).Int()
		return n == 1, err
	}, key)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			// the caller's context may already be cancelled
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{lockKey(key)}, token).Err(); err != nil {
				slog.Warn("failed to release build lock", "build_id", key, "error", err)
			}
		})
	}, nil
}

func (r *Redis) Held(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, lockKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// heartbeat calls renew every interval until stop is closed or the lock is
// found to belong to someone else. Transient errors are retried on the next
// tick.
func heartbeat(stop <-chan struct{}, interval time.Duration, renew func() (bool, error), key string) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ok, err := renew()
			if err != nil {
				slog.Warn("failed to renew build lock", "build_id", key, "error", err)
				continue
			}
			if !ok {
				slog.Error("build lock lost before release", "build_id", key)
				return
			}
		}
	}
}
