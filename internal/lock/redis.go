package lock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only if this owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a cross-process lock using SET NX PX with an owner token. TTL
// bounds how long a crashed holder can block a plan and must exceed the
// longest plan run.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedis builds a Redis-backed locker.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration, logger zerolog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Redis{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "redis_lock").Logger(),
	}
}

// Key is the Redis key guarding planID.
func (r *Redis) Key(planID int64) string {
	return r.prefix + "lock:plan:" + strconv.FormatInt(planID, 10)
}

// TryLock sets the plan key if absent.
func (r *Redis) TryLock(ctx context.Context, planID int64) (func(), bool, error) {
	key := r.Key(planID)
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctxUnlock, r.client, []string{key}, token).Err(); err != nil {
				r.logger.Warn().Err(err).Str("key", key).Msg("release redis lock failed, waiting for ttl")
			}
		})
	}
	return unlock, true, nil
}
