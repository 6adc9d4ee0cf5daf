package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Redis holds keys in Redis so several replicas share one lock space.
// A lock expires after TTL even if its holder dies.
type Redis struct {
	client *redis.Client
	script *redis.Script
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration, log *zap.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.New("lock: redis client not configured")
	}
	if ttl <= 0 {
		return nil, errors.New("lock: ttl must be positive")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{
		client: client,
		script: redis.NewScript(releaseScript),
		prefix: prefix,
		ttl:    ttl,
		log:    log.Named("lock.redis"),
	}, nil
}

func (r *Redis) TryLock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, errors.New("lock: key is empty")
	}
	full := r.prefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &KeyBusyError{Key: key}
	}

	return func() {
		// release even if the request context is already done
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.script.Run(releaseCtx, r.client, []string{full}, token).Err(); err != nil {
			r.log.Warn("failed to release lock", zap.String("key", full), zap.Error(err))
		}
	}, nil
}
