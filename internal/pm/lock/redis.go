package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const pollInterval = 25 * time.Millisecond

// RedisLocker 基于 SET NX PX 的分布式按键锁，多实例部署使用
type RedisLocker struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, logger: logger}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	token := uuid.New().String()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				// 释放使用独立 ctx
				if err := releaseScript.Run(context.Background(), l.rdb, []string{key}, token).Err(); err != nil {
					l.logger.Warn("release redis lock failed", zap.String("key", key), zap.Error(err))
				}
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		if err := sleep(ctx, pollInterval); err != nil {
			return nil, err
		}
	}
}
