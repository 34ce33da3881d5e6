package resilience

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openberl/dispatch/internal/envelope"
)

const redisCachePrefix = "berl:cache:"
const redisDefaultTTL = 15 * time.Minute

// RedisStore shares cached responses across processes. All failures are
// logged and treated as misses so an unavailable Redis never blocks a call.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisStore(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = redisDefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*envelope.Response, bool) {
	data, err := s.client.Get(ctx, redisCachePrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("cache get failed", "error", err)
		}
		return nil, false
	}
	var resp envelope.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		s.logger.Warn("cache entry corrupt, dropping", "error", err)
		s.client.Del(ctx, redisCachePrefix+key)
		return nil, false
	}
	return &resp, true
}

func (s *RedisStore) Set(ctx context.Context, key string, resp *envelope.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, redisCachePrefix+key, data, s.ttl).Err(); err != nil {
		s.logger.Warn("cache set failed", "error", err)
	}
}
