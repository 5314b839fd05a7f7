package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores raw responder answers keyed by prompt. Only answers that parse
// onto the closed enums are written.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CachedResponder serves repeated prompts from a cache before asking next.
// Cache failures are logged and bypassed; they never fail a classification.
type CachedResponder struct {
	next   Responder
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedResponder(next Responder, cache Cache, ttl time.Duration, logger *zap.Logger) *CachedResponder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedResponder{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (c *CachedResponder) Respond(ctx context.Context, prompt Prompt) (Answer, error) {
	key := cacheKey(prompt)

	if raw, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("classifier cache read failed", zap.Error(err))
	} else if ok {
		var answer Answer
		if err := json.Unmarshal(raw, &answer); err == nil {
			if _, _, err := answer.parse(); err == nil {
				return answer, nil
			}
		}
		c.logger.Warn("classifier cache entry corrupt", zap.String("key", key))
	}

	answer, err := c.next.Respond(ctx, prompt)
	if err != nil {
		return Answer{}, err
	}
	// Answers the classifier would reject are passed through uncached.
	if _, _, err := answer.parse(); err != nil {
		return answer, nil
	}

	if raw, err := json.Marshal(answer); err == nil {
		if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
			c.logger.Warn("classifier cache write failed", zap.Error(err))
		}
	}
	return answer, nil
}

func cacheKey(prompt Prompt) string {
	sum := sha256.Sum256([]byte(prompt.Language + "\x00" + prompt.Text))
	return "civicaid:classify:" + hex.EncodeToString(sum[:])
}

// RedisCache adapts a go-redis client to Cache.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

// NewRedisClient parses a redis:// URL and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("classify: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("classify: ping redis: %w", err)
	}
	return rdb, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}
