package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/docsense/docsense-backend/internal/logger"
	"github.com/docsense/docsense-backend/internal/utils"
)

// ResultCache is a TTL cache of content hash -> generated result in front of
// the document store. Entries expire on their own (the housekeeping side of
// the cache); the store remains the source of truth. Every operation is best
// effort and failures are logged, never surfaced.
type ResultCache struct {
	log *logger.Logger
	rdb *goredis.Client
	ttl time.Duration
}

func NewResultCache(log *logger.Logger) (*ResultCache, error) {
	addr := utils.GetEnv("REDIS_ADDR", "", log)
	if addr == "" {
		return nil, fmt.Errorf("REDIS_ADDR not set")
	}
	password := utils.GetEnv("REDIS_PASSWORD", "", log)
	dbNum := utils.GetEnvAsInt("REDIS_DB", 0, log)
	ttlSeconds := utils.GetEnvAsInt("RESULT_CACHE_TTL_SECONDS", 86400, log)

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       dbNum,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &ResultCache{
		log: log.With("service", "ResultCache"),
		rdb: rdb,
		ttl: time.Duration(ttlSeconds) * time.Second,
	}, nil
}

func cacheKey(contentHash string) string {
	return "docsense:result:" + contentHash
}

func (c *ResultCache) GetResult(ctx context.Context, contentHash string) (string, bool) {
	val, err := c.rdb.Get(ctx, cacheKey(contentHash)).Result()
	if err != nil {
		if err != goredis.Nil {
			c.log.Warn("Result cache read failed", "error", err)
		}
		return "", false
	}
	return val, true
}

func (c *ResultCache) SetResult(ctx context.Context, contentHash string, result string) {
	if err := c.rdb.Set(ctx, cacheKey(contentHash), result, c.ttl).Err(); err != nil {
		c.log.Warn("Result cache write failed", "error", err)
	}
}

func (c *ResultCache) Close() error {
	return c.rdb.Close()
}
