package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const statusKeyPrefix = "research_status:"

// StatusCache keeps the latest job status in Redis so status polls skip Postgres
// while a job is pending or processing.
type StatusCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStatusCache(rdb *redis.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &StatusCache{rdb: rdb, ttl: ttl}
}

// NewRedisClient builds and pings a client.
func NewRedisClient(ctx context.Context, addr, password string, db int, timeout time.Duration) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return c, nil
}

func (c *StatusCache) Set(ctx context.Context, jobID, status string) error {
	return c.rdb.Set(ctx, statusKeyPrefix+jobID, status, c.ttl).Err()
}

// Get returns the cached status; ok is false on a miss.
func (c *StatusCache) Get(ctx context.Context, jobID string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, statusKeyPrefix+jobID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *StatusCache) Delete(ctx context.Context, jobID string) error {
	return c.rdb.Del(ctx, statusKeyPrefix+jobID).Err()
}
