package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache stores raw provider payloads so repeated room lifetimes (or a
// restarted process) don't hit the provider again.
type Cache interface {
	Get(ctx context.Context, roomID int) ([]byte, error)
	Set(ctx context.Context, roomID int, body []byte) error
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(opts RedisOptions) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		ttl: opts.TTL,
	}
}

func cacheKey(roomID int) string {
	return "partyboard:bootstrap:" + strconv.Itoa(roomID)
}

func (c *RedisCache) Get(ctx context.Context, roomID int) ([]byte, error) {
	body, err := c.client.Get(ctx, cacheKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	return body, nil
}

func (c *RedisCache) Set(ctx context.Context, roomID int, body []byte) error {
	if err := c.client.Set(ctx, cacheKey(roomID), body, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
