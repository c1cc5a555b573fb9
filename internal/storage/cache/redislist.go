package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tinywideclouds/go-fanout-service/fanoutservice/config"
	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

// RedisRecipientList stores a recipient snapshot as a native Redis list, one
// element per recipient, in registry order.
type RedisRecipientList struct {
	rdb *redis.Client
}

func NewRedisRecipientList(ctx context.Context, cfg config.RedisConfig) (*RedisRecipientList, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisRecipientList{rdb: rdb}, nil
}

// LoadRecipients returns the cached list, or ErrMiss. An empty list is
// indistinguishable from an absent key, so it is always a miss.
func (c *RedisRecipientList) LoadRecipients(ctx context.Context, key string) ([]dispatch.Recipient, error) {
	vals, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	if len(vals) == 0 {
		return nil, ErrMiss
	}
	recipients := make([]dispatch.Recipient, len(vals))
	for i, v := range vals {
		recipients[i] = dispatch.Recipient(v)
	}
	return recipients, nil
}

// StoreRecipients replaces the list at key atomically. Readers never see a
// half-written snapshot.
func (c *RedisRecipientList) StoreRecipients(ctx context.Context, key string, recipients []dispatch.Recipient, ttl time.Duration) error {
	if len(recipients) == 0 {
		return nil
	}
	vals := make([]any, len(recipients))
	for i, r := range recipients {
		vals[i] = string(r)
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.RPush(ctx, key, vals...)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store %d recipients: %w", len(recipients), err)
	}
	return nil
}

func (c *RedisRecipientList) Del(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

func (c *RedisRecipientList) Close() error {
	return c.rdb.Close()
}
