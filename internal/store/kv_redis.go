package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisUpdateRetries = 10

// RedisKV keeps each key as one Redis string and applies updates with an
// optimistic WATCH/MULTI transaction. Writers in the same process are
// serialized locally; WATCH covers the others.
type RedisKV struct {
	mu     sync.Mutex
	client *redis.Client
}

// NewRedisKV connects to the Redis URL and checks the link
func NewRedisKV(ctx context.Context, url string) (*RedisKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisKV{client: client}, nil
}

// NewRedisKVFromClient wraps an existing client
func NewRedisKVFromClient(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, err
}

func (r *RedisKV) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < redisUpdateRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, errSkipWrite) {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			// Another writer touched the key; re-read and try again
			continue
		}
		return err
	}
	return fmt.Errorf("redis update of %s lost the race %d times", key, redisUpdateRetries)
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}
