package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps each blob as one string value under a key prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// OpenRedisStore parses a redis:// URL and verifies connectivity.
func OpenRedisStore(ctx context.Context, rawURL, prefix string) (*RedisStore, error) {
	if rawURL == "" {
		return nil, errors.New("redis url is empty")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	data, err := readBlob(body, size)
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}
	if err := r.client.Set(ctx, r.prefix+key, data, 0).Err(); err != nil {
		return &WriteError{Key: key, Err: err}
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Blob, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, &ReadError{Key: key, Err: err}
	}
	return bytesBlob(key, data), nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
