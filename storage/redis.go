package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the redis provider.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	// DialTimeout bounds the connectivity check made by NewRedis.
	DialTimeout time.Duration
}

// Redis stores each identity as one redis hash named KeyPrefix+identity.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the server described by opts and pings it.
func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis storage requires an address")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", opts.Addr, err)
	}

	return NewRedisFromClient(client, opts.KeyPrefix), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Open returns a handle for identity. No round trip is made.
func (r *Redis) Open(ctx context.Context, identity string) (Handle, error) {
	return &redisHandle{client: r.client, key: r.prefix + identity}, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

type redisHandle struct {
	client *redis.Client
	key    string
}

func (h *redisHandle) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := h.client.HGet(ctx, h.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET %s %s: %w", h.key, key, err)
	}
	return value, nil
}

func (h *redisHandle) Put(ctx context.Context, key string, value []byte) error {
	if err := h.client.HSet(ctx, h.key, key, value).Err(); err != nil {
		return fmt.Errorf("redis HSET %s %s: %w", h.key, key, err)
	}
	return nil
}

func (h *redisHandle) Delete(ctx context.Context, key string) error {
	if err := h.client.HDel(ctx, h.key, key).Err(); err != nil {
		return fmt.Errorf("redis HDEL %s %s: %w", h.key, key, err)
	}
	return nil
}

// Close is a no-op; the client is shared and closed by the provider.
func (h *redisHandle) Close() error {
	return nil
}
