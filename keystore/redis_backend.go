package keystore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConfig configures a RedisBackend connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// Prefix namespaces every key, so several stores can share a database.
	Prefix      string
	DialTimeout time.Duration
}

// DefaultRedisConfig returns settings for a local Redis.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:        "localhost:6379",
		PoolSize:    10,
		Prefix:      "securemedia:",
		DialTimeout: 5 * time.Second,
	}
}

// RedisBackend stores records as plain Redis strings.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	owned  bool

	mu     sync.Mutex
	closed bool
}

// DialRedis connects to Redis and checks the connection with PING.
func DialRedis(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DialRedis",
		"addr":     cfg.Addr,
		"db":       cfg.DB,
		"prefix":   cfg.Prefix,
	}).Info("Connected to Redis key store")

	b := NewRedisBackend(client, cfg.Prefix)
	b.owned = true
	return b, nil
}

// NewRedisBackend wraps an existing client. The client is not closed by
// Close.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Get implements Backend.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if r.isClosed() {
		return nil, ErrBackendClosed
	}
	v, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}
	return v, nil
}

// Put implements Backend.
func (r *RedisBackend) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	if r.isClosed() {
		return ErrBackendClosed
	}
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s in Redis: %w", key, err)
	}
	return nil
}

// Delete implements Backend.
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if r.isClosed() {
		return ErrBackendClosed
	}
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s from Redis: %w", key, err)
	}
	return nil
}

// List implements Backend with SCAN, so it does not block the server.
func (r *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if r.isClosed() {
		return nil, ErrBackendClosed
	}
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan Redis keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Backend. The client is closed only if DialRedis
// created it.
func (r *RedisBackend) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.owned {
		return r.client.Close()
	}
	return nil
}

var _ Backend = (*RedisBackend)(nil)
