// Package cache holds short lived key/value entries shared by bot replicas.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ton-club-bot/internal/infra/clock"
	"ton-club-bot/internal/infra/config"
)

// TTLCache stores string values that disappear after a ttl
type TTLCache interface {
	// Get reports ok=false when the key is missing or expired
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Repeat reports whether key already holds value. Otherwise it stores value for ttl.
// The check and the write are not atomic; a lost race only lets one duplicate through.
func Repeat(ctx context.Context, c TTLCache, key, value string, ttl time.Duration) (bool, error) {
	prev, ok, err := c.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if ok && prev == value {
		return true, nil
	}
	if err := c.Set(ctx, key, value, ttl); err != nil {
		return false, err
	}
	return false, nil
}

// NewRedisClient connects and pings
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr(), err)
	}
	return rdb, nil
}

// Redis is a TTLCache on go-redis
type Redis struct {
	client redis.Cmdable
	prefix string
}

func NewRedis(client redis.Cmdable, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

type entry struct {
	value   string
	expires time.Time
}

// Memory is an in-process TTLCache for single replica runs and tests
type Memory struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries map[string]entry
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{clk: clk, entries: make(map[string]entry)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if !m.clk.Now().Before(e.expires) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: value, expires: m.clk.Now().Add(ttl)}
	return nil
}

// Len counts stored entries, expired ones included until touched
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
