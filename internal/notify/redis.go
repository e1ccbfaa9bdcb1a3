package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the subset of Redis commands the queue and cache layers use.
type Redis interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	LPush(ctx context.Context, key, value string) error
	BRPop(ctx context.Context, timeout time.Duration, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	Ping(ctx context.Context) error
	Close() error
}

// ErrNoJob is returned by BRPop when the timeout elapses with nothing
// available.
var ErrNoJob = errors.New("notify: no job available")

// RedisConfig holds connection settings for the job queue backend.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MaxRetries   int           `yaml:"max_retries"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MaxRetries:   3,
	}
}

// GoRedis wraps the go-redis client to implement the Redis interface.
type GoRedis struct {
	client *redis.Client
}

// NewGoRedis creates and verifies a Redis connection.
func NewGoRedis(cfg RedisConfig) (*GoRedis, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &GoRedis{client: client}, nil
}

func (g *GoRedis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, key, value, ttl).Result()
}

func (g *GoRedis) LPush(ctx context.Context, key, value string) error {
	return g.client.LPush(ctx, key, value).Err()
}

// BRPop blocks up to timeout for the next element of key. BRPop with a
// read timeout shorter than the block timeout would error, so the client's
// read timeout is bypassed for this call by go-redis itself.
func (g *GoRedis) BRPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	vals, err := g.client.BRPop(ctx, timeout, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNoJob
		}
		return "", err
	}
	// BRPOP returns [key, value].
	if len(vals) != 2 {
		return "", ErrNoJob
	}
	return vals[1], nil
}

func (g *GoRedis) LLen(ctx context.Context, key string) (int64, error) {
	return g.client.LLen(ctx, key).Result()
}

func (g *GoRedis) Del(ctx context.Context, keys ...string) (int64, error) {
	return g.client.Del(ctx, keys...).Result()
}

func (g *GoRedis) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return g.client.Scan(ctx, cursor, match, count).Result()
}

func (g *GoRedis) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *GoRedis) Close() error {
	return g.client.Close()
}

// MockRedis is an in-memory Redis implementation for tests.
type MockRedis struct {
	data   map[string]string
	lists  map[string][]string
	expiry map[string]time.Time
	mu     sync.Mutex
	closed bool
}

// NewMockRedis creates an empty in-memory Redis.
func NewMockRedis() *MockRedis {
	return &MockRedis{
		data:   make(map[string]string),
		lists:  make(map[string][]string),
		expiry: make(map[string]time.Time),
	}
}

func (m *MockRedis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, errors.New("client closed")
	}

	if exp, ok := m.expiry[key]; ok && time.Now().After(exp) {
		delete(m.data, key)
		delete(m.expiry, key)
	}
	if _, exists := m.data[key]; exists {
		return false, nil
	}

	m.data[key] = value
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	}
	return true, nil
}

func (m *MockRedis) LPush(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("client closed")
	}
	m.lists[key] = append([]string{value}, m.lists[key]...)
	return nil
}

func (m *MockRedis) BRPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return "", errors.New("client closed")
		}
		if list := m.lists[key]; len(list) > 0 {
			val := list[len(list)-1]
			m.lists[key] = list[:len(list)-1]
			m.mu.Unlock()
			return val, nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return "", ErrNoJob
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (m *MockRedis) LLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *MockRedis) Del(ctx context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for _, key := range keys {
		if _, ok := m.data[key]; ok {
			delete(m.data, key)
			delete(m.expiry, key)
			removed++
		}
		if _, ok := m.lists[key]; ok {
			delete(m.lists, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MockRedis) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Single-pass scan; glob support limited to a trailing '*'.
	var keys []string
	for key := range m.data {
		if globMatch(match, key) {
			keys = append(keys, key)
		}
	}
	return keys, 0, nil
}

func globMatch(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if n := len(pattern); pattern[n-1] == '*' {
		return len(key) >= n-1 && key[:n-1] == pattern[:n-1]
	}
	return pattern == key
}

func (m *MockRedis) Ping(ctx context.Context) error {
	return nil
}

func (m *MockRedis) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
