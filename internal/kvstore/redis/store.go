package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/pairwise/authd/internal/kvstore"
)

// Config holds connection configuration for the Redis-backed store.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password is optional; empty means no AUTH.
	Password string

	// DB selects the logical database. Default: 0.
	DB int

	// DialTimeout bounds connection establishment. Default: 5s.
	DialTimeout time.Duration

	// CommandTimeout bounds individual read/write commands. Default: 3s.
	CommandTimeout time.Duration

	// ConnectMaxElapsed bounds the total startup connect retry budget. Default: 15s.
	ConnectMaxElapsed time.Duration
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("redis address is required")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 3 * time.Second
	}
	if c.ConnectMaxElapsed == 0 {
		c.ConnectMaxElapsed = 15 * time.Second
	}
}

// Store implements kvstore.Store backed by Redis. All session and token
// registration state lives here in production deployments.
type Store struct {
	client *redis.Client
}

// NewStore connects to Redis and verifies connectivity before returning.
// Startup pings are retried with exponential backoff so the daemon survives
// a cache that comes up slightly after it does.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("redis config is required")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.CommandTimeout,
		WriteTimeout: cfg.CommandTimeout,
	})

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis ping failed, retrying")
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(cfg.ConnectMaxElapsed),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", kvstore.ErrUnavailable, cfg.Addr, err)
	}

	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("Connected to Redis")

	return &Store{client: client}, nil
}

// Get returns the value for key, or kvstore.ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", kvstore.ErrNotFound
		}
		return "", fmt.Errorf("%w: get %q: %v", kvstore.ErrUnavailable, key, err)
	}
	return val, nil
}

// SetWithTTL writes key=value with the given expiry, overwriting any existing entry.
func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %q: %v", kvstore.ErrUnavailable, key, err)
	}
	return nil
}

// Delete removes the given keys and returns how many existed.
// A single DEL is atomic on the server, which is what rotation relies on.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	removed, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: del: %v", kvstore.ErrUnavailable, err)
	}
	return removed, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: exists %q: %v", kvstore.ErrUnavailable, key, err)
	}
	return n > 0, nil
}

// ListKeysByPrefix returns all keys starting with prefix using SCAN.
// KEYS is deliberately avoided - prefix enumeration is only ever scoped to a
// single user's sessions, and SCAN keeps the server responsive either way.
func (s *Store) ListKeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan %q: %v", kvstore.ErrUnavailable, prefix, err)
	}
	return keys, nil
}

// Ping verifies connectivity to the Redis server.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", kvstore.ErrUnavailable, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
