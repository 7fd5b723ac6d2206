// Package redis records mirrored events as Redis keys.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lsm/feedmirror/internal/feed"
	"github.com/lsm/feedmirror/internal/retry"
)

// DefaultKeyPrefix namespaces event keys.
const DefaultKeyPrefix = "feedmirror:event:"

// client is the subset of *redis.Client used by Store.
type client interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// Config holds Redis store configuration.
type Config struct {
	Addr      string        `yaml:"addr" env:"ADDR" env-default:"localhost:6379"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	KeyPrefix string        `yaml:"keyPrefix" env:"KEY_PREFIX" env-default:"feedmirror:event:"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"` // zero keeps records forever
}

// Store is a Redis-backed store.Store. Each event is one key holding its payload.
type Store struct {
	client client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Addr == "" {
		return nil, retry.Permanent(fmt.Errorf("redis addr is required"))
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newStore(rdb, cfg, logger), nil
}

func newStore(c client, cfg Config, logger *slog.Logger) *Store {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: c, prefix: cfg.KeyPrefix, ttl: cfg.TTL, logger: logger}
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

// Exists reports whether id has been recorded.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", id, err)
	}
	return n > 0, nil
}

// Insert stores the event payload with SET NX.
func (s *Store) Insert(ctx context.Context, event feed.Event) error {
	payload, err := event.Payload()
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	set, err := s.client.SetNX(ctx, s.key(event.ID), payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("set %s: %w", event.ID, err)
	}
	if !set {
		s.logger.Warn("event already recorded", "event_id", event.ID)
	}
	return nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
