package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/msgrelay/relayhub/internal/util"
)

// DefaultKeyPrefix namespaces relay lock keys in a shared Redis.
const DefaultKeyPrefix = "relayhub:lock:"

// releaseScript deletes the key only when the stored token matches, so a
// worker whose lease expired cannot release a lease held by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions holds connection configuration for the Redis lock manager.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisManager is a lease lock manager backed by Redis. Leases expire
// server-side via PX, which survives relay process crashes.
type RedisManager struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisManager creates a Redis-backed lock manager and verifies the
// connection with a ping.
func NewRedisManager(opts RedisOptions) (*RedisManager, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address not set")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	slog.Debug("RedisManager: connected", "addr", opts.Addr, "keyPrefix", opts.KeyPrefix)

	return &RedisManager{client: client, keyPrefix: opts.KeyPrefix}, nil
}

// Acquire implements Manager using SET NX PX.
func (m *RedisManager) Acquire(ctx context.Context, key string, lease, wait time.Duration) (*Lease, error) {
	redisKey := m.keyPrefix + key
	token := util.GenerateRandomHex(32)
	deadline := time.Now().Add(wait)

	for {
		ok, err := m.client.SetNX(ctx, redisKey, token, lease).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock acquire failed for %s: %w", key, err)
		}
		if ok {
			return &Lease{Key: key, token: token, release: m.releaseLease}, nil
		}
		if time.Now().After(deadline) {
			slog.Debug("RedisManager.Acquire: contended, skipping", "key", key)
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func (m *RedisManager) releaseLease(key, token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, m.client, []string{m.keyPrefix + key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis lock release failed for %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (m *RedisManager) Close() error {
	return m.client.Close()
}
