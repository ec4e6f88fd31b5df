package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	defaultRedisKeyPrefix   = "gazetteer:cache:"
	defaultRedisChannel     = "gazetteer:invalidations"
	defaultRedisPingTimeout = 5 * time.Second
)

var (
	ErrLoggerRequired = errors.New("logger is required")
	ErrAddrRequired   = errors.New("addr is required")
)

type RedisConfig struct {
	Logger   *slog.Logger
	Addr     string
	Password string
	DB       int

	// KeyPrefix scopes this deployment's keys inside a shared Redis.
	KeyPrefix string

	// Channel carries invalidation fan-out between sibling processes.
	Channel string

	PingTimeout time.Duration
}

func (c *RedisConfig) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Addr == "" {
		return ErrAddrRequired
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultRedisKeyPrefix
	}
	if c.Channel == "" {
		c.Channel = defaultRedisChannel
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = defaultRedisPingTimeout
	}
	return nil
}

// RedisCache is the distributed SharedCache. It doubles as the
// InvalidationBus via pub/sub on a single channel.
type RedisCache struct {
	log     *slog.Logger
	client  *redis.Client
	prefix  string
	channel string
}

// NewRedis connects and pings eagerly so a misconfigured address fails at
// startup instead of degrading every lookup.
func NewRedis(ctx context.Context, cfg *RedisConfig) (*RedisCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}

	return &RedisCache{
		log:     cfg.Logger,
		client:  client,
		prefix:  cfg.KeyPrefix,
		channel: cfg.Channel,
	}, nil
}

func (c *RedisCache) key(k string) string {
	return c.prefix + k
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.key(k)
	}
	if err := c.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (c *RedisCache) Healthy(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Publish(ctx context.Context, inv Invalidation) error {
	payload, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	if err := c.client.Publish(ctx, c.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

func (c *RedisCache) Subscribe(ctx context.Context, handler func(Invalidation)) error {
	sub := c.client.Subscribe(ctx, c.channel)
	defer func() { _ = sub.Close() }()

	// Force the subscription handshake so a dead connection surfaces here
	// rather than delivering nothing.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("invalidation channel %s closed", c.channel)
			}
			var inv Invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				c.log.Warn("Dropping malformed invalidation message", "error", err)
				continue
			}
			handler(inv)
		}
	}
}
