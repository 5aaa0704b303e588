package redishost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-engine-go/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed host. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
	// MaxLen approximately caps each session stream. Zero means unbounded.
	MaxLen int64 `env:"SESSIONS_STREAM_MAXLEN,default=0"`
}

type Host struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	block     time.Duration
}

func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg), nil
}

// NewWithClient wraps an existing client. The host takes ownership of cl.
func NewWithClient(cl *redis.Client, cfg Config) *Host {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:sessions:"
	}
	return &Host{client: cl, keyPrefix: prefix, maxLen: cfg.MaxLen, block: 500 * time.Millisecond}
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	args := &redis.XAddArgs{Stream: h.streamKey(sessionID), Values: map[string]any{"d": data}}
	if h.maxLen > 0 {
		args.MaxLen = h.maxLen
		args.Approx = true
	}
	id, err := h.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	key := h.streamKey(sessionID)
	start, err := h.resolveStart(ctx, key, lastEventID)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 16, Block: h.block}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xread: %w", err)
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				start = m.ID
				if err := handler(ctx, m.ID, payloadOf(m)); err != nil {
					return err
				}
			}
		}
	}
}

// resolveStart turns lastEventID into an XREAD start id. An empty id starts
// after the current tail so that nothing published after the call is missed.
func (h *Host) resolveStart(ctx context.Context, key, lastEventID string) (string, error) {
	if lastEventID == "" {
		last, err := h.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("xrevrange: %w", err)
		}
		if len(last) == 0 {
			return "0-0", nil
		}
		return last[0].ID, nil
	}
	found, err := h.client.XRange(ctx, key, lastEventID, lastEventID).Result()
	if err != nil {
		// Malformed ids are rejected by Redis.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", sessions.ErrUnknownEventID
	}
	if len(found) == 0 {
		return "", sessions.ErrUnknownEventID
	}
	return lastEventID, nil
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	if err := h.client.Del(c, h.streamKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("del stream: %w", err)
	}
	return nil
}

func payloadOf(m redis.XMessage) []byte {
	switch v := m.Values["d"].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return fmt.Appendf(nil, "%v", v)
	}
}

var _ sessions.NotificationHost = (*Host)(nil)
