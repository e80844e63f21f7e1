// Package cache provides the ephemeral session cache for FlowRelay.
//
// This file implements the Redis-backed session cache.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/CanopyChat/FlowRelay/internal/models"
	redis "github.com/redis/go-redis/v9"
)

// Compile-time check that RedisSessionCache implements SessionCache.
var _ SessionCache = (*RedisSessionCache)(nil)

// RedisSessionCache stores session blobs in Redis with rolling TTLs.
type RedisSessionCache struct {
	client     redis.UniversalClient
	sessionTTL time.Duration
	mappingTTL time.Duration
	opTimeout  time.Duration
}

// NewRedisSessionCache creates a Redis-backed session cache from options.
func NewRedisSessionCache(opts ...Option) (*RedisSessionCache, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()
	slog.Debug("NewRedisSessionCache invoked", "url_set", cfg.URL != "", "session_ttl", cfg.SessionTTL)

	if cfg.URL == "" {
		slog.Error("RedisSessionCache URL not set")
		return nil, fmt.Errorf("redis URL not set")
	}
	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		slog.Error("RedisSessionCache invalid URL", "error", err)
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		slog.Error("Redis ping failed", "error", err)
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisSessionCache{
		client:     client,
		sessionTTL: cfg.SessionTTL,
		mappingTTL: cfg.MappingTTL,
		opTimeout:  cfg.OpTimeout,
	}, nil
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

func phoneMappingKey(sessionID string) string {
	return "phone:" + sessionID
}

func phoneSessionsKey(phoneNumber string) string {
	return "sessions:" + phoneNumber
}

// GetSession retrieves the session blob and refreshes its TTL.
func (c *RedisSessionCache) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	data, err := c.client.Get(opCtx, sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisSessionCache GetSession failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("%w: %v", models.ErrCacheUnavailable, err)
	}

	var session models.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		slog.Error("RedisSessionCache GetSession unmarshal failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to decode session blob for %s: %w", sessionID, err)
	}

	// Reads refresh the TTL so an ongoing conversation never expires mid-turn.
	if err := c.client.Expire(opCtx, sessionKey(sessionID), c.sessionTTL).Err(); err != nil {
		slog.Warn("RedisSessionCache TTL refresh failed", "error", err, "sessionID", sessionID)
	}
	return &session, nil
}

// SaveSession stores the session blob and resets its TTL.
func (c *RedisSessionCache) SaveSession(ctx context.Context, session *models.Session) error {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	session.UpdatedAt = time.Now()
	data, err := json.Marshal(session)
	if err != nil {
		slog.Error("RedisSessionCache SaveSession marshal failed", "error", err, "sessionID", session.SessionID)
		return fmt.Errorf("failed to encode session blob for %s: %w", session.SessionID, err)
	}
	if err := c.client.Set(opCtx, sessionKey(session.SessionID), data, c.sessionTTL).Err(); err != nil {
		slog.Error("RedisSessionCache SaveSession failed", "error", err, "sessionID", session.SessionID)
		return fmt.Errorf("%w: %v", models.ErrCacheUnavailable, err)
	}
	slog.Debug("RedisSessionCache SaveSession succeeded", "sessionID", session.SessionID, "has_flow", session.FlowContext != nil)
	return nil
}

// DeleteSession removes the session blob entirely.
func (c *RedisSessionCache) DeleteSession(ctx context.Context, sessionID string) error {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Del(opCtx, sessionKey(sessionID)).Err(); err != nil {
		slog.Error("RedisSessionCache DeleteSession failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("%w: %v", models.ErrCacheUnavailable, err)
	}
	return nil
}

// SetPhoneMapping records the token-to-phone mapping and fan-out index.
// The mapping carries the longer TTL so verified identities outlive blobs.
func (c *RedisSessionCache) SetPhoneMapping(ctx context.Context, sessionID, phoneNumber string) error {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	pipe := c.client.Pipeline()
	pipe.Set(opCtx, phoneMappingKey(sessionID), phoneNumber, c.mappingTTL)
	pipe.SAdd(opCtx, phoneSessionsKey(phoneNumber), sessionID)
	pipe.Expire(opCtx, phoneSessionsKey(phoneNumber), c.mappingTTL)
	if _, err := pipe.Exec(opCtx); err != nil {
		slog.Error("RedisSessionCache SetPhoneMapping failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("%w: %v", models.ErrCacheUnavailable, err)
	}
	slog.Debug("RedisSessionCache SetPhoneMapping succeeded", "sessionID", sessionID)
	return nil
}

// GetPhoneMapping returns the phone mapped to a session token, or "".
func (c *RedisSessionCache) GetPhoneMapping(ctx context.Context, sessionID string) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	phone, err := c.client.Get(opCtx, phoneMappingKey(sessionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		slog.Error("RedisSessionCache GetPhoneMapping failed", "error", err, "sessionID", sessionID)
		return "", fmt.Errorf("%w: %v", models.ErrCacheUnavailable, err)
	}
	return phone, nil
}

// GetPhoneSessions returns all session IDs linked to a phone number.
func (c *RedisSessionCache) GetPhoneSessions(ctx context.Context, phoneNumber string) ([]string, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	sessions, err := c.client.SMembers(opCtx, phoneSessionsKey(phoneNumber)).Result()
	if err != nil {
		slog.Error("RedisSessionCache GetPhoneSessions failed", "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrCacheUnavailable, err)
	}
	return sessions, nil
}

// Close closes the Redis client.
func (c *RedisSessionCache) Close() error {
	slog.Debug("Closing Redis session cache")
	return c.client.Close()
}
