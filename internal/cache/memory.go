// Package cache provides the ephemeral session cache for FlowRelay.
//
// This file implements an in-memory session cache used for tests and
// Redis-less development runs. It honors the same TTL semantics as the
// Redis backend, including TTL refresh on read.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/CanopyChat/FlowRelay/internal/models"
)

// Compile-time check that InMemorySessionCache implements SessionCache.
var _ SessionCache = (*InMemorySessionCache)(nil)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// InMemorySessionCache is a TTL-aware in-memory session cache.
type InMemorySessionCache struct {
	mu         sync.RWMutex
	sessions   map[string]memoryEntry
	phones     map[string]memoryEntry
	fanout     map[string]map[string]struct{}
	sessionTTL time.Duration
	mappingTTL time.Duration
	now        func() time.Time
}

// NewInMemorySessionCache creates an empty in-memory session cache.
func NewInMemorySessionCache(opts ...Option) *InMemorySessionCache {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()
	return &InMemorySessionCache{
		sessions:   make(map[string]memoryEntry),
		phones:     make(map[string]memoryEntry),
		fanout:     make(map[string]map[string]struct{}),
		sessionTTL: cfg.SessionTTL,
		mappingTTL: cfg.MappingTTL,
		now:        time.Now,
	}
}

// GetSession retrieves the session blob and refreshes its TTL.
func (c *InMemorySessionCache) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.sessions[sessionID]
	if !ok || c.now().After(entry.expiresAt) {
		delete(c.sessions, sessionID)
		return nil, nil
	}
	var session models.Session
	if err := json.Unmarshal(entry.data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session blob for %s: %w", sessionID, err)
	}
	entry.expiresAt = c.now().Add(c.sessionTTL)
	c.sessions[sessionID] = entry
	return &session, nil
}

// SaveSession stores the session blob and resets its TTL.
func (c *InMemorySessionCache) SaveSession(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = c.nowSafe()
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session blob for %s: %w", session.SessionID, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[session.SessionID] = memoryEntry{data: data, expiresAt: c.now().Add(c.sessionTTL)}
	return nil
}

// DeleteSession removes the session blob entirely.
func (c *InMemorySessionCache) DeleteSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
	return nil
}

// SetPhoneMapping records the token-to-phone mapping and fan-out index.
func (c *InMemorySessionCache) SetPhoneMapping(ctx context.Context, sessionID, phoneNumber string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phones[sessionID] = memoryEntry{data: []byte(phoneNumber), expiresAt: c.now().Add(c.mappingTTL)}
	if c.fanout[phoneNumber] == nil {
		c.fanout[phoneNumber] = make(map[string]struct{})
	}
	c.fanout[phoneNumber][sessionID] = struct{}{}
	return nil
}

// GetPhoneMapping returns the phone mapped to a session token, or "".
func (c *InMemorySessionCache) GetPhoneMapping(ctx context.Context, sessionID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.phones[sessionID]
	if !ok || c.now().After(entry.expiresAt) {
		return "", nil
	}
	return string(entry.data), nil
}

// GetPhoneSessions returns all session IDs linked to a phone number.
func (c *InMemorySessionCache) GetPhoneSessions(ctx context.Context, phoneNumber string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var sessions []string
	for sessionID := range c.fanout[phoneNumber] {
		sessions = append(sessions, sessionID)
	}
	return sessions, nil
}

// ExpireSession drops a session immediately, simulating TTL eviction.
// Used by tests exercising the cache-miss recovery path.
func (c *InMemorySessionCache) ExpireSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// Close is a no-op for the in-memory cache.
func (c *InMemorySessionCache) Close() error {
	return nil
}

func (c *InMemorySessionCache) nowSafe() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now()
}
