// Package cache provides the ephemeral session cache for FlowRelay.
//
// The cache holds the per-conversation session blob (flow pointer plus
// auxiliary conversation state) under a rolling TTL, the token-to-phone
// mapping used by identity resolution, and the phone-to-sessions fan-out
// index for cross-device notifications. Redis is the production backend;
// an in-memory implementation backs tests and DSN-less development runs.
package cache

import (
	"context"
	"time"

	"github.com/CanopyChat/FlowRelay/internal/models"
)

// Default TTL and timeout constants
const (
	// DefaultSessionTTL is how long a session blob survives without contact
	DefaultSessionTTL = 24 * time.Hour
	// DefaultMappingTTL is how long a verified token-to-phone mapping survives.
	// Deliberately longer than the session TTL so a verified identity outlives
	// the conversation blob.
	DefaultMappingTTL = 7 * 24 * time.Hour
	// DefaultOpTimeout bounds every cache operation
	DefaultOpTimeout = 2 * time.Second
)

// SessionCache defines the interface for ephemeral session storage.
// Every read and write refreshes the session TTL.
type SessionCache interface {
	// GetSession retrieves the session blob, or nil if absent or expired.
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)

	// SaveSession stores the session blob and resets its TTL.
	SaveSession(ctx context.Context, session *models.Session) error

	// DeleteSession removes the session blob entirely.
	DeleteSession(ctx context.Context, sessionID string) error

	// SetPhoneMapping records the token-to-phone mapping with the longer
	// mapping TTL and appends the session to the phone's fan-out index.
	SetPhoneMapping(ctx context.Context, sessionID, phoneNumber string) error

	// GetPhoneMapping returns the phone mapped to a session token, or "".
	GetPhoneMapping(ctx context.Context, sessionID string) (string, error)

	// GetPhoneSessions returns all session IDs linked to a phone number.
	GetPhoneSessions(ctx context.Context, phoneNumber string) ([]string, error)

	// Close releases the underlying cache resources.
	Close() error
}

// Opts holds configuration options for cache construction.
type Opts struct {
	URL        string        // Redis connection URL (redis://...)
	SessionTTL time.Duration // session blob TTL (default 24h)
	MappingTTL time.Duration // token-to-phone mapping TTL (default 7d)
	OpTimeout  time.Duration // per-operation timeout (default 2s)
}

// Option defines a configuration option for a session cache.
type Option func(*Opts)

// WithURL sets the Redis connection URL.
func WithURL(url string) Option {
	return func(o *Opts) {
		o.URL = url
	}
}

// WithSessionTTL overrides the session blob TTL.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.SessionTTL = ttl
	}
}

// WithMappingTTL overrides the token-to-phone mapping TTL.
func WithMappingTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.MappingTTL = ttl
	}
}

// WithOpTimeout overrides the per-operation timeout.
func WithOpTimeout(timeout time.Duration) Option {
	return func(o *Opts) {
		o.OpTimeout = timeout
	}
}

func (o *Opts) applyDefaults() {
	if o.SessionTTL <= 0 {
		o.SessionTTL = DefaultSessionTTL
	}
	if o.MappingTTL <= 0 {
		o.MappingTTL = DefaultMappingTTL
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
}
