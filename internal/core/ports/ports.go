// Package ports defines the seams between the gateway core and its adapters.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
)

// ErrNotFound is returned by stores when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrCacheMiss is returned by Cache.Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// ScopeGlobal is the default scope consulted when a capability has no default of its own.
const ScopeGlobal = "global"

// ConfigStore is the read path used by the resolver.
type ConfigStore interface {
	// GetByID returns the configuration or ErrNotFound.
	GetByID(ctx context.Context, id string) (*domain.ModelConfig, error)

	// GetDefault returns the default for a capability or ErrNotFound.
	GetDefault(ctx context.Context, capability domain.Capability) (*domain.ModelConfig, error)

	// GetGlobalDefault returns the global default or ErrNotFound.
	GetGlobalDefault(ctx context.Context) (*domain.ModelConfig, error)
}

// ConfigAdmin is the write path used by the control plane.
type ConfigAdmin interface {
	ConfigStore

	// List returns every configuration ordered by name.
	List(ctx context.Context) ([]*domain.ModelConfig, error)

	// Save inserts or replaces a configuration by id.
	Save(ctx context.Context, cfg *domain.ModelConfig) error

	// Delete removes a configuration and any default pointers to it.
	Delete(ctx context.Context, id string) error

	// SetDefault points a scope (a capability or ScopeGlobal) at a configuration.
	SetDefault(ctx context.Context, scope, configID string) error

	// DefaultID returns the configuration id a scope points at, or ErrNotFound.
	DefaultID(ctx context.Context, scope string) (string, error)

	// Defaults returns every scope pointer.
	Defaults(ctx context.Context) (map[string]string, error)

	// Close releases the underlying connection.
	Close() error
}

// Cache is a byte-oriented key/value cache with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Vault encrypts keys at rest and decrypts them per request.
type Vault interface {
	Encrypt(plaintext string) (string, error)

	// Decrypt returns the plaintext as bytes so callers can zero it after use.
	Decrypt(ciphertext string) ([]byte, error)
}
