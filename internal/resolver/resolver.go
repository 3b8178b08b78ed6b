// Package resolver picks the model configuration for a request.
//
// Precedence, short-circuiting at the first hit:
//
//  1. explicit config id (absent id is ConfigNotFound, never a fallback)
//  2. the default for the requested capability
//  3. the global default, which must be chat-capable; without a global
//     pointer the plain chat default stands in
//  4. NoConfigAvailable
//
// Reads go through the cache first. The cache is best effort: any cache
// failure is logged and the store is consulted instead. Only values just
// read from the store are written back, and misses are never cached.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/tjfontaine/capsule-gateway/internal/cache"
	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
	"github.com/tjfontaine/capsule-gateway/internal/core/ports"
)

const defaultTTL = 5 * time.Minute

// Resolver implements configuration resolution over a store and a cache.
type Resolver struct {
	store  ports.ConfigStore
	cache  ports.Cache
	keys   cache.Keys
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache sets the read-through cache.
func WithCache(c ports.Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

// WithKeyPrefix namespaces every cache key.
func WithKeyPrefix(prefix string) Option {
	return func(r *Resolver) { r.keys = cache.Keys{Prefix: prefix} }
}

// WithTTL sets how long read-repaired entries live.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a Resolver. Without WithCache every lookup goes to the store.
func New(store ports.ConfigStore, opts ...Option) *Resolver {
	r := &Resolver{
		store:  store,
		cache:  cache.Noop{},
		ttl:    defaultTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the configuration to use for capability. explicitID wins when non-empty.
func (r *Resolver) Resolve(ctx context.Context, capability domain.Capability, explicitID string) (*domain.ModelConfig, error) {
	if explicitID != "" {
		cfg, err := r.byID(ctx, explicitID)
		if errors.Is(err, ports.ErrNotFound) {
			return nil, domain.ErrConfigNotFound(explicitID)
		}
		if err != nil {
			return nil, r.storeFailure(err)
		}
		return cfg, nil
	}

	cfg, err := r.byScope(ctx, string(capability), capability, func(ctx context.Context) (*domain.ModelConfig, error) {
		return r.store.GetDefault(ctx, capability)
	})
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, ports.ErrNotFound) {
		return nil, r.storeFailure(err)
	}

	cfg, err = r.byScope(ctx, ports.ScopeGlobal, domain.CapabilityChat, r.store.GetGlobalDefault)
	if errors.Is(err, ports.ErrNotFound) && capability != domain.CapabilityChat {
		cfg, err = r.byScope(ctx, string(domain.CapabilityChat), domain.CapabilityChat, func(ctx context.Context) (*domain.ModelConfig, error) {
			return r.store.GetDefault(ctx, domain.CapabilityChat)
		})
	}
	if err == nil {
		if capability != domain.CapabilityChat {
			r.logger.Debug("capability default missing, using global default",
				slog.String("capability", string(capability)),
				slog.String("config_id", cfg.ID))
		}
		return cfg, nil
	}
	if !errors.Is(err, ports.ErrNotFound) {
		return nil, r.storeFailure(err)
	}

	return nil, domain.ErrNoConfigAvailable(capability)
}

func (r *Resolver) storeFailure(err error) error {
	r.logger.Error("config store lookup failed", slog.String("error", err.Error()))
	return domain.ErrInternal("configuration store unavailable")
}

// byID reads a configuration through the cache.
func (r *Resolver) byID(ctx context.Context, id string) (*domain.ModelConfig, error) {
	key := r.keys.Config(id)
	if cfg, ok := r.cachedConfig(ctx, key); ok {
		return cfg, nil
	}

	cfg, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.writeBack(ctx, key, cfg)
	return cfg, nil
}

// byScope follows the scope pointer to a configuration that must serve required.
// A pointer whose target vanished or no longer serves the capability is
// treated as absent so the caller can fall back.
func (r *Resolver) byScope(ctx context.Context, scope string, required domain.Capability, load func(context.Context) (*domain.ModelConfig, error)) (*domain.ModelConfig, error) {
	pointerKey := r.keys.Default(scope)

	if id, ok := r.cachedString(ctx, pointerKey); ok {
		cfg, err := r.byID(ctx, id)
		switch {
		case err == nil && cfg.Serves(required):
			return cfg, nil
		case err == nil:
			r.logger.Warn("cached default does not serve capability",
				slog.String("scope", scope),
				slog.String("config_id", id))
		case !errors.Is(err, ports.ErrNotFound):
			return nil, err
		}
	}

	cfg, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.Serves(required) {
		r.logger.Warn("default does not serve capability, skipping",
			slog.String("scope", scope),
			slog.String("config_id", cfg.ID),
			slog.String("capability", string(required)))
		return nil, ports.ErrNotFound
	}

	r.writeBack(ctx, r.keys.Config(cfg.ID), cfg)
	r.writeBackRaw(ctx, pointerKey, []byte(cfg.ID))
	return cfg, nil
}

func (r *Resolver) cachedConfig(ctx context.Context, key string) (*domain.ModelConfig, bool) {
	data, ok := r.cachedBytes(ctx, key)
	if !ok {
		return nil, false
	}
	var cfg domain.ModelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		r.logger.Warn("discarding undecodable cache entry", slog.String("key", key), slog.String("error", err.Error()))
		return nil, false
	}
	return &cfg, true
}

func (r *Resolver) cachedString(ctx context.Context, key string) (string, bool) {
	data, ok := r.cachedBytes(ctx, key)
	if !ok || len(data) == 0 {
		return "", false
	}
	return string(data), true
}

func (r *Resolver) cachedBytes(ctx context.Context, key string) ([]byte, bool) {
	data, err := r.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ports.ErrCacheMiss) {
			r.logger.Warn("cache read failed, using store", slog.String("key", key), slog.String("error", err.Error()))
		}
		return nil, false
	}
	return data, true
}

func (r *Resolver) writeBack(ctx context.Context, key string, cfg *domain.ModelConfig) {
	data, err := json.Marshal(cfg)
	if err != nil {
		r.logger.Warn("failed to encode config for cache", slog.String("config_id", cfg.ID), slog.String("error", err.Error()))
		return
	}
	r.writeBackRaw(ctx, key, data)
}

func (r *Resolver) writeBackRaw(ctx context.Context, key string, data []byte) {
	if err := r.cache.Set(ctx, key, data, r.ttl); err != nil {
		r.logger.Warn("cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}
