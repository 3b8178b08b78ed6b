package resolver

import (
	"context"
	"fmt"

	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
	"github.com/tjfontaine/capsule-gateway/internal/core/ports"
)

// scopes lists every default pointer the cache may hold.
var scopes = []string{
	string(domain.CapabilityChat),
	string(domain.CapabilityVision),
	string(domain.CapabilityReasoning),
	ports.ScopeGlobal,
}

// Invalidate drops the cached entries for ids together with every default
// pointer, since any pointer may name one of them. Write paths call this
// synchronously before reporting success.
func (r *Resolver) Invalidate(ctx context.Context, ids ...string) error {
	keys := make([]string, 0, len(ids)+len(scopes))
	for _, id := range ids {
		keys = append(keys, r.keys.Config(id))
	}
	for _, scope := range scopes {
		keys = append(keys, r.keys.Default(scope))
	}
	if err := r.cache.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("invalidate cache: %w", err)
	}
	return nil
}

// Warm writes every configuration and default pointer into the cache.
func (r *Resolver) Warm(ctx context.Context, configs []*domain.ModelConfig, defaults map[string]string) error {
	if err := r.Invalidate(ctx); err != nil {
		return err
	}
	for _, cfg := range configs {
		r.writeBack(ctx, r.keys.Config(cfg.ID), cfg)
	}
	for scope, id := range defaults {
		r.writeBackRaw(ctx, r.keys.Default(scope), []byte(id))
	}
	return nil
}
