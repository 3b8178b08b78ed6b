// Package controlplane is the config-admin passthrough: it writes model
// configurations and default pointers to the store and keeps the resolver
// cache in step with every write.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
	"github.com/tjfontaine/capsule-gateway/internal/core/ports"
	"github.com/tjfontaine/capsule-gateway/internal/storage"
)

// CacheSync keeps cached configurations consistent with the store.
type CacheSync interface {
	Invalidate(ctx context.Context, ids ...string) error
	Warm(ctx context.Context, configs []*domain.ModelConfig, defaults map[string]string) error
}

// SaveInput is a create or update request. A nil APIKey on update keeps
// the stored credential; an empty string clears it.
type SaveInput struct {
	ID             string                `json:"id,omitempty"`
	Name           string                `json:"name"`
	Model          string                `json:"model"`
	BaseURL        string                `json:"base_url"`
	APIKey         *string               `json:"api_key,omitempty"`
	Temperature    *float64              `json:"temperature,omitempty"`
	Capabilities   []domain.Capability   `json:"capabilities"`
	ProtocolFamily domain.ProtocolFamily `json:"protocol_family"`
}

// SyncResult reports what SyncToCache wrote.
type SyncResult struct {
	Configs  int `json:"configs"`
	Defaults int `json:"defaults"`
}

// Service implements the admin operations.
type Service struct {
	store  ports.ConfigAdmin
	vault  ports.Vault
	cache  CacheSync
	logger *slog.Logger
	newID  func() string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithIDGenerator replaces uuid generation for new configurations.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// NewService creates a Service.
func NewService(store ports.ConfigAdmin, vault ports.Vault, cache CacheSync, opts ...Option) *Service {
	s := &Service{
		store:  store,
		vault:  vault,
		cache:  cache,
		logger: slog.Default(),
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) List(ctx context.Context) ([]*domain.ModelConfig, error) {
	configs, err := s.store.List(ctx)
	if err != nil {
		return nil, s.storeError(err, "")
	}
	return configs, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.ModelConfig, error) {
	cfg, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, s.storeError(err, id)
	}
	return cfg, nil
}

// Save creates or replaces a configuration. The plaintext key is encrypted
// before it reaches the store and is never returned.
func (s *Service) Save(ctx context.Context, in SaveInput) (*domain.ModelConfig, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	cfg := &domain.ModelConfig{
		ID:             in.ID,
		Name:           in.Name,
		Model:          in.Model,
		BaseURL:        strings.TrimRight(in.BaseURL, "/"),
		Temperature:    in.Temperature,
		Capabilities:   in.Capabilities,
		ProtocolFamily: in.ProtocolFamily,
	}

	if cfg.ID == "" {
		cfg.ID = s.newID()
	} else if in.APIKey == nil {
		existing, err := s.store.GetByID(ctx, cfg.ID)
		switch {
		case err == nil:
			cfg.EncryptedAPIKey = existing.EncryptedAPIKey
		case !errors.Is(err, storage.ErrNotFound):
			return nil, s.storeError(err, cfg.ID)
		}
	}

	if in.APIKey != nil {
		enc, err := s.vault.Encrypt(*in.APIKey)
		if err != nil {
			s.logger.Error("failed to encrypt credential", slog.String("config_id", cfg.ID))
			return nil, domain.ErrInternal("credential could not be encrypted")
		}
		cfg.EncryptedAPIKey = enc
	}

	if err := s.store.Save(ctx, cfg); err != nil {
		return nil, s.storeError(err, cfg.ID)
	}
	s.invalidate(ctx, cfg.ID)

	s.logger.Info("model config saved",
		slog.String("config_id", cfg.ID),
		slog.String("protocol_family", string(cfg.ProtocolFamily)))
	return s.Get(ctx, cfg.ID)
}

// Delete removes a configuration and synchronously drops it and every
// default pointer from the cache.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return s.storeError(err, id)
	}
	s.invalidate(ctx, id)
	s.logger.Info("model config deleted", slog.String("config_id", id))
	return nil
}

// SetDefault points scope at id. Scope is a capability or "global"; the
// configuration must serve the capability, and the global default must
// serve chat.
func (s *Service) SetDefault(ctx context.Context, scope, id string) error {
	scope, required, ok := normalizeScope(scope)
	if !ok {
		return domain.ErrInvalidRequest(fmt.Sprintf("unknown default scope %q", scope))
	}
	cfg, err := s.store.GetByID(ctx, id)
	if err != nil {
		return s.storeError(err, id)
	}
	if !cfg.Serves(required) {
		return domain.ErrInvalidRequest(fmt.Sprintf("config %s does not serve %s", id, required))
	}

	if err := s.store.SetDefault(ctx, scope, id); err != nil {
		return s.storeError(err, id)
	}
	s.invalidate(ctx, id)
	s.logger.Info("default config set", slog.String("scope", scope), slog.String("config_id", id))
	return nil
}

func (s *Service) Defaults(ctx context.Context) (map[string]string, error) {
	defaults, err := s.store.Defaults(ctx)
	if err != nil {
		return nil, s.storeError(err, "")
	}
	return defaults, nil
}

// SyncToCache writes every configuration and pointer to the cache.
func (s *Service) SyncToCache(ctx context.Context) (*SyncResult, error) {
	configs, err := s.store.List(ctx)
	if err != nil {
		return nil, s.storeError(err, "")
	}
	defaults, err := s.store.Defaults(ctx)
	if err != nil {
		return nil, s.storeError(err, "")
	}
	if err := s.cache.Warm(ctx, configs, defaults); err != nil {
		s.logger.Error("cache sync failed", slog.String("error", err.Error()))
		return nil, domain.ErrInternal("cache sync failed")
	}
	s.logger.Info("cache synced", slog.Int("configs", len(configs)), slog.Int("defaults", len(defaults)))
	return &SyncResult{Configs: len(configs), Defaults: len(defaults)}, nil
}

// invalidate drops cached state after a write. The store is already
// updated, so a cache failure is logged rather than returned; entries then
// expire within the cache TTL.
func (s *Service) invalidate(ctx context.Context, id string) {
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.Error("cache invalidation failed",
			slog.String("config_id", id),
			slog.String("error", err.Error()))
	}
}

func (s *Service) storeError(err error, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return domain.ErrConfigNotFound(id)
	}
	if gwErr, ok := domain.AsError(err); ok {
		return gwErr
	}
	s.logger.Error("config store operation failed", slog.String("error", err.Error()))
	return domain.ErrInternal("configuration store unavailable")
}

// normalizeScope returns the canonical scope and the capability a config
// needs to be its default.
func normalizeScope(scope string) (string, domain.Capability, bool) {
	scope = strings.ToLower(strings.TrimSpace(scope))
	switch scope {
	case "":
		return "", "", false
	case storage.ScopeGlobal:
		return scope, domain.CapabilityChat, true
	}
	c, ok := domain.ParseCapability(scope)
	return string(c), c, ok
}

func validate(in SaveInput) error {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return domain.ErrInvalidRequest("name is required")
	case strings.TrimSpace(in.Model) == "":
		return domain.ErrInvalidRequest("model is required")
	case !in.ProtocolFamily.Valid():
		return domain.ErrInvalidRequest(fmt.Sprintf("unknown protocol family %q", in.ProtocolFamily))
	case len(in.Capabilities) == 0:
		return domain.ErrInvalidRequest("at least one capability is required")
	}
	for _, c := range in.Capabilities {
		if !c.Valid() {
			return domain.ErrInvalidRequest(fmt.Sprintf("unknown capability %q", c))
		}
	}
	return nil
}
