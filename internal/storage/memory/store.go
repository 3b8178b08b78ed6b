package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
	"github.com/tjfontaine/capsule-gateway/internal/storage"
)

// Store is an in-memory implementation of ConfigAdmin.
type Store struct {
	mu       sync.RWMutex
	configs  map[string]*domain.ModelConfig
	defaults map[string]string
}

var _ storage.ConfigAdmin = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		configs:  make(map[string]*domain.ModelConfig),
		defaults: make(map[string]string),
	}
}

// copyOf returns a detached copy with IsDefault derived from the pointers.
// Callers must hold the lock.
func (s *Store) copyOf(cfg *domain.ModelConfig) *domain.ModelConfig {
	out := *cfg
	out.Capabilities = append([]domain.Capability(nil), cfg.Capabilities...)
	if cfg.Temperature != nil {
		t := *cfg.Temperature
		out.Temperature = &t
	}
	out.IsDefault = false
	for _, id := range s.defaults {
		if id == cfg.ID {
			out.IsDefault = true
			break
		}
	}
	return &out
}

func (s *Store) GetByID(ctx context.Context, id string) (*domain.ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.copyOf(cfg), nil
}

func (s *Store) byScope(scope string) (*domain.ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.defaults[scope]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cfg, ok := s.configs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.copyOf(cfg), nil
}

func (s *Store) GetDefault(ctx context.Context, capability domain.Capability) (*domain.ModelConfig, error) {
	return s.byScope(string(capability))
}

func (s *Store) GetGlobalDefault(ctx context.Context) (*domain.ModelConfig, error) {
	return s.byScope(storage.ScopeGlobal)
}

func (s *Store) List(ctx context.Context) ([]*domain.ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ModelConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, s.copyOf(cfg))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Save(ctx context.Context, cfg *domain.ModelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.configs[cfg.ID]; ok {
		cfg.CreatedAt = existing.CreatedAt
	} else if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	stored := *cfg
	stored.Capabilities = append([]domain.Capability(nil), cfg.Capabilities...)
	s.configs[cfg.ID] = &stored
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.configs, id)
	for scope, target := range s.defaults {
		if target == id {
			delete(s.defaults, scope)
		}
	}
	return nil
}

func (s *Store) SetDefault(ctx context.Context, scope, configID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[configID]; !ok {
		return storage.ErrNotFound
	}
	s.defaults[scope] = configID
	return nil
}

func (s *Store) DefaultID(ctx context.Context, scope string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.defaults[scope]
	if !ok {
		return "", storage.ErrNotFound
	}
	return id, nil
}

func (s *Store) Defaults(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.defaults))
	for k, v := range s.defaults {
		out[k] = v
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
