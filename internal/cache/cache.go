// Package cache provides the resolver's read-through cache backends.
package cache

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/capsule-gateway/internal/core/ports"
)

// Config selects and tunes a cache backend.
type Config struct {
	Type       string // "redis", "memory", "noop"
	RedisURL   string
	MaxEntries int
	TTL        time.Duration

	// MaxFailures consecutive backend errors open the breaker for Cooldown.
	MaxFailures int
	Cooldown    time.Duration
}

// New builds the configured backend wrapped in a circuit breaker.
// The noop backend is returned unwrapped.
func New(cfg Config, logger *slog.Logger) (ports.Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var backend ports.Cache
	switch cfg.Type {
	case "redis":
		rc, err := NewRedis(cfg.RedisURL, logger)
		if err != nil {
			return nil, err
		}
		backend = rc
	case "memory", "":
		backend = NewMemory(cfg.MaxEntries, cfg.TTL)
	case "noop", "none":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}

	logger.Info("cache initialized", slog.String("type", cfg.Type))
	return NewBreaker(backend, BreakerSettings{
		Name:        "cache-" + cfg.Type,
		MaxFailures: cfg.MaxFailures,
		Cooldown:    cfg.Cooldown,
		Logger:      logger,
	}), nil
}
