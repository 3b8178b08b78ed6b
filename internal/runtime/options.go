package runtime

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/capsule-gateway/internal/core/ports"
	"github.com/tjfontaine/capsule-gateway/internal/pkg/config"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig loads settings from a YAML file and the environment.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		g.cfg = cfg
		return nil
	}
}

// WithConfig uses an already loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		g.cfg = cfg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithStore uses store instead of opening storage.driver.
func WithStore(store ports.ConfigAdmin) Option {
	return func(g *Gateway) error {
		g.store = store
		return nil
	}
}

// WithCache uses c instead of building cache.type. It is not wrapped in a
// circuit breaker.
func WithCache(c ports.Cache) Option {
	return func(g *Gateway) error {
		g.cache = c
		return nil
	}
}

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) error {
		g.httpClient = client
		return nil
	}
}
