// Package runtime wires the gateway's components from configuration and
// manages the HTTP server lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/capsule-gateway/internal/cache"
	"github.com/tjfontaine/capsule-gateway/internal/controlplane"
	"github.com/tjfontaine/capsule-gateway/internal/core/ports"
	"github.com/tjfontaine/capsule-gateway/internal/frontdoor"
	invoke "github.com/tjfontaine/capsule-gateway/internal/gateway"
	"github.com/tjfontaine/capsule-gateway/internal/pkg/config"
	"github.com/tjfontaine/capsule-gateway/internal/provider/registry"
	"github.com/tjfontaine/capsule-gateway/internal/registration"
	"github.com/tjfontaine/capsule-gateway/internal/resolver"
	"github.com/tjfontaine/capsule-gateway/internal/server"
	"github.com/tjfontaine/capsule-gateway/internal/stream"
	"github.com/tjfontaine/capsule-gateway/internal/tokens"
	"github.com/tjfontaine/capsule-gateway/internal/vault"
)

// Gateway is the main entry point for running the inference gateway.
// It owns the Config Store, cache, vault, adapters and HTTP server.
// Gateway can be embedded in larger applications or run standalone.
type Gateway struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      ports.ConfigAdmin
	cache      ports.Cache
	httpClient *http.Client

	vault    *vault.Vault
	resolver *resolver.Resolver
	adapters *registry.Registry
	facade   *invoke.Gateway
	admin    *controlplane.Service
	server   *server.Server

	// Lifecycle management
	mu      sync.Mutex
	started bool
	errCh   chan error
}

// New builds every component. Storage is opened and its schema created, but
// nothing listens until Start.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if gw.cfg == nil {
		return nil, errors.New("configuration required (use WithFileConfig or WithConfig)")
	}

	if err := gw.init(); err != nil {
		gw.closeResources()
		return nil, err
	}
	return gw, nil
}

func (g *Gateway) init() error {
	cfg := g.cfg

	v, err := vault.New(cfg.Vault.Secret)
	if err != nil {
		return fmt.Errorf("create vault: %w", err)
	}
	g.vault = v

	if g.store == nil {
		store, err := openStore(cfg.Storage)
		if err != nil {
			return err
		}
		g.store = store
	}

	if g.cache == nil {
		c, err := cache.New(cache.Config{
			Type:        cfg.Cache.Type,
			RedisURL:    cfg.Cache.RedisURL,
			MaxEntries:  cfg.Cache.MaxEntries,
			TTL:         cfg.Cache.TTL,
			MaxFailures: cfg.Cache.Breaker.MaxFailures,
			Cooldown:    cfg.Cache.Breaker.Cooldown,
		}, g.logger)
		if err != nil {
			return fmt.Errorf("create cache: %w", err)
		}
		g.cache = c
	}

	g.resolver = resolver.New(g.store,
		resolver.WithCache(g.cache),
		resolver.WithKeyPrefix(cfg.Cache.KeyPrefix),
		resolver.WithTTL(cfg.Cache.TTL),
		resolver.WithLogger(g.logger),
	)

	if g.httpClient == nil {
		g.httpClient = newUpstreamClient(cfg.Upstream)
	}
	registration.RegisterBuiltins()
	adapters, err := registry.Build(registry.Deps{
		HTTPClient:           g.httpClient,
		Logger:               g.logger,
		SDKMaxTokens:         cfg.Gateway.SDKMaxTokens,
		VisionNativePrefixes: cfg.Gateway.VisionNativePrefixes,
	})
	if err != nil {
		return fmt.Errorf("build adapters: %w", err)
	}
	g.adapters = adapters

	normalizer := stream.NewNormalizer(
		stream.WithBuffer(cfg.Gateway.StreamBuffer),
		stream.WithCloseTimeout(cfg.Gateway.CloseTimeout),
		stream.WithLogger(g.logger),
	)
	g.facade = invoke.New(g.resolver, g.vault, g.adapters,
		invoke.WithNormalizer(normalizer),
		invoke.WithEstimator(tokens.NewEstimator(tokens.WithLogger(g.logger))),
		invoke.WithDefaultTimeout(cfg.Gateway.DefaultTimeout),
		invoke.WithBuffer(cfg.Gateway.StreamBuffer),
		invoke.WithLogger(g.logger),
	)

	g.admin = controlplane.NewService(g.store, g.vault, g.resolver, controlplane.WithLogger(g.logger))

	g.server = server.New(server.Config{
		Port:        cfg.Server.Port,
		ReadTimeout: cfg.Server.ReadTimeout,
	}, g.logger)
	g.registerRoutes(g.server.Router)

	g.logger.Info("gateway initialized",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("cache", cfg.Cache.Type),
		slog.Int("adapters", len(g.adapters.Families())))
	return nil
}

func (g *Gateway) registerRoutes(r chi.Router) {
	fd := frontdoor.NewHandler(g.facade,
		frontdoor.WithCloseTimeout(g.cfg.Gateway.CloseTimeout),
		frontdoor.WithLogger(g.logger))
	for _, reg := range fd.Registrations("/v1") {
		r.MethodFunc(reg.Method, reg.Path, reg.Handler)
		g.logger.Debug("registered handler",
			slog.String("method", reg.Method),
			slog.String("path", reg.Path))
	}

	admin := controlplane.NewServer(g.admin)
	r.With(server.TimeoutMiddleware(g.cfg.Server.AdminTimeout)).Mount("/admin", admin)
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.server.Router
}

// Invoker returns the facade for in-process callers.
func (g *Gateway) Invoker() *invoke.Gateway {
	return g.facade
}

// Admin returns the configuration administration service.
func (g *Gateway) Admin() *controlplane.Service {
	return g.admin
}

// Start warms the cache and starts serving on the configured port in the
// background. A failed warm-up is logged; requests fall through to the store.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", g.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		ln.Close()
		return errors.New("gateway already started")
	}

	if res, err := g.admin.SyncToCache(ctx); err != nil {
		g.logger.Warn("cache warm-up failed", slog.String("error", err.Error()))
	} else {
		g.logger.Info("cache warmed",
			slog.Int("configs", res.Configs),
			slog.Int("defaults", res.Defaults))
	}

	g.errCh = make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil {
			g.logger.Error("server error", slog.String("error", err.Error()))
			g.errCh <- err
		}
		close(g.errCh)
	}()
	g.started = true

	g.logger.Info("gateway started", slog.String("addr", ln.Addr().String()))
	return nil
}

// Done reports a fatal server error, or closes after Shutdown.
func (g *Gateway) Done() <-chan error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errCh
}

// Shutdown gracefully stops the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	var shutdownErr error
	if g.started {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			shutdownErr = err
		}
		g.started = false
	}

	g.closeResources()

	g.logger.Info("gateway shutdown complete")
	return shutdownErr
}

func (g *Gateway) closeResources() {
	if g.cache != nil {
		if err := g.cache.Close(); err != nil {
			g.logger.Error("failed to close cache", slog.String("error", err.Error()))
		}
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}
}
