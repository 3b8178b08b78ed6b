package runtime

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/capsule-gateway/internal/core/ports"
	"github.com/tjfontaine/capsule-gateway/internal/pkg/config"
	"github.com/tjfontaine/capsule-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/capsule-gateway/internal/storage/memory"
	"github.com/tjfontaine/capsule-gateway/internal/storage/sqldb"
)

// openStore opens the configured Config Store.
func openStore(cfg config.StorageConfig) (ports.ConfigAdmin, error) {
	if cfg.Driver == "memory" {
		return memory.New(), nil
	}
	if cfg.Driver == "sqlite" {
		if err := ensureSQLiteDir(cfg.DSN); err != nil {
			return nil, err
		}
	}
	store, err := sqldb.New(sqldb.Config{Driver: cfg.Driver, DSN: cfg.DSN})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	return store, nil
}

// ensureSQLiteDir creates the parent directory of a file-path DSN.
func ensureSQLiteDir(dsn string) error {
	if dsn == "" || strings.HasPrefix(dsn, "file:") || strings.HasPrefix(dsn, ":memory:") {
		return nil
	}
	path, _, _ := strings.Cut(dsn, "?")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}

// newUpstreamClient builds the traced client adapters use. There is no
// client timeout: every call carries the invocation deadline.
func newUpstreamClient(cfg config.UpstreamConfig) *http.Client {
	transport := safehttp.NewTransport(cfg.DialTimeout, cfg.BlockPrivateNetworks)
	return &http.Client{Transport: otelhttp.NewTransport(transport)}
}
