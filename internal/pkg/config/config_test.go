package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFile_Defaults(t *testing.T) {
	t.Setenv("GATEWAY_VAULT_SECRET", "s3cret")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Vault.Secret != "s3cret" {
		t.Errorf("vault secret not substituted: %q", cfg.Vault.Secret)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Cache.Type != "memory" {
		t.Errorf("storage/cache = %q/%q", cfg.Storage.Driver, cfg.Cache.Type)
	}
	if cfg.Gateway.DefaultTimeout != 120*time.Second || cfg.Gateway.CloseTimeout != 2*time.Second {
		t.Errorf("gateway timeouts = %v/%v", cfg.Gateway.DefaultTimeout, cfg.Gateway.CloseTimeout)
	}
	if cfg.Cache.TTL != 5*time.Minute || cfg.Cache.Breaker.MaxFailures != 5 {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if got := strings.Join(cfg.Gateway.VisionNativePrefixes, ","); got != "qwen-vl,qvq" {
		t.Errorf("vision prefixes = %q", got)
	}
	if cfg.Telemetry.ServiceName != "capsule-gateway" || cfg.Telemetry.Tracing {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadFile_FileAndEnvOverride(t *testing.T) {
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("GATEWAY_SERVER__PORT", "9000")
	t.Setenv("GATEWAY_CACHE__TTL", "1m")

	path := writeConfig(t, `
server:
  port: 7000
  admin_timeout: 5s
storage:
  driver: postgres
  dsn: postgres://gw:${DB_PASSWORD}@db/gateway
cache:
  type: noop
vault:
  secret: from-file
gateway:
  vision_native_prefixes: [qwen2-vl]
upstream:
  block_private_networks: true
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want env override 9000", cfg.Server.Port)
	}
	if cfg.Server.AdminTimeout != 5*time.Second {
		t.Errorf("admin timeout = %v", cfg.Server.AdminTimeout)
	}
	if cfg.Storage.DSN != "postgres://gw:pw@db/gateway" {
		t.Errorf("dsn = %q", cfg.Storage.DSN)
	}
	if cfg.Cache.TTL != time.Minute {
		t.Errorf("ttl = %v, want 1m", cfg.Cache.TTL)
	}
	if cfg.Vault.Secret != "from-file" {
		t.Errorf("secret = %q", cfg.Vault.Secret)
	}
	if len(cfg.Gateway.VisionNativePrefixes) != 1 || cfg.Gateway.VisionNativePrefixes[0] != "qwen2-vl" {
		t.Errorf("prefixes = %v", cfg.Gateway.VisionNativePrefixes)
	}
	if !cfg.Upstream.BlockPrivateNetworks {
		t.Error("block_private_networks not loaded")
	}
}

func TestLoadFile_Validation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"missing secret", "storage: {driver: memory}\n", "vault.secret"},
		{"unknown driver", "vault: {secret: x}\nstorage: {driver: oracle}\n", "storage.driver"},
		{"unknown cache", "vault: {secret: x}\ncache: {type: memcached}\n", "cache.type"},
		{"redis without url", "vault: {secret: x}\ncache: {type: redis}\n", "redis_url"},
		{"bad log level", "vault: {secret: x}\nlogging: {level: loud}\n", "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GATEWAY_VAULT_SECRET", "")
			_, err := LoadFile(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadFile() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple substitution", "${TEST_VAR}", "test-value"},
		{"substitution in string", "prefix-${TEST_VAR}-suffix", "prefix-test-value-suffix"},
		{"no substitution", "plain-string", "plain-string"},
		{"undefined var", "${UNDEFINED_VAR_FOR_TEST}", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}
