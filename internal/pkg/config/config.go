// Package config loads service settings from an optional YAML file and
// GATEWAY_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Double underscores
// separate levels: GATEWAY_SERVER__PORT sets server.port.
const EnvPrefix = "GATEWAY_"

// DefaultFile is read when present.
const DefaultFile = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Storage   StorageConfig   `koanf:"storage"`
	Cache     CacheConfig     `koanf:"cache"`
	Vault     VaultConfig     `koanf:"vault"`
	Gateway   GatewayConfig   `koanf:"gateway"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	AdminTimeout time.Duration `koanf:"admin_timeout"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, mysql, memory
	DSN    string `koanf:"dsn"`
}

type CacheConfig struct {
	Type       string        `koanf:"type"` // redis, memory, noop
	RedisURL   string        `koanf:"redis_url"`
	KeyPrefix  string        `koanf:"key_prefix"`
	MaxEntries int           `koanf:"max_entries"`
	TTL        time.Duration `koanf:"ttl"`
	Breaker    BreakerConfig `koanf:"breaker"`
}

// BreakerConfig opens the cache circuit after MaxFailures consecutive errors.
type BreakerConfig struct {
	MaxFailures int           `koanf:"max_failures"`
	Cooldown    time.Duration `koanf:"cooldown"`
}

type VaultConfig struct {
	Secret string `koanf:"secret"`
}

type GatewayConfig struct {
	DefaultTimeout       time.Duration `koanf:"default_timeout"`
	CloseTimeout         time.Duration `koanf:"close_timeout"`
	StreamBuffer         int           `koanf:"stream_buffer"`
	SDKMaxTokens         int           `koanf:"sdk_max_tokens"`
	VisionNativePrefixes []string      `koanf:"vision_native_prefixes"`
}

type UpstreamConfig struct {
	BlockPrivateNetworks bool          `koanf:"block_private_networks"`
	DialTimeout          time.Duration `koanf:"dial_timeout"`
}

type TelemetryConfig struct {
	Tracing     bool   `koanf:"tracing"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.port":                    8080,
	"server.read_timeout":            "30s",
	"server.admin_timeout":           "30s",
	"logging.level":                  "info",
	"logging.format":                 "json",
	"storage.driver":                 "sqlite",
	"storage.dsn":                    "./data/gateway.db",
	"cache.type":                     "memory",
	"cache.key_prefix":               "capsule:",
	"cache.max_entries":              1024,
	"cache.ttl":                      "5m",
	"cache.breaker.max_failures":     5,
	"cache.breaker.cooldown":         "30s",
	"vault.secret":                   "${GATEWAY_VAULT_SECRET}",
	"gateway.default_timeout":        "120s",
	"gateway.close_timeout":          "2s",
	"gateway.stream_buffer":          16,
	"gateway.sdk_max_tokens":         4096,
	"gateway.vision_native_prefixes": []string{"qwen-vl", "qvq"},
	"upstream.dial_timeout":          "10s",
	"telemetry.service_name":         "capsule-gateway",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads DefaultFile if it exists, then the environment.
func Load() (*Config, error) {
	return LoadFile(DefaultFile)
}

// LoadFile reads path if it exists, then the environment, applies defaults
// and validates the result.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Environment overrides the file.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Vault.Secret = substituteEnvVars(cfg.Vault.Secret)
	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)
	cfg.Cache.RedisURL = substituteEnvVars(cfg.Cache.RedisURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vault.Secret) == "" {
		return errors.New("vault.secret is required (set GATEWAY_VAULT_SECRET)")
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres", "mysql", "memory":
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
	}
	switch c.Cache.Type {
	case "memory", "noop":
	case "redis":
		if c.Cache.RedisURL == "" {
			return errors.New("cache.redis_url is required for the redis cache")
		}
	default:
		return fmt.Errorf("unsupported cache.type %q", c.Cache.Type)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported logging.level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported logging.format %q", c.Logging.Format)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
