// Package config loads gateway configuration. Environment variables are the
// primary source; an optional config.yaml supplies defaults beneath them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelmux/modelmux/internal/infrastructure/llm"
	"github.com/spf13/viper"
)

// Config is the full gateway configuration.
type Config struct {
	Server         ServerConfig                  `mapstructure:"server"`
	Cache          CacheConfig                   `mapstructure:"cache"`
	DurableCache   DurableCacheConfig            `mapstructure:"durable_cache"`
	Classification ClassificationConfig          `mapstructure:"classification"`
	Log            LogConfig                     `mapstructure:"log"`
	Providers      map[string]llm.ProviderConfig `mapstructure:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Env  string `mapstructure:"env"` // development | production
}

// Production reports whether the gateway runs in production mode.
func (s ServerConfig) Production() bool { return s.Env == "production" }

// CacheConfig tunes the in-memory response cache.
type CacheConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	SweepIntervalMs int  `mapstructure:"sweep_interval_ms"`
}

// SweepInterval returns the sweep period as a duration.
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// DurableCacheConfig tunes the durable read-through cache.
type DurableCacheConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
	Dialect    string `mapstructure:"dialect"` // sqlite (default) | postgres
	DSN        string `mapstructure:"dsn"`
}

// TTL returns the entry lifetime as a duration.
func (c DurableCacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// ClassificationConfig locates the external classification service.
type ClassificationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LogConfig tunes the logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// providerNames are the providers read from the environment. openrouter
// speaks the OpenAI wire format through the openai adapter.
var providerNames = map[string]struct {
	typ     string
	baseURL string
}{
	"openai":     {typ: "openai"},
	"anthropic":  {typ: "anthropic"},
	"gemini":     {typ: "gemini"},
	"openrouter": {typ: "openai", baseURL: "https://openrouter.ai/api/v1"},
}

// Load reads config.yaml (when present) and the environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// CACHE_ENABLED disables only on the literal string "false".
	if raw, ok := os.LookupEnv("CACHE_ENABLED"); ok {
		cfg.Cache.Enabled = raw != "false"
	}

	cfg.Providers = loadProviders(v)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "development")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.sweep_interval_ms", 300000)
	v.SetDefault("durable_cache.enabled", false)
	v.SetDefault("durable_cache.ttl_seconds", 3600)
	v.SetDefault("durable_cache.dialect", "sqlite")
	v.SetDefault("classification.enabled", false)
	v.SetDefault("classification.host", "localhost")
	v.SetDefault("classification.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
}

func bindEnv(v *viper.Viper) {
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.env", "NODE_ENV")
	v.BindEnv("cache.sweep_interval_ms", "CACHE_SWEEP_INTERVAL_MS")
	v.BindEnv("durable_cache.enabled", "DURABLE_CACHE_ENABLED", "FIRESTORE_CACHE_ENABLED")
	v.BindEnv("durable_cache.ttl_seconds", "DURABLE_CACHE_TTL", "FIRESTORE_CACHE_TTL")
	v.BindEnv("durable_cache.dialect", "DURABLE_CACHE_DIALECT")
	v.BindEnv("durable_cache.dsn", "DURABLE_CACHE_DSN")
	v.BindEnv("classification.enabled", "USE_CLASSIFICATION_SERVICE")
	v.BindEnv("classification.host", "CLASSIFICATION_SERVER_HOST")
	v.BindEnv("classification.port", "CLASSIFICATION_SERVER_PORT")
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.format", "LOG_FORMAT")
}

// loadProviders reads per-provider settings from <PROVIDER>_API_KEY,
// <PROVIDER>_BASE_URL and <PROVIDER>_DEFAULT_MODEL, with yaml fallbacks
// under providers.<name>.
func loadProviders(v *viper.Viper) map[string]llm.ProviderConfig {
	out := make(map[string]llm.ProviderConfig, len(providerNames))
	for name, meta := range providerNames {
		prefix := strings.ToUpper(name)
		cfg := llm.ProviderConfig{
			Name:         name,
			Type:         meta.typ,
			APIKey:       envOr(prefix+"_API_KEY", v.GetString("providers."+name+".api_key")),
			BaseURL:      envOr(prefix+"_BASE_URL", v.GetString("providers."+name+".base_url")),
			DefaultModel: envOr(prefix+"_DEFAULT_MODEL", v.GetString("providers."+name+".default_model")),
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = meta.baseURL
		}
		if name == "gemini" {
			cfg.APIVersion = envOr("GEMINI_API_VERSION", "v1beta")
		}
		out[name] = cfg
	}
	return out
}

func envOr(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// Version is stamped at build time via -ldflags.
var Version = "dev"

// VersionFile returns the contents of a VERSION file when one sits next to
// the binary, falling back to the build-time version.
func VersionFile() string {
	exe, err := os.Executable()
	if err != nil {
		return Version
	}
	b, err := os.ReadFile(filepath.Join(filepath.Dir(exe), "VERSION"))
	if err != nil {
		return Version
	}
	return strings.TrimSpace(string(b))
}
