package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Cache backends for schedule templates.
const (
	CacheNone  = "none"
	CacheLRU   = "lru"
	CacheRedis = "redis"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	AuthMode           string        `mapstructure:"AUTH_MODE"`
	Store              string        `mapstructure:"STORE"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	StoreTimeout       time.Duration `mapstructure:"STORE_TIMEOUT"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	DefaultSlotMinutes int           `mapstructure:"DEFAULT_SLOT_MINUTES"`
	DefaultClinic      string        `mapstructure:"DEFAULT_CLINIC"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	CacheBackend       string        `mapstructure:"CACHE_BACKEND"`
	CacheSize          int           `mapstructure:"CACHE_SIZE"`
	CacheTTL           time.Duration `mapstructure:"CACHE_TTL"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	AMQPURL            string        `mapstructure:"AMQP_URL"`
	AMQPExchange       string        `mapstructure:"AMQP_EXCHANGE"`
	OTelEnabled        bool          `mapstructure:"OTEL_ENABLED"`
	OTelEndpoint       string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"STORE_TIMEOUT", "REQUEST_TIMEOUT", "DEFAULT_SLOT_MINUTES", "DEFAULT_CLINIC",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CACHE_BACKEND", "CACHE_SIZE", "CACHE_TTL", "REDIS_URL",
	"AMQP_URL", "AMQP_EXCHANGE", "OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

// Load reads the configuration from the environment and an optional .env
// file. It does not validate; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred, see ResolvedAuthMode
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("STORE_TIMEOUT", "3s")
	v.SetDefault("REQUEST_TIMEOUT", "10s")
	v.SetDefault("DEFAULT_SLOT_MINUTES", 30)
	v.SetDefault("DEFAULT_CLINIC", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("CACHE_BACKEND", CacheLRU)
	v.SetDefault("CACHE_SIZE", 1024)
	v.SetDefault("CACHE_TTL", "1m")
	v.SetDefault("AMQP_EXCHANGE", "clinic.scheduling")
	v.SetDefault("OTEL_ENABLED", false)

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	origins := cfg.CORSOrigins[:0]
	for _, o := range cfg.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	cfg.CORSOrigins = origins
	cfg.Store = strings.ToLower(cfg.Store)
	cfg.CacheBackend = strings.ToLower(cfg.CacheBackend)

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is set it
// wins. Otherwise:
//   - AUTH_ISSUER or AUTH_JWKS_URL set → "external" (RS256 via JWKS)
//   - AUTH_SIGNING_KEY set             → "shared-key" (HS256)
//   - ENV=development                  → "development" (every request is admin)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	switch {
	case c.AuthIssuer != "" || c.AuthJWKSURL != "":
		return "external"
	case c.AuthSigningKey != "":
		return "shared-key"
	case c.IsDev():
		return "development"
	}
	return ""
}

// Validate checks that the configuration is consistent and safe to serve.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE is %q", StorePostgres)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}

	switch c.CacheBackend {
	case CacheNone, CacheLRU:
	case CacheRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND is %q", CacheRedis)
		}
	default:
		return fmt.Errorf("CACHE_BACKEND must be none, lru or redis, got %q", c.CacheBackend)
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE development is not allowed in production")
		}
	case "external":
		if c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_JWKS_URL must be set when AUTH_MODE is \"external\"")
		}
	case "shared-key":
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes")
		}
	case "":
		return fmt.Errorf("no authentication configured for ENV=%q: set AUTH_JWKS_URL or AUTH_SIGNING_KEY", c.Env)
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\", \"external\" or \"shared-key\", got %q", mode)
	}

	if c.DefaultSlotMinutes <= 0 {
		return fmt.Errorf("DEFAULT_SLOT_MINUTES must be positive, got %d", c.DefaultSlotMinutes)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
