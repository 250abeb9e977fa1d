// Package config loads service settings from a YAML file, a .env file and
// environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dlmonitor/dlcache/internal/observability"
	"github.com/dlmonitor/dlcache/pkg/cache"
	"github.com/dlmonitor/dlcache/pkg/kvstore"
	"github.com/dlmonitor/dlcache/pkg/session"
	"github.com/joho/godotenv"
	"github.com/seasbee/go-validatorx"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// IsInvalidConfig reports whether err is a validation failure.
func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// Config holds the complete service configuration.
type Config struct {
	Environment   string               `yaml:"environment" json:"environment" validate:"required,max:64"`
	Redis         kvstore.Config       `yaml:"redis" json:"redis"`
	Cache         CacheConfig          `yaml:"cache" json:"cache"`
	Session       SessionConfig        `yaml:"session" json:"session"`
	Server        ServerConfig         `yaml:"server" json:"server"`
	Auth          AuthConfig           `yaml:"auth" json:"auth"`
	Observability observability.Config `yaml:"observability" json:"observability"`
	Invalidation  InvalidationConfig   `yaml:"invalidation" json:"invalidation"`
	HotReload     HotReloadConfig      `yaml:"hot_reload" json:"hot_reload"`
}

// CacheConfig holds the TTL tiers and facade settings.
type CacheConfig struct {
	DefaultTTL   time.Duration     `yaml:"default_ttl" json:"default_ttl" validate:"gte:1000000000"`
	ShortTTL     time.Duration     `yaml:"short_ttl" json:"short_ttl" validate:"gte:1000000000"`
	MediumTTL    time.Duration     `yaml:"medium_ttl" json:"medium_ttl" validate:"gte:1000000000"`
	LongTTL      time.Duration     `yaml:"long_ttl" json:"long_ttl" validate:"gte:1000000000"`
	VeryLongTTL  time.Duration     `yaml:"very_long_ttl" json:"very_long_ttl" validate:"gte:1000000000"`
	ExcludedArgs []string          `yaml:"excluded_args" json:"excluded_args"`
	CountLimit   int               `yaml:"count_limit" json:"count_limit" validate:"min:1,max:1000000"`
	Local        cache.LocalConfig `yaml:"local" json:"local"`
}

// Tiers converts the configured TTLs.
func (c CacheConfig) Tiers() cache.Tiers {
	return cache.Tiers{
		Short:    c.ShortTTL,
		Default:  c.DefaultTTL,
		Medium:   c.MediumTTL,
		Long:     c.LongTTL,
		VeryLong: c.VeryLongTTL,
	}
}

// SessionConfig holds session lifetime and cookie settings.
type SessionConfig struct {
	DefaultTTL   time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"gte:1000000000"`
	CookieName   string        `yaml:"cookie_name" json:"cookie_name" validate:"required,max:128"`
	CookieMaxAge time.Duration `yaml:"cookie_max_age" json:"cookie_max_age" validate:"gte:1000000000"`
	CookiePath   string        `yaml:"cookie_path" json:"cookie_path"`
	CookieDomain string        `yaml:"cookie_domain" json:"cookie_domain" validate:"omitempty"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr" validate:"required,max:256"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins" json:"cors_origins"`
}

// AuthConfig holds the bearer token verification secret.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" json:"-"`
	Issuer    string `yaml:"issuer" json:"issuer"`
}

// InvalidationConfig holds the content category table.
type InvalidationConfig struct {
	Categories map[string][]string `yaml:"categories" json:"categories"`
	BatchSize  int                 `yaml:"batch_size" json:"batch_size" validate:"min:1,max:100000"`
}

// HotReloadConfig enables watching the config file.
type HotReloadConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	tiers := cache.DefaultTiers()
	return &Config{
		Environment: "development",
		Redis:       kvstore.DefaultConfig(),
		Cache: CacheConfig{
			DefaultTTL:   tiers.Default,
			ShortTTL:     tiers.Short,
			MediumTTL:    tiers.Medium,
			LongTTL:      tiers.Long,
			VeryLongTTL:  tiers.VeryLong,
			ExcludedArgs: append([]string(nil), cache.DefaultExcludedArgs...),
			CountLimit:   10000,
			Local:        cache.DefaultLocalConfig(),
		},
		Session: SessionConfig{
			DefaultTTL:   session.DefaultTTL,
			CookieName:   "session_id",
			CookieMaxAge: session.DefaultTTL,
			CookiePath:   "/",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Observability: observability.DefaultConfig(),
		Invalidation: InvalidationConfig{
			BatchSize: 1000,
		},
	}
}

// IsProduction reports whether secure cookies must be issued.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Load reads .env, then the YAML file when path is set, then the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	LoadFromEnvironment(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads a YAML file over the defaults and applies the environment.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	LoadFromEnvironment(cfg)
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadDotEnv loads variables from the given files, or ".env", when they
// exist. Variables already set in the environment win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// LoadFromEnvironment applies environment overrides. TTL variables are in
// seconds.
func LoadFromEnvironment(cfg *Config) {
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = v
		cfg.Observability.Environment = v
	}

	setSeconds(&cfg.Cache.DefaultTTL, "CACHE_DEFAULT_TTL")
	setSeconds(&cfg.Cache.ShortTTL, "CACHE_SHORT_TTL")
	setSeconds(&cfg.Cache.MediumTTL, "CACHE_MEDIUM_TTL")
	setSeconds(&cfg.Cache.LongTTL, "CACHE_LONG_TTL")
	setSeconds(&cfg.Cache.VeryLongTTL, "CACHE_VERY_LONG_TTL")

	if v := os.Getenv("SESSION_COOKIE_NAME"); v != "" {
		cfg.Session.CookieName = v
	}
	setSeconds(&cfg.Session.CookieMaxAge, "SESSION_COOKIE_MAX_AGE")
	setSeconds(&cfg.Session.DefaultTTL, "DLCACHE_SESSION_TTL")

	if v := os.Getenv("DLCACHE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DLCACHE_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("DLCACHE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("DLCACHE_JWT_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("DLCACHE_REDIS_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.PoolSize = n
		}
	}
	setBool(&cfg.Redis.Breaker.Enabled, "DLCACHE_CIRCUIT_BREAKER")
	setBool(&cfg.Cache.Local.Enabled, "DLCACHE_LOCAL_CACHE")
	setBool(&cfg.Observability.EnableMetrics, "DLCACHE_ENABLE_METRICS")
	setBool(&cfg.Observability.EnableTracing, "DLCACHE_ENABLE_TRACING")
	setBool(&cfg.Observability.RedactKeys, "DLCACHE_REDACT_KEYS")
	setBool(&cfg.HotReload.Enabled, "DLCACHE_HOT_RELOAD")
}

func setSeconds(dst *time.Duration, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}

func setBool(dst *bool, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks every section with struct tags plus the rules tags
// cannot express.
func (c *Config) Validate() error {
	validator := validatorx.NewValidator()

	var problems []string
	for _, section := range []any{c, &c.Redis, &c.Cache, &c.Session, &c.Server, &c.Observability, &c.Invalidation} {
		result := validator.ValidateStruct(section)
		if result.Valid {
			continue
		}
		for _, e := range result.Errors {
			problems = append(problems, fmt.Sprintf("%s: %s", e.Field, e.Message))
		}
	}

	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") && !strings.HasPrefix(c.Redis.URL, "unix://") {
		problems = append(problems, "redis.url: must use redis://, rediss:// or unix://")
	}
	if c.Session.CookieMaxAge < c.Session.DefaultTTL {
		problems = append(problems, "session.cookie_max_age: must not be shorter than session.default_ttl")
	}
	for name, patterns := range c.Invalidation.Categories {
		if len(patterns) == 0 {
			problems = append(problems, fmt.Sprintf("invalidation.categories.%s: needs at least one pattern", name))
		}
	}
	if c.IsProduction() && c.Auth.JWTSecret == "" {
		problems = append(problems, "auth.jwt_secret: required in production")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
