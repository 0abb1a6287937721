// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds the agent configuration. Every field can be set through its
// NESTFIND_ environment variable; an optional YAML file named by
// NESTFIND_CONFIG_FILE supplies values that the environment then overrides.
type Config struct {
	APIBaseURL string        `yaml:"api_base_url" env:"NESTFIND_API_BASE_URL" env-default:"http://localhost:5000/api/v1"`
	APITimeout time.Duration `yaml:"api_timeout" env:"NESTFIND_API_TIMEOUT" env-default:"10s"`
	ListenAddr string        `yaml:"listen_addr" env:"NESTFIND_LISTEN_ADDR" env-default:"127.0.0.1:8787"`

	Store              string        `yaml:"store" env:"NESTFIND_STORE" env-default:"sqlite"`
	DBPath             string        `yaml:"db_path" env:"NESTFIND_DB_PATH" env-default:"nestfind.db"`
	RedisURL           string        `yaml:"redis_url" env:"NESTFIND_REDIS_URL" env-default:"redis://localhost:6379/0"`
	RedisPrefix        string        `yaml:"redis_prefix" env:"NESTFIND_REDIS_PREFIX" env-default:"nestfind:session"`
	ChangePollInterval time.Duration `yaml:"change_poll_interval" env:"NESTFIND_CHANGE_POLL_INTERVAL" env-default:"250ms"`
	EncryptionKey      string        `yaml:"encryption_key" env:"NESTFIND_ENCRYPTION_KEY"`

	RefreshBuffer     time.Duration `yaml:"refresh_buffer" env:"NESTFIND_REFRESH_BUFFER" env-default:"2m"`
	CheckInterval     time.Duration `yaml:"check_interval" env:"NESTFIND_CHECK_INTERVAL" env-default:"1m"`
	TamperInterval    time.Duration `yaml:"tamper_interval" env:"NESTFIND_TAMPER_INTERVAL" env-default:"1s"`
	RefreshTimeout    time.Duration `yaml:"refresh_timeout" env:"NESTFIND_REFRESH_TIMEOUT" env-default:"10s"`
	RefreshRetries    int           `yaml:"refresh_retries" env:"NESTFIND_REFRESH_RETRIES" env-default:"1"`
	RefreshRetryDelay time.Duration `yaml:"refresh_retry_delay" env:"NESTFIND_REFRESH_RETRY_DELAY" env-default:"1s"`

	// GRPCTarget is an optional gRPC endpoint of the listing API. When set,
	// the agent dials it with the session interceptor and checks its health.
	GRPCTarget   string `yaml:"grpc_target" env:"NESTFIND_GRPC_TARGET"`
	GRPCInsecure bool   `yaml:"grpc_insecure" env:"NESTFIND_GRPC_INSECURE" env-default:"false"`

	LoginPath string `yaml:"login_path" env:"NESTFIND_LOGIN_PATH" env-default:"/login"`
	LogLevel  string `yaml:"log_level" env:"NESTFIND_LOG_LEVEL" env-default:"info"`
	LogFormat string `yaml:"log_format" env:"NESTFIND_LOG_FORMAT" env-default:"text"`
}

// Load reads configuration from the optional file and the environment and
// returns a validated Config.
func Load() (*Config, error) {
	var cfg Config

	if path := os.Getenv("NESTFIND_CONFIG_FILE"); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("NESTFIND_API_BASE_URL must be an absolute URL, got %q", c.APIBaseURL))
	}

	switch c.Store {
	case StoreSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("NESTFIND_DB_PATH is required for the sqlite store"))
		}
	case StoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("NESTFIND_REDIS_URL is required for the redis store"))
		}
		if c.RedisPrefix == "" {
			errs = append(errs, errors.New("NESTFIND_REDIS_PREFIX must not be empty"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("NESTFIND_STORE must be sqlite, redis or memory, got %q", c.Store))
	}

	for name, d := range map[string]time.Duration{
		"NESTFIND_API_TIMEOUT":          c.APITimeout,
		"NESTFIND_CHANGE_POLL_INTERVAL": c.ChangePollInterval,
		"NESTFIND_REFRESH_BUFFER":       c.RefreshBuffer,
		"NESTFIND_CHECK_INTERVAL":       c.CheckInterval,
		"NESTFIND_REFRESH_TIMEOUT":      c.RefreshTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.TamperInterval < 0 {
		errs = append(errs, fmt.Errorf("NESTFIND_TAMPER_INTERVAL must not be negative, got %s", c.TamperInterval))
	}
	if c.RefreshRetries < 0 {
		errs = append(errs, fmt.Errorf("NESTFIND_REFRESH_RETRIES must not be negative, got %d", c.RefreshRetries))
	}
	if c.RefreshRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("NESTFIND_REFRESH_RETRY_DELAY must not be negative, got %s", c.RefreshRetryDelay))
	}

	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("NESTFIND_LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("NESTFIND_LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return level, nil
}
