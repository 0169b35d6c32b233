// Package config loads process configuration for the quota client tools
// from defaults, an optional YAML file and QUOTACLIENT_* environment
// variables. Credentials and the Redis password are read from the
// environment only.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/quota-client/pkg/auth"
	"github.com/Sternrassler/quota-client/pkg/client"
	"github.com/Sternrassler/quota-client/pkg/logging"
	"github.com/Sternrassler/quota-client/pkg/quota"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "QUOTACLIENT"

// Config is the complete process configuration.
type Config struct {
	API        APIConfig         `mapstructure:"api"`
	Limiter    LimiterConfig     `mapstructure:"limiter"`
	Pagination PaginationConfig  `mapstructure:"pagination"`
	Headers    quota.HeaderNames `mapstructure:"headers"`
	Redis      RedisConfig       `mapstructure:"redis"`
	Server     ServerConfig      `mapstructure:"server"`
	Logging    LoggingConfig     `mapstructure:"logging"`

	// Credentials come from QUOTACLIENT_CREDENTIALS ("id:secret,id:secret").
	Credentials []auth.Credential `mapstructure:"-"`
}

// APIConfig describes the upstream API.
type APIConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	TokenURL  string `mapstructure:"token_url"`
	Scope     string `mapstructure:"scope"`
	ProbePath string `mapstructure:"probe_path"`
	UserAgent string `mapstructure:"user_agent"`
}

// LimiterConfig tunes the per-credential limiters.
type LimiterConfig struct {
	ConcurrentOffset int           `mapstructure:"concurrent_offset"`
	JobExpiration    time.Duration `mapstructure:"job_expiration"`
	MinTimeMargin    time.Duration `mapstructure:"min_time_margin"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	TokenMargin      time.Duration `mapstructure:"token_margin"`
}

// PaginationConfig describes how listings are paged.
type PaginationConfig struct {
	PageSize         int    `mapstructure:"page_size"`
	PageParam        string `mapstructure:"page_param"`
	PageSizeParam    string `mapstructure:"page_size_param"`
	TotalCountHeader string `mapstructure:"total_count_header"`
}

// RedisConfig enables the shared backend.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`

	// Password comes from QUOTACLIENT_REDIS_PASSWORD.
	Password string `mapstructure:"-"`
}

// ServerConfig configures the proxy's HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads the configuration. When file is empty, config.yaml is looked
// up in ".", "./config" and "/etc/quota-client"; a missing file is fine.
func Load(file string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/quota-client")
	}

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := loadSecrets(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
func loadSecrets(cfg *Config) error {
	creds, err := ParseCredentials(os.Getenv(EnvPrefix + "_CREDENTIALS"))
	if err != nil {
		return fmt.Errorf("%s_CREDENTIALS: %w", EnvPrefix, err)
	}
	cfg.Credentials = creds
	cfg.Redis.Password = os.Getenv(EnvPrefix + "_REDIS_PASSWORD")
	return nil
}

// ParseCredentials parses "id:secret,id:secret". Order is kept.
func ParseCredentials(raw string) ([]auth.Credential, error) {
	var creds []auth.Credential
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, secret, ok := strings.Cut(part, ":")
		if !ok || id == "" || secret == "" {
			return nil, fmt.Errorf("credential %d: want id:secret", len(creds))
		}
		creds = append(creds, auth.Credential{ClientID: id, ClientSecret: secret})
	}
	return creds, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	d := client.DefaultConfig()

	// API defaults
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.token_url", "")
	v.SetDefault("api.scope", "")
	v.SetDefault("api.probe_path", d.ProbePath)
	v.SetDefault("api.user_agent", d.UserAgent)

	// Limiter defaults
	v.SetDefault("limiter.concurrent_offset", d.ConcurrentOffset)
	v.SetDefault("limiter.job_expiration", d.JobExpiration.String())
	v.SetDefault("limiter.min_time_margin", d.MinTimeMargin.String())
	v.SetDefault("limiter.refresh_interval", d.RefreshInterval.String())
	v.SetDefault("limiter.token_margin", d.TokenSafetyMargin.String())

	// Pagination defaults
	v.SetDefault("pagination.page_size", d.PageSize)
	v.SetDefault("pagination.page_param", d.PageParam)
	v.SetDefault("pagination.page_size_param", d.PageSizeParam)
	v.SetDefault("pagination.total_count_header", d.TotalCountHeader)

	// Header defaults
	v.SetDefault("headers.application_id", d.Headers.ApplicationID)
	v.SetDefault("headers.hourly_limit", d.Headers.HourlyLimit)
	v.SetDefault("headers.hourly_remaining", d.Headers.HourlyRemaining)
	v.SetDefault("headers.secondly_limit", d.Headers.SecondlyLimit)
	v.SetDefault("headers.secondly_remaining", d.Headers.SecondlyRemaining)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", d.KeyPrefix)

	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Credentials) == 0 {
		return fmt.Errorf("at least one credential is required (%s_CREDENTIALS)", EnvPrefix)
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.TokenURL == "" {
		return fmt.Errorf("api.token_url is required")
	}
	if c.Limiter.ConcurrentOffset < 0 {
		return fmt.Errorf("limiter.concurrent_offset must be >= 0 (got %d)", c.Limiter.ConcurrentOffset)
	}
	if c.Limiter.JobExpiration < 0 {
		return fmt.Errorf("limiter.job_expiration must be >= 0 (got %v)", c.Limiter.JobExpiration)
	}
	if c.Pagination.PageSize <= 0 {
		return fmt.Errorf("pagination.page_size must be > 0 (got %d)", c.Pagination.PageSize)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// LoggingConfig converts to the logging package's configuration.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Logging.Level)
	cfg.Pretty = c.Logging.Pretty
	return cfg
}

// ClientConfig converts to a client configuration. When Redis is enabled a
// new Redis client is created; the returned client owns it.
func (c *Config) ClientConfig(logger zerolog.Logger) client.Config {
	cfg := client.DefaultConfig(c.Credentials...)
	cfg.BaseURL = c.API.BaseURL
	cfg.TokenURL = c.API.TokenURL
	cfg.Scope = c.API.Scope
	cfg.ProbePath = c.API.ProbePath
	cfg.UserAgent = c.API.UserAgent
	cfg.ConcurrentOffset = c.Limiter.ConcurrentOffset
	cfg.JobExpiration = c.Limiter.JobExpiration
	cfg.MinTimeMargin = c.Limiter.MinTimeMargin
	cfg.RefreshInterval = c.Limiter.RefreshInterval
	cfg.TokenSafetyMargin = c.Limiter.TokenMargin
	cfg.Headers = c.Headers
	cfg.PageSize = c.Pagination.PageSize
	cfg.PageParam = c.Pagination.PageParam
	cfg.PageSizeParam = c.Pagination.PageSizeParam
	cfg.TotalCountHeader = c.Pagination.TotalCountHeader
	cfg.KeyPrefix = c.Redis.KeyPrefix
	cfg.Logger = &logger

	if c.Redis.Enabled {
		cfg.Redis = redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
	}
	return cfg
}
