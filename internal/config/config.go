// Package config loads and validates the settings of the fetchbroker binary.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load, e.g. FETCHBROKER_LISTEN.
const EnvPrefix = "FETCHBROKER"

const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheBolt   = "bolt"
)

type Config struct {
	Listen   string        `mapstructure:"listen"`
	Broker   BrokerConfig  `mapstructure:"broker"`
	Cache    CacheConfig   `mapstructure:"cache"`
	Origin   OriginConfig  `mapstructure:"upstream"`
	NATS     NATSConfig    `mapstructure:"nats"`
	Host     HostConfig    `mapstructure:"host"`
	Log      LogConfig     `mapstructure:"log"`
	Shutdown time.Duration `mapstructure:"shutdown_timeout"`
}

type BrokerConfig struct {
	Version       string        `mapstructure:"version"`
	Namespace     string        `mapstructure:"namespace"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxBodySize   int64         `mapstructure:"max_body_size"`
}

type CacheConfig struct {
	Backend      string `mapstructure:"backend"`
	Generation   string `mapstructure:"generation"`
	VersionParam string `mapstructure:"version_param"`
	RedisURL     string `mapstructure:"redis_url"`
	RedisPrefix  string `mapstructure:"redis_prefix"`
	BoltPath     string `mapstructure:"bolt_path"`
}

type OriginConfig struct {
	Origin   string `mapstructure:"origin"`
	MaxTries uint   `mapstructure:"max_tries"`
}

// NATSConfig enables the NATS source transport when URL is set.
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

type HostConfig struct {
	ClientTTL      time.Duration `mapstructure:"client_ttl"`
	SourceTTL      time.Duration `mapstructure:"source_ttl"`
	ExpireInterval time.Duration `mapstructure:"expire_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("shutdown_timeout", 15*time.Second)

	v.SetDefault("broker.version", "")
	v.SetDefault("broker.namespace", "/run/")
	v.SetDefault("broker.grace_period", 10*time.Second)
	v.SetDefault("broker.sweep_interval", time.Second)
	v.SetDefault("broker.max_body_size", int64(32<<20))

	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.generation", "")
	v.SetDefault("cache.version_param", "v")
	v.SetDefault("cache.redis_url", "redis://localhost:6379/0")
	v.SetDefault("cache.redis_prefix", "fetchbroker")
	v.SetDefault("cache.bolt_path", "fetchbroker.db")

	v.SetDefault("upstream.origin", "")
	v.SetDefault("upstream.max_tries", 3)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.prefix", "fetchbroker")

	v.SetDefault("host.client_ttl", 30*time.Second)
	v.SetDefault("host.source_ttl", 15*time.Second)
	v.SetDefault("host.expire_interval", time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads an optional YAML file plus FETCHBROKER_* environment variables into a
// validated Config. Nested keys map to variables with dots replaced by underscores, so
// cache.backend is FETCHBROKER_CACHE_BACKEND.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Cache.Generation == "" {
		cfg.Cache.Generation = cfg.Broker.Version
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if !strings.HasPrefix(c.Broker.Namespace, "/") {
		errs = append(errs, fmt.Errorf("broker.namespace %q must start with /", c.Broker.Namespace))
	}
	if c.Broker.GracePeriod < 0 {
		errs = append(errs, errors.New("broker.grace_period must not be negative"))
	}
	if c.Broker.SweepInterval <= 0 {
		errs = append(errs, errors.New("broker.sweep_interval must be positive"))
	}
	if c.Broker.MaxBodySize <= 0 {
		errs = append(errs, errors.New("broker.max_body_size must be positive"))
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if _, err := url.Parse(c.Cache.RedisURL); err != nil || c.Cache.RedisURL == "" {
			errs = append(errs, fmt.Errorf("cache.redis_url %q is invalid", c.Cache.RedisURL))
		}
	case CacheBolt:
		if c.Cache.BoltPath == "" {
			errs = append(errs, errors.New("cache.bolt_path is required for the bolt backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not one of memory, redis, bolt", c.Cache.Backend))
	}
	if c.Cache.VersionParam == "" {
		errs = append(errs, errors.New("cache.version_param is required"))
	}

	if c.Origin.Origin != "" {
		u, err := url.Parse(c.Origin.Origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("upstream.origin %q must be an absolute url", c.Origin.Origin))
		}
	}
	if c.Origin.MaxTries == 0 {
		errs = append(errs, errors.New("upstream.max_tries must be at least 1"))
	}

	if c.NATS.URL != "" && c.NATS.Prefix == "" {
		errs = append(errs, errors.New("nats.prefix is required when nats.url is set"))
	}

	if c.Host.ClientTTL <= 0 || c.Host.SourceTTL <= 0 || c.Host.ExpireInterval <= 0 {
		errs = append(errs, errors.New("host ttls and expire interval must be positive"))
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of console, json", c.Log.Format))
	}
	return errors.Join(errs...)
}
