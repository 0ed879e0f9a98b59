// Package config loads server settings from a YAML file and LOUPE_*
// environment variables, with sane defaults for local development.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Server holds HTTP listener settings.
type Server struct {
	Addr          string        `mapstructure:"addr"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// Storage holds backend settings. The hot tier runs on badger; warm and
// cold default to in-memory stores until external tiers are wired.
type Storage struct {
	HotPath     string `mapstructure:"hot_path"`
	HotInMemory bool   `mapstructure:"hot_in_memory"`
	HotMemoryMB int    `mapstructure:"hot_memory_mb"`
}

// Pool holds per-tier connection pool sizing.
type Pool struct {
	MinSize        int           `mapstructure:"min_size"`
	MaxSize        int           `mapstructure:"max_size"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
}

// Resources holds global resource limits.
type Resources struct {
	MaxMemoryMB            float64 `mapstructure:"max_memory_mb"`
	MaxStreamSubscriptions int64   `mapstructure:"max_stream_subscriptions"`
}

// Cache holds query-result cache settings.
type Cache struct {
	MaxSizeMB     int64         `mapstructure:"max_size_mb"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	AggressiveTTL time.Duration `mapstructure:"aggressive_ttl"`
}

// Alerts holds alert engine settings.
type Alerts struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	DefaultThrottle time.Duration `mapstructure:"default_throttle"`
	SlackToken      string        `mapstructure:"slack_token"`
}

// Pipeline holds ingestion settings.
type Pipeline struct {
	EnrichConcurrency int           `mapstructure:"enrich_concurrency"`
	EnrichTimeout     time.Duration `mapstructure:"enrich_timeout"`
}

// Breaker holds circuit breaker settings shared by all dependencies.
type Breaker struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

// Config is the full server configuration.
type Config struct {
	LogLevel  string    `mapstructure:"log_level"`
	Server    Server    `mapstructure:"server"`
	Storage   Storage   `mapstructure:"storage"`
	Pool      Pool      `mapstructure:"pool"`
	Resources Resources `mapstructure:"resources"`
	Cache     Cache     `mapstructure:"cache"`
	Alerts    Alerts    `mapstructure:"alerts"`
	Pipeline  Pipeline  `mapstructure:"pipeline"`
	Breaker   Breaker   `mapstructure:"breaker"`
}

// Load reads configuration from path (or ./loupe.yaml and /etc/loupe when
// empty) and the environment. A missing file is fine unless a path was
// given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOUPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("loupe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/loupe")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_grace", "15s")

	v.SetDefault("storage.hot_path", "./data/hot")
	v.SetDefault("storage.hot_in_memory", false)
	v.SetDefault("storage.hot_memory_mb", 256)

	v.SetDefault("pool.min_size", 2)
	v.SetDefault("pool.max_size", 10)
	v.SetDefault("pool.connect_timeout", "30s")
	v.SetDefault("pool.idle_timeout", "5m")
	v.SetDefault("pool.max_lifetime", "0s")

	v.SetDefault("resources.max_memory_mb", 512)
	v.SetDefault("resources.max_stream_subscriptions", 1000)

	v.SetDefault("cache.max_size_mb", 64)
	v.SetDefault("cache.default_ttl", "5m")
	v.SetDefault("cache.aggressive_ttl", "30m")

	v.SetDefault("alerts.tick_interval", "30s")
	v.SetDefault("alerts.default_throttle", "5m")

	v.SetDefault("pipeline.enrich_concurrency", 8)
	v.SetDefault("pipeline.enrich_timeout", "2s")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "30s")
	v.SetDefault("breaker.call_timeout", "10s")
}
