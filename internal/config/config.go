// Package config loads CelestialFlow's process configuration via
// viper: built-in defaults, an optional config file, and environment
// variable overrides, in that order.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is CelestialFlow's top-level process configuration.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Reporter ReporterConfig `mapstructure:"reporter"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Nats     NatsConfig     `mapstructure:"nats"`
	Graph    GraphConfig    `mapstructure:"graph"`
}

// ServiceConfig names the process for logging/tracing.
type ServiceConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
}

// ReporterConfig configures the embedded push-API HTTP server.
type ReporterConfig struct {
	Addr           string `mapstructure:"addr"`
	IntervalMillis int64  `mapstructure:"interval_millis"`
}

// StoreConfig configures the bbolt-backed run history store.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig configures the client used by the Redis Sink/Source/Ack
// stages.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"db"`
}

// NatsConfig configures the connection used by the NATS Sink/Source
// stages.
type NatsConfig struct {
	URL string `mapstructure:"url"`
}

// GraphConfig configures a run's default layout and fallback behavior.
type GraphConfig struct {
	LayoutMode       string `mapstructure:"layout_mode"`
	FallbackDir      string `mapstructure:"fallback_dir"`
	PersistLeftovers bool   `mapstructure:"persist_leftovers"`
}

// Load reads configuration from path (if non-empty) layered under
// CELESTIALFLOW_-prefixed environment overrides, applying defaults for
// anything left unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("celestialflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "celestialflow")
	v.SetDefault("service.log_level", "info")
	v.SetDefault("reporter.addr", ":8090")
	v.SetDefault("reporter.interval_millis", 1000)
	v.SetDefault("store.path", "./celestialflow-runs.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("graph.layout_mode", "process")
	v.SetDefault("graph.fallback_dir", "./fallback")
	v.SetDefault("graph.persist_leftovers", false)
}
