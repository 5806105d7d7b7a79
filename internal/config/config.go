// Package config loads proxy configuration from an optional YAML file,
// CLI flags, and environment variable overrides, following the layering
// the always-cache CLI used (config file, then flag overrides) but
// generalized onto viper so environment variables also apply.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable enumerated in the proxy's external interface.
type Config struct {
	ListenPort       int      `mapstructure:"listen_port"`
	CacheRoot        string   `mapstructure:"cache_root"`
	RetryCount       int      `mapstructure:"retry_count"`
	RetryBackoffMs   []int    `mapstructure:"retry_backoff_ms"`
	ConnectTimeoutMs int      `mapstructure:"connect_timeout_ms"`
	ReadTimeoutMs    int      `mapstructure:"read_timeout_ms"`
	MinFetchBytes    int64    `mapstructure:"min_fetch_bytes"`
	LogFile          string   `mapstructure:"log_file"`
	Verbose          bool     `mapstructure:"verbose"`
}

// RetryBackoff returns the configured backoff schedule as durations.
func (c Config) RetryBackoff() []time.Duration {
	out := make([]time.Duration, len(c.RetryBackoffMs))
	for i, ms := range c.RetryBackoffMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

func (c Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

// defaults mirrors spec.md §6's ENUMERATED configuration table.
func defaults(v *viper.Viper) {
	v.SetDefault("listen_port", 8080)
	v.SetDefault("cache_root", "./cache")
	v.SetDefault("retry_count", 3)
	v.SetDefault("retry_backoff_ms", []int{500, 1000, 2000})
	v.SetDefault("connect_timeout_ms", 30000)
	v.SetDefault("read_timeout_ms", 30000)
	v.SetDefault("min_fetch_bytes", 8192)
	v.SetDefault("verbose", false)
}

// Load builds a Config from an optional config file path, environment
// variables (matching upper-case names, per spec.md §6), and whatever
// values the caller has already bound into v from CLI flags.
func Load(v *viper.Viper, configFile string) (Config, error) {
	defaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
