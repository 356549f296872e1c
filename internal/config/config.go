// Package config loads the pipeline configuration from config.yaml and
// the environment via viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jonesrussell/gotexfetch/internal/logger"
)

// Default tuning values.
const (
	DefaultPoolSize              = 4
	DefaultHTTPMaxRequests       = 8
	DefaultHTTPMinRequests       = 2
	DefaultHTTPThrottleKbps      = 2000.0
	DefaultRequestTimeout        = 15 * time.Second
	DefaultTickInterval          = 100 * time.Millisecond
	DefaultUserAgent             = "gotexfetch/1.0"
	DefaultServePort             = 8080
)

// Fetch holds the fetch engine tuning.
type Fetch struct {
	// PoolSize is the number of goroutines advancing fetch workers.
	PoolSize int `mapstructure:"pool_size"`

	// HTTPMaxRequests caps concurrent HTTP requests process-wide.
	HTTPMaxRequests int `mapstructure:"http_max_requests"`

	// HTTPMinRequests is the floor below which bandwidth throttling
	// never blocks a new request.
	HTTPMinRequests int `mapstructure:"http_min_requests"`

	// HTTPThrottleKbps is the texture bandwidth above which new HTTP
	// requests are deferred.
	HTTPThrottleKbps float64 `mapstructure:"http_throttle_kbps"`

	// RequestTimeout bounds one HTTP exchange.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// TickInterval is the engine tick period.
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// UserAgent is sent on HTTP requests.
	UserAgent string `mapstructure:"user_agent"`

	// BlacklistedAssets lists asset IDs that are never fetched.
	BlacklistedAssets []string `mapstructure:"blacklisted_assets"`
}

// Cache holds the blob cache backing configuration.
type Cache struct {
	// RedisAddr enables the redis-backed blob cache when non-empty;
	// otherwise an in-memory cache is used.
	RedisAddr string `mapstructure:"redis_addr"`

	// RedisDB selects the redis logical database.
	RedisDB int `mapstructure:"redis_db"`

	// TTL bounds how long cached assets live; zero means no expiry.
	TTL time.Duration `mapstructure:"ttl"`
}

// Serve holds the status endpoint configuration.
type Serve struct {
	Port int `mapstructure:"port"`
}

// Config is the root configuration.
type Config struct {
	Logger logger.Config `mapstructure:"logger"`
	Fetch  Fetch         `mapstructure:"fetch"`
	Cache  Cache         `mapstructure:"cache"`
	Serve  Serve         `mapstructure:"serve"`
}

// Validate checks tuning bounds.
func (c *Config) Validate() error {
	if c.Fetch.PoolSize < 1 {
		return errors.New("fetch.pool_size must be at least 1")
	}
	if c.Fetch.HTTPMaxRequests < 1 {
		return errors.New("fetch.http_max_requests must be at least 1")
	}
	if c.Fetch.HTTPMinRequests < 0 || c.Fetch.HTTPMinRequests > c.Fetch.HTTPMaxRequests {
		return errors.New("fetch.http_min_requests must be in [0, http_max_requests]")
	}
	if c.Fetch.RequestTimeout <= 0 {
		return errors.New("fetch.request_timeout must be positive")
	}
	if c.Fetch.TickInterval <= 0 {
		return errors.New("fetch.tick_interval must be positive")
	}
	return nil
}

// Load reads configuration from the given file (optional), the standard
// search paths, and TEXFETCH_* environment variables.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("logger.level", string(logger.DefaultLevel))
	v.SetDefault("logger.encoding", logger.DefaultEncoding)
	v.SetDefault("fetch.pool_size", DefaultPoolSize)
	v.SetDefault("fetch.http_max_requests", DefaultHTTPMaxRequests)
	v.SetDefault("fetch.http_min_requests", DefaultHTTPMinRequests)
	v.SetDefault("fetch.http_throttle_kbps", DefaultHTTPThrottleKbps)
	v.SetDefault("fetch.request_timeout", DefaultRequestTimeout)
	v.SetDefault("fetch.tick_interval", DefaultTickInterval)
	v.SetDefault("fetch.user_agent", DefaultUserAgent)
	v.SetDefault("serve.port", DefaultServePort)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.texfetch")
		v.AddConfigPath("/etc/texfetch")
	}

	v.SetEnvPrefix("TEXFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
