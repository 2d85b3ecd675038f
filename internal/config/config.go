package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Storage paths
	CacheDir   string `mapstructure:"cache-dir"`
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Identity service
	ResolverURL string `mapstructure:"resolver-url"`

	// S3 origin (for s3:// avatar URLs)
	S3Enabled bool   `mapstructure:"s3-enabled"`
	S3Region  string `mapstructure:"s3-region"`

	// Engine tuning
	CacheCapacity      int   `mapstructure:"cache-capacity"`
	MaxConcurrent      int   `mapstructure:"max-concurrent"`
	MaxImageBytes      int64 `mapstructure:"max-image-bytes"`
	HTTPTimeoutSeconds int   `mapstructure:"http-timeout-seconds"`

	// Warm pipeline
	WarmMaxRetries int `mapstructure:"warm-max-retries"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("cache-dir", ".artifacts/avatars")
	viper.SetDefault("sqlite-path", ".artifacts/avatars.db")
	viper.SetDefault("fsm-db-path", ".artifacts/warm.db")
	viper.SetDefault("resolver-url", "http://localhost:8480/avatars")
	viper.SetDefault("s3-enabled", false)
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("cache-capacity", 128)
	viper.SetDefault("max-concurrent", 4)
	viper.SetDefault("max-image-bytes", 8*1024*1024)
	viper.SetDefault("http-timeout-seconds", 30)
	viper.SetDefault("warm-max-retries", 5)

	// Environment variables (will be AVATARCACHE_CACHE_DIR, etc.)
	viper.SetEnvPrefix("AVATARCACHE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.avatarcache")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("cache-dir cannot be empty")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.ResolverURL == "" {
		return fmt.Errorf("resolver-url cannot be empty")
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("cache-capacity must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max-concurrent must be positive")
	}
	if c.MaxImageBytes <= 0 {
		return fmt.Errorf("max-image-bytes must be positive")
	}
	if c.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("http-timeout-seconds must be positive")
	}
	if c.WarmMaxRetries < 0 {
		return fmt.Errorf("warm-max-retries must be non-negative")
	}
	return nil
}
