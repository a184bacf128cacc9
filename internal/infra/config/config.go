package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Logging
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`

	// Storage
	CacheDir       string `json:"cache_dir" yaml:"cache_dir"`
	Engine         string `json:"engine" yaml:"engine"`
	MediaCacheSize int    `json:"media_cache_size" yaml:"media_cache_size"`

	// Account
	UserID       string `json:"user_id" yaml:"user_id"`
	PickleSecret string `json:"pickle_secret" yaml:"pickle_secret"`

	// Retention
	RetentionInterval     time.Duration `json:"-" yaml:"-"`
	RetentionIntervalMins int           `json:"retention_interval_mins" yaml:"retention_interval_mins"`

	// Metrics
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultCache := filepath.Join(homeDir, ".cache", "mxcache")

	return &Config{
		LogLevel:              "INFO",
		LogFormat:             "text",
		CacheDir:              defaultCache,
		Engine:                "sqlite",
		MediaCacheSize:        128,
		RetentionInterval:     60 * time.Minute,
		RetentionIntervalMins: 60,
		MetricsAddr:           "127.0.0.1:9464",
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, picked by
// extension.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return defaults if file doesn't exist
		}
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, err
	}

	cfg.setRetentionMins(cfg.RetentionIntervalMins)

	return cfg, nil
}

// Load loads configuration from environment variables with defaults.
// If configPath is provided, loads from file first.
func Load(configPath string) *Config {
	var cfg *Config
	var err error

	if configPath != "" {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			cfg = Default()
		}
	} else {
		cfg = Default()
	}

	// Environment variable overrides
	if v := os.Getenv("MXCACHE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MXCACHE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("MXCACHE_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("MXCACHE_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("MXCACHE_ENGINE"); v != "" {
		cfg.Engine = v
	}
	if v := os.Getenv("MXCACHE_PICKLE_SECRET"); v != "" {
		cfg.PickleSecret = v
	}
	if v := os.Getenv("MXCACHE_RETENTION_INTERVAL"); v != "" {
		if mins, err := strconv.Atoi(v); err == nil {
			cfg.setRetentionMins(mins)
		}
	}
	if v := os.Getenv("MXCACHE_MEDIA_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MediaCacheSize = n
		}
	}
	if v := os.Getenv("MXCACHE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	return cfg
}

// setRetentionMins derives RetentionInterval. Zero or less disables
// retention.
func (c *Config) setRetentionMins(mins int) {
	if mins < 0 {
		mins = 0
	}
	c.RetentionIntervalMins = mins
	c.RetentionInterval = time.Duration(mins) * time.Minute
}

// EnsureCacheDir creates the cache directory if it doesn't exist.
func (c *Config) EnsureCacheDir() error {
	return os.MkdirAll(c.CacheDir, 0700)
}
