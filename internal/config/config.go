// Package config loads client settings with viper and server settings
// from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config holds all client configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Gate         GateConfig         `mapstructure:"gate"`
	Outbox       OutboxConfig       `mapstructure:"outbox"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig points at the origin serving city packs
type ServerConfig struct {
	Origin string `mapstructure:"origin"`
}

// CacheConfig controls local storage and downloads
type CacheConfig struct {
	Dir                 string `mapstructure:"dir"`
	SchemaVersion       int    `mapstructure:"schema_version"`
	MaxAssets           int    `mapstructure:"max_assets"`
	DownloadConcurrency int    `mapstructure:"download_concurrency"`
}

// GateConfig controls install-readiness polling
type GateConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// OutboxConfig is the retry policy for failed syncs
type OutboxConfig struct {
	MinDelay      time.Duration `mapstructure:"min_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
}

// ConnectivityConfig controls origin probing
type ConnectivityConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Origin: "http://localhost:8080",
		},
		Cache: CacheConfig{
			Dir:                 defaultDataPath(),
			SchemaVersion:       1,
			MaxAssets:           256,
			DownloadConcurrency: 6,
		},
		Gate: GateConfig{
			PollInterval: 1500 * time.Millisecond,
		},
		Outbox: OutboxConfig{
			MinDelay:      30 * time.Second,
			MaxDelay:      30 * time.Minute,
			MaxAttempts:   12,
			DrainInterval: time.Minute,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			File:  filepath.Join(defaultDataPath(), "citypack.log"),
			Level: "INFO",
		},
	}
}

// defaultDataPath returns the default data directory for the current OS
func defaultDataPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "citypack")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "citypack")
	}
}

// DefaultConfigPath returns the default config directory for the current OS
func DefaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "citypack")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "citypack")
	}
}

// LoadConfig loads configuration from the default locations and environment
func LoadConfig() (*Config, error) {
	return Load(viper.GetViper(), DefaultConfigPath(), ".")
}

// Load reads config.yaml from the first of dirs that has one, applies
// CITYPACK_* environment overrides and fills the rest with defaults.
func Load(v *viper.Viper, dirs ...string) (*Config, error) {
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, dir := range dirs {
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix("CITYPACK")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg *Config) {
	for key, value := range cfg.values() {
		v.SetDefault(key, value)
	}
}

func (c *Config) values() map[string]any {
	return map[string]any{
		"server.origin":               c.Server.Origin,
		"cache.dir":                   c.Cache.Dir,
		"cache.schema_version":        c.Cache.SchemaVersion,
		"cache.max_assets":            c.Cache.MaxAssets,
		"cache.download_concurrency":  c.Cache.DownloadConcurrency,
		"gate.poll_interval":          c.Gate.PollInterval,
		"outbox.min_delay":            c.Outbox.MinDelay,
		"outbox.max_delay":            c.Outbox.MaxDelay,
		"outbox.max_attempts":         c.Outbox.MaxAttempts,
		"outbox.drain_interval":       c.Outbox.DrainInterval,
		"connectivity.probe_interval": c.Connectivity.ProbeInterval,
		"logging.file":                c.Logging.File,
		"logging.level":               c.Logging.Level,
	}
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	if c.Cache.SchemaVersion <= 0 {
		return fmt.Errorf("cache.schema_version must be positive, got %d", c.Cache.SchemaVersion)
	}
	if c.Outbox.MinDelay > c.Outbox.MaxDelay {
		return fmt.Errorf("outbox.min_delay %s exceeds outbox.max_delay %s", c.Outbox.MinDelay, c.Outbox.MaxDelay)
	}
	return nil
}

// SaveConfig saves the configuration to the default config directory
func SaveConfig(cfg *Config) error {
	return SaveConfigTo(viper.GetViper(), DefaultConfigPath(), cfg)
}

// SaveConfigTo writes cfg as config.yaml in dir.
func SaveConfigTo(v *viper.Viper, dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Set fields individually to keep snake_case key names
	for key, value := range cfg.values() {
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		v.Set(key, value)
	}

	configFile := filepath.Join(dir, "config.yaml")
	if err := v.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// StorePath returns the directory of the bbolt database.
func (c *Config) StorePath() string {
	return c.Cache.Dir
}
