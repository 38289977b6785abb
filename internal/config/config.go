package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/dtscan/internal/ble"
	"github.com/chaz8081/dtscan/internal/filter"
	"github.com/chaz8081/dtscan/internal/scanner"
	"github.com/chaz8081/dtscan/internal/session"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // "text" or "json"
	Scan      ScanConfig    `yaml:"scan"`
	Session   SessionConfig `yaml:"session"`
	Store     StoreConfig   `yaml:"store"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
}

// ScanConfig holds discovery and filtering defaults. Filter settings saved
// in the store take precedence.
type ScanConfig struct {
	FilterByService bool `yaml:"filter_by_service"`
	FilterByRSSI    bool `yaml:"filter_by_rssi"`
	AutoProbe       bool `yaml:"auto_probe"`
}

// SessionConfig holds command transaction settings. A zero timeout disables it.
type SessionConfig struct {
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	WriteWithResponse  bool          `yaml:"write_with_response"`
}

// StoreConfig locates the settings database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig holds the optional MQTT bridge settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "dtscan")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	opts := session.DefaultOptions()

	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Scan: ScanConfig{
			FilterByService: true,
			AutoProbe:       true,
		},
		Session: SessionConfig{
			ConnectTimeout:     opts.ConnectTimeout,
			TransactionTimeout: opts.TransactionTimeout,
			MaxRetries:         opts.MaxRetries,
		},
		Store: StoreConfig{
			Path: filepath.Join(home, ".local", "share", "dtscan", "settings.db"),
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://127.0.0.1:1883",
			TopicPrefix: "dtscan",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in store.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)

	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		cfg.Store.Path = expandTilde(cfg.Store.Path)
		return cfg, nil
	}
	return cfg, err
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	if c.Session.ConnectTimeout < 0 {
		return fmt.Errorf("session.connect_timeout must be >= 0")
	}
	if c.Session.TransactionTimeout < 0 {
		return fmt.Errorf("session.transaction_timeout must be >= 0")
	}
	if c.Session.MaxRetries < 0 {
		return fmt.Errorf("session.max_retries must be >= 0")
	}
	if c.Session.WriteWithResponse && !ble.WriteWithResponseSupported {
		return fmt.Errorf("session.write_with_response is not supported by the Bluetooth backend on this platform")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty when mqtt is enabled")
		}
		if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
			return fmt.Errorf("mqtt.topic_prefix must be a non-empty topic without wildcards, got %q", c.MQTT.TopicPrefix)
		}
	}

	return nil
}

// ScannerOptions converts the config into scanner options.
func (c *Config) ScannerOptions() scanner.Options {
	return scanner.Options{
		Session: session.Options{
			ConnectTimeout:     c.Session.ConnectTimeout,
			TransactionTimeout: c.Session.TransactionTimeout,
			MaxRetries:         c.Session.MaxRetries,
			WriteWithResponse:  c.Session.WriteWithResponse,
		},
		Filters: filter.Settings{
			ByService: c.Scan.FilterByService,
			ByRSSI:    c.Scan.FilterByRSSI,
		},
		AutoProbe: c.Scan.AutoProbe,
	}
}

// ParseLogLevel maps a log_level value to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = "# dtscan configuration\n# Filter settings changed at runtime are saved in the store and override scan.*\n\n"

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything when the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
