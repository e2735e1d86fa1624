// Package session provides attach/teardown lifecycle and configuration
// for the AIVory debugger client.
package session

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the debugger client configuration.
type Config struct {
	BackendURL  string
	APIKey      string
	DebuggeeID  string
	Debug       bool
	HistoryPath string
}

// NewConfig builds a configuration: built-in defaults, then the config
// file if present, then environment variables, then options. Later
// layers win.
func NewConfig(options ...ConfigOption) *Config {
	cfg := &Config{
		BackendURL: "wss://api.aivory.net/ws/debugger",
	}

	if file, err := loadConfigFile(ConfigPath()); err == nil && file != nil {
		file.apply(cfg)
	}

	cfg.BackendURL = getEnvOrDefault("AIVORY_DEBUGGER_URL", cfg.BackendURL)
	cfg.APIKey = getEnvOrDefault("AIVORY_API_KEY", cfg.APIKey)
	cfg.DebuggeeID = getEnvOrDefault("AIVORY_DEBUGGEE_ID", cfg.DebuggeeID)
	cfg.HistoryPath = getEnvOrDefault("AIVORY_HISTORY_DB", cfg.HistoryPath)
	if v := os.Getenv("AIVORY_DEBUG"); v != "" {
		cfg.Debug = v == "true"
	}

	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithBackendURL sets the store backend URL.
func WithBackendURL(url string) ConfigOption {
	return func(c *Config) { c.BackendURL = url }
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) ConfigOption {
	return func(c *Config) { c.APIKey = key }
}

// WithDebuggeeID selects the debuggee to attach to.
func WithDebuggeeID(id string) ConfigOption {
	return func(c *Config) { c.DebuggeeID = id }
}

// WithDebug enables debug logging.
func WithDebug(debug bool) ConfigOption {
	return func(c *Config) { c.Debug = debug }
}

// WithHistoryPath enables the local capture archive at path.
func WithHistoryPath(path string) ConfigOption {
	return func(c *Config) { c.HistoryPath = path }
}

// fileConfig is the on-disk TOML layout.
type fileConfig struct {
	Backend struct {
		URL    string `toml:"url,omitempty"`
		APIKey string `toml:"api_key,omitempty"`
	} `toml:"backend"`
	General struct {
		DebuggeeID string `toml:"debuggee_id,omitempty"`
		Debug      bool   `toml:"debug,omitempty"`
	} `toml:"general"`
	History struct {
		Path string `toml:"path,omitempty"`
	} `toml:"history"`
}

func (f *fileConfig) apply(cfg *Config) {
	if f.Backend.URL != "" {
		cfg.BackendURL = f.Backend.URL
	}
	if f.Backend.APIKey != "" {
		cfg.APIKey = f.Backend.APIKey
	}
	if f.General.DebuggeeID != "" {
		cfg.DebuggeeID = f.General.DebuggeeID
	}
	if f.General.Debug {
		cfg.Debug = true
	}
	if f.History.Path != "" {
		cfg.HistoryPath = f.History.Path
	}
}

func loadConfigFile(path string) (*fileConfig, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	var file fileConfig
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &file, nil
}

// ConfigDir returns the XDG-compliant config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "aivory-debug")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "aivory-debug")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
