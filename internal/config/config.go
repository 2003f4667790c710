// Package config handles TaskBot configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/taskbot/config.yaml, /etc/taskbot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "taskbot", "config.yaml"))
	}

	paths = append(paths, "/etc/taskbot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all TaskBot configuration.
type Config struct {
	Listen   ListenConfig `yaml:"listen"`
	Database DBConfig     `yaml:"database"`
	Auth     AuthConfig   `yaml:"auth"`
	Models   ModelsConfig `yaml:"models"`
	Agent    AgentConfig  `yaml:"agent"`
	LogLevel string       `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DBConfig defines SQLite storage settings.
type DBConfig struct {
	// Path is the SQLite database file. Created on first run.
	Path string `yaml:"path"`
}

// AuthConfig defines bearer token settings.
type AuthConfig struct {
	// JWTSecret is the HS256 signing secret shared with the login frontend.
	JWTSecret string `yaml:"jwt_secret"`
	// TokenTTLMinutes bounds tokens issued by this process (dev tooling).
	TokenTTLMinutes int `yaml:"token_ttl_minutes"`
}

// ModelsConfig defines LLM connection settings.
type ModelsConfig struct {
	OllamaURL    string `yaml:"ollama_url"`
	DefaultModel string `yaml:"default_model"`
}

// AgentConfig bounds the tool-calling loop.
type AgentConfig struct {
	// MaxIterations caps model round-trips per turn (default 10).
	MaxIterations int `yaml:"max_iterations"`
	// TimeoutSec is the wall-clock budget for one turn (default 30).
	TimeoutSec int `yaml:"timeout_sec"`
	// HistoryLimit is the context window in messages (default 20).
	HistoryLimit int `yaml:"history_limit"`
}

// Load reads and parses a config file, applying defaults for
// anything the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required")
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8000
	}
	if c.Database.Path == "" {
		c.Database.Path = "taskbot.db"
	}
	if c.Auth.TokenTTLMinutes == 0 {
		c.Auth.TokenTTLMinutes = 1440
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Models.DefaultModel == "" {
		c.Models.DefaultModel = "qwen3:4b"
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.TimeoutSec == 0 {
		c.Agent.TimeoutSec = 30
	}
	if c.Agent.HistoryLimit == 0 {
		c.Agent.HistoryLimit = 20
	}
}

// AgentTimeout returns the turn budget as a duration.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSec) * time.Second
}

// TokenTTL returns the issued-token lifetime as a duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}
