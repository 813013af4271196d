// Package config defines the Pinion daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/pinion/lock"
	"github.com/GoCodeAlone/pinion/session"
)

// Config is the top-level Pinion configuration.
type Config struct {
	Server   ServerConfig                         `json:"server" yaml:"server"`
	Auth     AuthConfig                           `json:"auth" yaml:"auth"`
	Tasks    TaskConfig                           `json:"tasks" yaml:"tasks"`
	Locks    lock.TTLConfig                       `json:"locks" yaml:"locks"`
	Sessions SessionConfig                        `json:"sessions" yaml:"sessions"`
	Agents   map[string]session.CapabilityProfile `json:"agents,omitempty" yaml:"agents"` // default profiles by agent name
	DataDir  string                               `json:"data_dir" yaml:"data_dir"`
	LogLevel string                               `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
}

// SessionConfig controls the stale-session reaper.
type SessionConfig struct {
	ReapAfter     time.Duration `json:"reap_after" yaml:"reap_after"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// TaskConfig controls the task registry and claim engine.
type TaskConfig struct {
	IDPrefix               string `json:"id_prefix" yaml:"id_prefix"`
	ReleaseLocksOnCheckout bool   `json:"release_locks_on_checkout" yaml:"release_locks_on_checkout"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Tasks: TaskConfig{
			IDPrefix: "TASK",
		},
		Locks: lock.DefaultTTLs(),
		Sessions: SessionConfig{
			ReapAfter:     30 * time.Minute,
			SweepInterval: time.Minute,
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
