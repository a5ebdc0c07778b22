package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied before file and environment sources.
const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8765
	DefaultSlots            = 1
	DefaultStallThreshold   = 60 * time.Second
	DefaultTurnTimeout      = 30 * time.Minute
	DefaultReplayBufferSize = 1000
	DefaultBackend          = "claudecode"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	EnableCORS bool   `yaml:"enable_cors"`
	Debug      bool   `yaml:"debug"`
}

// SchedulerConfig bounds concurrent execution.
type SchedulerConfig struct {
	Slots                 int `yaml:"slots"`
	StallThresholdSeconds int `yaml:"stall_threshold_seconds"`
	TurnTimeoutMinutes    int `yaml:"turn_timeout_minutes"`
}

// EventsConfig sizes the per-mission replay buffer.
type EventsConfig struct {
	ReplayBufferSize int `yaml:"replay_buffer_size"`
}

// HarnessConfig selects and parameterizes the external agent process.
type HarnessConfig struct {
	DefaultBackend string `yaml:"default_backend"`
	ClaudeBinary   string `yaml:"claude_binary"`
	CodexBinary    string `yaml:"codex_binary"`
}

// Config is the root configuration for the missionctl server.
type Config struct {
	DataDir    string          `yaml:"data_dir"`
	LibraryDir string          `yaml:"library_dir"`
	Workspace  string          `yaml:"workspace"`
	Server     ServerConfig    `yaml:"server"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
	Events     EventsConfig    `yaml:"events"`
	Harness    HarnessConfig   `yaml:"harness"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "~/.missionctl",
		Server: ServerConfig{
			Host:       DefaultHost,
			Port:       DefaultPort,
			EnableCORS: true,
		},
		Scheduler: SchedulerConfig{
			Slots:                 DefaultSlots,
			StallThresholdSeconds: int(DefaultStallThreshold / time.Second),
			TurnTimeoutMinutes:    int(DefaultTurnTimeout / time.Minute),
		},
		Events: EventsConfig{
			ReplayBufferSize: DefaultReplayBufferSize,
		},
		Harness: HarnessConfig{
			DefaultBackend: DefaultBackend,
			ClaudeBinary:   "claude",
			CodexBinary:    "codex",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// MISSIONCTL_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("MISSIONCTL_CONFIG")
	}
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".missionctl", "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(ExpandHome(path))
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	cfg.DataDir = ExpandHome(cfg.DataDir)
	cfg.LibraryDir = ExpandHome(cfg.LibraryDir)
	cfg.Workspace = ExpandHome(cfg.Workspace)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Scheduler.Slots < 1 {
		return fmt.Errorf("scheduler.slots must be >= 1, got %d", c.Scheduler.Slots)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Events.ReplayBufferSize < 1 {
		return fmt.Errorf("events.replay_buffer_size must be >= 1, got %d", c.Events.ReplayBufferSize)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	return nil
}

// StallThreshold returns the configured stall threshold as a duration.
func (c *Config) StallThreshold() time.Duration {
	return time.Duration(c.Scheduler.StallThresholdSeconds) * time.Second
}

// TurnTimeout returns the per-turn wall clock budget.
func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.Scheduler.TurnTimeoutMinutes) * time.Minute
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MISSIONCTL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MISSIONCTL_LIBRARY_DIR"); v != "" {
		cfg.LibraryDir = v
	}
	if v := os.Getenv("MISSIONCTL_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("MISSIONCTL_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("MISSIONCTL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MISSIONCTL_SLOTS"); v != "" {
		if slots, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.Slots = slots
		}
	}
	if v := os.Getenv("MISSIONCTL_DEFAULT_BACKEND"); v != "" {
		cfg.Harness.DefaultBackend = v
	}
	if v := os.Getenv("MISSIONCTL_DEBUG"); v != "" {
		cfg.Server.Debug = v == "1" || strings.EqualFold(v, "true")
	}
}

// ExpandHome resolves a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
