package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.Port != DefaultPort || cfg.Scheduler.Slots != DefaultSlots {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Harness.DefaultBackend != "claudecode" {
		t.Fatalf("default backend = %q", cfg.Harness.DefaultBackend)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
data_dir: ` + dir + `
workspace: ` + dir + `
server:
  host: 0.0.0.0
  port: 9000
scheduler:
  slots: 4
  stall_threshold_seconds: 120
  turn_timeout_minutes: 10
harness:
  default_backend: codex
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9000 {
		t.Fatalf("server config = %+v", cfg.Server)
	}
	if cfg.Scheduler.Slots != 4 {
		t.Fatalf("slots = %d, want 4", cfg.Scheduler.Slots)
	}
	if cfg.StallThreshold() != 2*time.Minute {
		t.Fatalf("stall threshold = %v", cfg.StallThreshold())
	}
	if cfg.TurnTimeout() != 10*time.Minute {
		t.Fatalf("turn timeout = %v", cfg.TurnTimeout())
	}
	if cfg.Harness.DefaultBackend != "codex" {
		t.Fatalf("backend = %q", cfg.Harness.DefaultBackend)
	}
	// Unspecified fields keep their defaults.
	if cfg.Events.ReplayBufferSize != DefaultReplayBufferSize {
		t.Fatalf("replay buffer = %d", cfg.Events.ReplayBufferSize)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MISSIONCTL_PORT", "9100")
	t.Setenv("MISSIONCTL_SLOTS", "3")
	t.Setenv("MISSIONCTL_DEBUG", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("port = %d, want env override 9100", cfg.Server.Port)
	}
	if cfg.Scheduler.Slots != 3 {
		t.Fatalf("slots = %d, want 3", cfg.Scheduler.Slots)
	}
	if !cfg.Server.Debug {
		t.Fatal("debug not enabled from env")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero slots", func(c *Config) { c.Scheduler.Slots = 0 }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"zero replay buffer", func(c *Config) { c.Events.ReplayBufferSize = 0 }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	cases := map[string]string{
		"~":               home,
		"~/data":          filepath.Join(home, "data"),
		"/absolute/path":  "/absolute/path",
		"relative/path":   "relative/path",
		"":                "",
		"~user/elsewhere": "~user/elsewhere",
	}
	for input, want := range cases {
		if got := ExpandHome(input); got != want {
			t.Errorf("ExpandHome(%q) = %q, want %q", input, got, want)
		}
	}
}
