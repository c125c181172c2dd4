package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	cfgDir := filepath.Join(dir, "diffuse")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	writeConfig(t, "steps: 8\nguidance: 2.0\ndevice: cpu\nserver_address: 0.0.0.0:9090\n")

	cfg := LoadConfig()
	if cfg.Steps == nil || *cfg.Steps != 8 {
		t.Fatalf("steps not loaded: %+v", cfg.Steps)
	}
	if cfg.Guidance == nil || *cfg.Guidance != 2.0 {
		t.Fatalf("guidance not loaded: %+v", cfg.Guidance)
	}
	if cfg.Device != "cpu" {
		t.Fatalf("device: got %q", cfg.Device)
	}
	if cfg.ServerAddress != "0.0.0.0:9090" {
		t.Fatalf("server address: got %q", cfg.ServerAddress)
	}
	if cfg.Width != nil {
		t.Fatalf("width should be unset, got %v", *cfg.Width)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := LoadConfig()
	if cfg != (Config{}) {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestLoadConfigMalformed(t *testing.T) {
	writeConfig(t, "steps: [not a number\n")
	cfg := LoadConfig()
	if cfg != (Config{}) {
		t.Fatalf("malformed config should yield zero config, got %+v", cfg)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/cfg")
	got := configPath()
	want := filepath.Join("/tmp/cfg", "diffuse", "config.yaml")
	if got != want {
		t.Fatalf("configPath: got %q, want %q", got, want)
	}
}
