package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_ExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.yaml")
	data := []byte("server:\n  port: 9123\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	configPath = path
	defer func() { configPath = ""; cfg = nil; cfgSource = "" }()

	if err := loadConfig(); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Port != 9123 {
		t.Errorf("port = %d, want 9123", cfg.Server.Port)
	}
	if cfgSource != path {
		t.Errorf("cfgSource = %q, want %q", cfgSource, path)
	}
}

func TestLoadConfig_ExplicitPathMissing(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "nope.yaml")
	defer func() { configPath = ""; cfg = nil; cfgSource = "" }()

	if err := loadConfig(); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadConfig_RCFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".courierrc")
	data := []byte("broadcast:\n  ring_capacity: 64\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write rc: %v", err)
	}
	t.Setenv("COURIERRC", path)
	defer func() { cfg = nil; cfgSource = "" }()

	if err := loadConfig(); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Broadcast.RingCapacity != 64 {
		t.Errorf("ring capacity = %d, want 64", cfg.Broadcast.RingCapacity)
	}
}

func TestLoadConfig_FallsBackToDefaults(t *testing.T) {
	t.Setenv("COURIERRC", filepath.Join(t.TempDir(), "absent"))
	defer func() { cfg = nil; cfgSource = "" }()

	if err := loadConfig(); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfgSource != "" {
		t.Errorf("cfgSource = %q, want empty for defaults", cfgSource)
	}
}
