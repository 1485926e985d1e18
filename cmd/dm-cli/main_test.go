package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dm.yml")
	data := []byte("devicename: from-file\nsoftbus:\n  port: 7000\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(&options{configFile: path, udid: "udid-x", port: -1, logLevel: "debug"})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.DeviceName != "from-file" {
		t.Errorf("Expected name from file, got %s", cfg.DeviceName)
	}
	if cfg.UDID != "udid-x" {
		t.Errorf("Expected udid override, got %s", cfg.UDID)
	}
	if cfg.Softbus.Port != 7000 {
		t.Errorf("Expected port from file when flag unset, got %d", cfg.Softbus.Port)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Expected log level override, got %s", cfg.Logger.Level)
	}

	cfg, err = loadConfig(&options{name: "flag-name", port: 0})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.DeviceName != "flag-name" || cfg.Softbus.Port != 0 {
		t.Errorf("Expected defaults with overrides, got name=%s port=%d", cfg.DeviceName, cfg.Softbus.Port)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(&options{configFile: filepath.Join(t.TempDir(), "none.yml"), port: -1}); err == nil {
		t.Error("Expected error for missing config file")
	}
}
