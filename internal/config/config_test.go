package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{NetworkDisabled: true, RelayURLs: []string{"wss://example.test"}}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !loaded.NetworkDisabled {
		t.Error("NetworkDisabled = false, want true")
	}
	if len(loaded.RelayURLs) != 1 || loaded.RelayURLs[0] != "wss://example.test" {
		t.Errorf("RelayURLs = %v", loaded.RelayURLs)
	}
}

func TestLoadMissingReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Relays()) == 0 {
		t.Error("Relays() empty, want defaults")
	}
	if len(cfg.KeyPackageRelays()) == 0 {
		t.Error("KeyPackageRelays() empty, want defaults")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
