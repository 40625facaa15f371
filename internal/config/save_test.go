package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveCreatesFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.Quantum = 5

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	var loaded KernelConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Config file contains invalid JSON: %v", err)
	}
	if loaded.Quantum != 5 {
		t.Errorf("quantum = %d, want 5", loaded.Quantum)
	}
}

func TestSaveCreatesParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "deep", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("Config file was not created: %s", path)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.Init = "spinner"
	cfg.DefaultPriority = 40
	cfg.StopWhenIdle = false
	cfg.Images["custom"] = ImageConfig{Source: "main:\n\tli a0, 1\n\tsys exit\n"}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Init != "spinner" || loaded.DefaultPriority != 40 || loaded.StopWhenIdle {
		t.Errorf("scalars not preserved: %+v", loaded)
	}
	if loaded.Images["custom"].Source != cfg.Images["custom"].Source {
		t.Errorf("image source = %q", loaded.Images["custom"].Source)
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	first := DefaultConfig()
	first.Quantum = 1
	if err := Save(first, path); err != nil {
		t.Fatal(err)
	}

	second := DefaultConfig()
	second.Quantum = 2
	if err := Save(second, path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Quantum != 2 {
		t.Errorf("quantum = %d, want 2", loaded.Quantum)
	}
}
