package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/hashicorp/go-hclog"

	"github.com/aristath/procore/internal/task"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*KernelConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// GlobalPath is $XDG_CONFIG_HOME/procore/config.json.
func GlobalPath() string {
	return filepath.Join(xdg.ConfigHome, "procore", "config.json")
}

// ProjectPath is .procore/config.json relative to the working directory.
func ProjectPath() string {
	return filepath.Join(".procore", "config.json")
}

// LoadDefault loads configuration from GlobalPath and ProjectPath.
func LoadDefault() (*KernelConfig, error) {
	return Load(GlobalPath(), ProjectPath())
}

// JournalFile returns the accounting journal path, defaulting to
// $XDG_DATA_HOME/procore/journal.db. The parent directory is created.
func JournalFile(cfg *KernelConfig) (string, error) {
	if cfg.JournalPath != "" {
		return cfg.JournalPath, nil
	}
	path, err := xdg.DataFile(filepath.Join("procore", "journal.db"))
	if err != nil {
		return "", fmt.Errorf("resolving journal path: %w", err)
	}
	return path, nil
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *KernelConfig, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded fileConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.Init != nil {
		base.Init = *loaded.Init
	}
	if loaded.Quantum != nil {
		base.Quantum = *loaded.Quantum
	}
	if loaded.DefaultPriority != nil {
		base.DefaultPriority = *loaded.DefaultPriority
	}
	if loaded.MaxPIDs != nil {
		base.MaxPIDs = *loaded.MaxPIDs
	}
	if loaded.MaxAddressSpaces != nil {
		base.MaxAddressSpaces = *loaded.MaxAddressSpaces
	}
	if loaded.LogLevel != nil {
		base.LogLevel = *loaded.LogLevel
	}
	if loaded.JournalPath != nil {
		base.JournalPath = *loaded.JournalPath
	}
	if loaded.StopWhenIdle != nil {
		base.StopWhenIdle = *loaded.StopWhenIdle
	}

	if base.Images == nil {
		base.Images = map[string]ImageConfig{}
	}
	for name, img := range loaded.Images {
		// Relative image paths are relative to the config file.
		if img.Path != "" && !filepath.IsAbs(img.Path) {
			img.Path = filepath.Join(filepath.Dir(path), img.Path)
		}
		base.Images[name] = img
	}

	return nil
}

// Validate checks the configuration for values the kernel cannot boot with.
func (c *KernelConfig) Validate() error {
	var errs []error

	if c.Init == "" {
		errs = append(errs, errors.New("init image is empty"))
	}
	if c.Quantum <= 0 {
		errs = append(errs, fmt.Errorf("quantum must be positive, got %d", c.Quantum))
	}
	if !task.ValidPriority(c.DefaultPriority) {
		errs = append(errs, fmt.Errorf("default_priority %d outside [%d, %d]", c.DefaultPriority, task.MinPriority, task.MaxPriority))
	}
	if c.MaxPIDs < 0 {
		errs = append(errs, fmt.Errorf("max_pids must not be negative, got %d", c.MaxPIDs))
	}
	if c.MaxAddressSpaces < 0 {
		errs = append(errs, fmt.Errorf("max_address_spaces must not be negative, got %d", c.MaxAddressSpaces))
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	for name, img := range c.Images {
		if (img.Source == "") == (img.Path == "") {
			errs = append(errs, fmt.Errorf("image %q needs exactly one of source and path", name))
		}
	}

	return errors.Join(errs...)
}
