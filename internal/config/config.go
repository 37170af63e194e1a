// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package config loads dispatch configuration from a YAML file, DISPATCH_*
// environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the application configuration.
type Config struct {
	Device   DeviceConfig   `mapstructure:"device"`
	Kernel   KernelConfig   `mapstructure:"kernel"`
	Workload WorkloadConfig `mapstructure:"workload"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type DeviceConfig struct {
	// Backend is auto, dx12, vulkan, metal, gl or software.
	Backend string `mapstructure:"backend"`

	// Index selects an adapter. -1 prompts on the console.
	Index int `mapstructure:"index"`
}

type KernelConfig struct {
	// Path is a SPIR-V binary. If the file does not exist the embedded
	// kernel is compiled instead.
	Path       string `mapstructure:"path"`
	EntryPoint string `mapstructure:"entry_point"`
}

type WorkloadConfig struct {
	Elements int   `mapstructure:"elements"`
	Groups   int   `mapstructure:"groups"`
	CBValue  int32 `mapstructure:"cb_value"`
}

type EngineConfig struct {
	MaxMemoryMB int           `mapstructure:"max_memory_mb"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
}

var (
	validBackends = []string{"auto", "dx12", "vulkan", "metal", "gl", "software"}
	validLevels   = []string{"debug", "info", "warn", "error"}
)

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Backend: "auto",
			Index:   -1,
		},
		Kernel: KernelConfig{
			Path:       filepath.Join("shaders", "compute.spv"),
			EntryPoint: "main",
		},
		Workload: WorkloadConfig{
			Elements: 4096,
			Groups:   4,
			CBValue:  1,
		},
		Engine: EngineConfig{
			MaxMemoryMB: 256,
		},
		Logging: LoggingConfig{
			Level:   "warn",
			Console: true,
		},
	}
}

// Load loads configuration from cfgFile, or from config.yaml in
// ~/.dispatch and the working directory, then applies DISPATCH_*
// environment variables.
func Load(cfgFile string) (*Config, error) {
	return LoadWith(viper.New(), cfgFile)
}

// LoadWith is Load on a caller-provided viper instance, so command-line
// flags bound to v take precedence.
func LoadWith(v *viper.Viper, cfgFile string) (*Config, error) {
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".dispatch"))
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.ExpandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	c.Device.Backend = strings.ToLower(c.Device.Backend)
	if !slices.Contains(validBackends, c.Device.Backend) {
		return fmt.Errorf("device.backend must be one of: %v", validBackends)
	}
	if c.Device.Index < -1 {
		return errors.New("device.index must be -1 (prompt) or an adapter index")
	}
	if c.Workload.Groups <= 0 {
		return errors.New("workload.groups must be positive")
	}
	if c.Workload.Elements <= 0 || c.Workload.Elements%c.Workload.Groups != 0 {
		return fmt.Errorf("workload.elements (%d) must be a positive multiple of workload.groups (%d)",
			c.Workload.Elements, c.Workload.Groups)
	}
	if c.Engine.MaxMemoryMB < 1 {
		return errors.New("engine.max_memory_mb must be at least 1")
	}
	if c.Engine.WaitTimeout < 0 {
		return errors.New("engine.wait_timeout must not be negative")
	}
	if !slices.Contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}
	return nil
}

// GroupSize returns the threads per workgroup implied by the workload.
func (c *Config) GroupSize() int {
	return c.Workload.Elements / c.Workload.Groups
}

// ExpandPaths expands ~ and environment variables in paths.
func (c *Config) ExpandPaths() {
	c.Kernel.Path = expandPath(c.Kernel.Path)
	c.Logging.File = expandPath(c.Logging.File)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("device.backend", cfg.Device.Backend)
	v.SetDefault("device.index", cfg.Device.Index)

	v.SetDefault("kernel.path", cfg.Kernel.Path)
	v.SetDefault("kernel.entry_point", cfg.Kernel.EntryPoint)

	v.SetDefault("workload.elements", cfg.Workload.Elements)
	v.SetDefault("workload.groups", cfg.Workload.Groups)
	v.SetDefault("workload.cb_value", cfg.Workload.CBValue)

	v.SetDefault("engine.max_memory_mb", cfg.Engine.MaxMemoryMB)
	v.SetDefault("engine.wait_timeout", cfg.Engine.WaitTimeout)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
}
