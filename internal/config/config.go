// Package config loads the host configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/aether/internal/hv"
	"github.com/tinyrange/aether/internal/scheduler"
)

const (
	Version         = "v1.0.0"
	DefaultFilename = "aether.yaml"
)

type Config struct {
	Version    string        `yaml:"version"`
	LogLevel   string        `yaml:"log_level"`
	PrintLimit int           `yaml:"print_limit"`
	Idle       time.Duration `yaml:"idle"`
	StackSize  int           `yaml:"stack_size"`
	// Timeslice is the path of a step-latency recording. Empty disables it.
	Timeslice string  `yaml:"timeslice,omitempty"`
	Guests    []Guest `yaml:"guests"`
}

type Guest struct {
	Name  string `yaml:"name"`
	Image string `yaml:"image"`
	// Disk is optional and a missing file is not an error.
	Disk string `yaml:"disk,omitempty"`
}

func Default() Config {
	return Config{
		Version:    Version,
		LogLevel:   "info",
		PrintLimit: hv.DefaultPrintLimit,
		Idle:       scheduler.DefaultIdle,
		StackSize:  scheduler.DefaultStackSize,
	}
}

// Load reads and validates the file at path. Fields absent from the file
// keep their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !semver.IsValid(c.Version) {
		return fmt.Errorf("version %q is not a semantic version", c.Version)
	}
	if major := semver.Major(c.Version); major != semver.Major(Version) {
		return fmt.Errorf("unsupported config version %s (want %s.x)", c.Version, semver.Major(Version))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.PrintLimit < 0 {
		return fmt.Errorf("print_limit must not be negative")
	}
	if c.Idle < 0 {
		return fmt.Errorf("idle must not be negative")
	}
	if c.StackSize < 0 {
		return fmt.Errorf("stack_size must not be negative")
	}

	seen := make(map[string]bool)
	for i, g := range c.Guests {
		if g.Image == "" {
			return fmt.Errorf("guests[%d]: image is required", i)
		}
		if g.Name == "" {
			continue
		}
		if seen[g.Name] {
			return fmt.Errorf("guests[%d]: duplicate name %q", i, g.Name)
		}
		seen[g.Name] = true
	}
	return nil
}

// ParseLevel accepts the slog level names, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", s)
	}
	return level, nil
}
