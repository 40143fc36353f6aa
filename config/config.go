// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads log configuration for embedding processes from YAML
// files. Programmatic embedders configure chunklog.Config directly; this
// package covers deployments driven by a config file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/osil-io/osil/chunklog"
	"github.com/osil-io/osil/tracking"
)

// Config holds the file-level configuration of one log.
type Config struct {
	Dir   string `yaml:"dir"`
	Name  string `yaml:"name"`
	Epoch uint64 `yaml:"epoch"`

	MaxSegmentSizeBytes  int64 `yaml:"max_segment_size_bytes"`
	MaxSegmentSizeChunks int   `yaml:"max_segment_size_chunks"`

	Retention []RetentionSpec `yaml:"retention"`

	FilterSize int `yaml:"filter_size"`

	Tracking TrackingConfig `yaml:"tracking"`

	InitialOffset uint64 `yaml:"initial_offset"`
}

// RetentionSpec is one retention rule in configuration order.
type RetentionSpec struct {
	// Kind is "max_bytes" or "max_age".
	Kind     string `yaml:"kind"`
	MaxBytes int64  `yaml:"max_bytes"`
	// MaxAge is a duration string such as "12h".
	MaxAge string `yaml:"max_age"`
}

// TrackingConfig mirrors the tracking module configuration.
type TrackingConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		MaxSegmentSizeBytes:  chunklog.DefaultMaxSegmentSizeBytes,
		MaxSegmentSizeChunks: chunklog.DefaultMaxSegmentSizeChunks,
		FilterSize:           chunklog.DefaultFilterSize,
	}
}

// Load reads configuration from a YAML file, applying defaults for
// missing values.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.MaxSegmentSizeBytes <= 0 {
		return fmt.Errorf("max_segment_size_bytes must be positive")
	}
	if c.MaxSegmentSizeChunks <= 0 {
		return fmt.Errorf("max_segment_size_chunks must be positive")
	}
	if c.FilterSize < 0 || c.FilterSize > 255 {
		return fmt.Errorf("filter_size must be in [0, 255]")
	}
	for _, r := range c.Retention {
		switch r.Kind {
		case "max_bytes":
			if r.MaxBytes <= 0 {
				return fmt.Errorf("retention max_bytes must be positive")
			}
		case "max_age":
			age, err := time.ParseDuration(r.MaxAge)
			if err != nil {
				return fmt.Errorf("invalid retention max_age: %w", err)
			}
			if age <= 0 {
				return fmt.Errorf("retention max_age must be positive")
			}
		default:
			return fmt.Errorf("unknown retention kind %q", r.Kind)
		}
	}
	return nil
}

// ToLog converts the file configuration into an engine configuration.
func (c Config) ToLog() chunklog.Config {
	lc := chunklog.NewConfig(c.Name, c.Dir,
		chunklog.WithEpoch(c.Epoch),
		chunklog.WithMaxSegmentSizeBytes(c.MaxSegmentSizeBytes),
		chunklog.WithMaxSegmentSizeChunks(c.MaxSegmentSizeChunks),
		chunklog.WithFilterSize(c.FilterSize),
		chunklog.WithInitialOffset(c.InitialOffset),
		chunklog.WithTracking(tracking.Config{MaxEntries: c.Tracking.MaxEntries}),
	)
	specs := make([]chunklog.RetentionSpec, 0, len(c.Retention))
	for _, r := range c.Retention {
		switch r.Kind {
		case "max_bytes":
			specs = append(specs, chunklog.MaxBytes(r.MaxBytes))
		case "max_age":
			age, err := time.ParseDuration(r.MaxAge)
			if err != nil {
				continue
			}
			specs = append(specs, chunklog.MaxAge(age))
		}
	}
	lc.Retention = specs
	return lc
}
