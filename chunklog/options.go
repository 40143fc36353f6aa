// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chunklog

import (
	"log/slog"

	"github.com/osil-io/osil/counters"
	"github.com/osil-io/osil/tracking"
)

// Config holds everything needed to open a log for writing or reading.
type Config struct {
	// Dir is the log root directory.
	Dir string
	// Name identifies the log in counters and logging.
	Name string
	// Epoch is the writer's epoch. The writer refuses to open a log
	// whose last chunk carries a higher epoch.
	Epoch uint64

	// Rollover thresholds for the active segment.
	MaxSegmentSizeBytes  int64
	MaxSegmentSizeChunks int

	// Retention is the ordered list of retention rules evaluated after
	// every rollover.
	Retention []RetentionSpec

	// FilterSize is the Bloom filter size in bytes for chunks carrying
	// filtered entries.
	FilterSize int

	// Tracking is forwarded to the tracking state.
	Tracking tracking.Config

	// Shared is the cell set shared between the writer and its readers.
	// Created on demand when nil.
	Shared *counters.Cells

	// CounterName and CounterFields configure the counter registry.
	// CounterName defaults to Name; CounterFields adds extra fields to
	// the standard set.
	CounterName   string
	CounterFields []string

	// InitialOffset is the first chunk id of a fresh log, used when
	// opening an acceptor against an empty directory.
	InitialOffset uint64

	// IndexFiles optionally carries pre-listed index paths so recovery
	// can skip the directory listing.
	IndexFiles []string

	// ReadersCounterFn is invoked with +1/-1 on reader open/close.
	ReadersCounterFn func(delta int)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a config with default thresholds.
func DefaultConfig(name, dir string) Config {
	return Config{
		Dir:                  dir,
		Name:                 name,
		MaxSegmentSizeBytes:  DefaultMaxSegmentSizeBytes,
		MaxSegmentSizeChunks: DefaultMaxSegmentSizeChunks,
		FilterSize:           DefaultFilterSize,
	}
}

// normalize fills zero values in place.
func (c *Config) normalize() {
	if c.MaxSegmentSizeBytes <= 0 {
		c.MaxSegmentSizeBytes = DefaultMaxSegmentSizeBytes
	}
	if c.MaxSegmentSizeChunks <= 0 {
		c.MaxSegmentSizeChunks = DefaultMaxSegmentSizeChunks
	}
	if c.FilterSize <= 0 {
		c.FilterSize = DefaultFilterSize
	}
	if c.CounterName == "" {
		c.CounterName = c.Name
	}
	if c.Shared == nil {
		c.Shared = counters.NewCells()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Option is a function that configures the log.
type Option func(*Config)

// WithEpoch sets the writer epoch.
func WithEpoch(epoch uint64) Option {
	return func(c *Config) {
		c.Epoch = epoch
	}
}

// WithMaxSegmentSizeBytes sets the byte rollover threshold.
func WithMaxSegmentSizeBytes(size int64) Option {
	return func(c *Config) {
		c.MaxSegmentSizeBytes = size
	}
}

// WithMaxSegmentSizeChunks sets the chunk-count rollover threshold.
func WithMaxSegmentSizeChunks(chunks int) Option {
	return func(c *Config) {
		c.MaxSegmentSizeChunks = chunks
	}
}

// WithRetention sets the ordered retention rules.
func WithRetention(specs ...RetentionSpec) Option {
	return func(c *Config) {
		c.Retention = specs
	}
}

// WithFilterSize sets the Bloom filter size in bytes.
func WithFilterSize(size int) Option {
	return func(c *Config) {
		c.FilterSize = size
	}
}

// WithTracking sets the tracking configuration.
func WithTracking(tc tracking.Config) Option {
	return func(c *Config) {
		c.Tracking = tc
	}
}

// WithShared attaches a pre-existing cell set.
func WithShared(cells *counters.Cells) Option {
	return func(c *Config) {
		c.Shared = cells
	}
}

// WithCounterSpec names the counter registry and adds extra fields.
func WithCounterSpec(name string, extraFields ...string) Option {
	return func(c *Config) {
		c.CounterName = name
		c.CounterFields = extraFields
	}
}

// WithInitialOffset sets the first chunk id of a fresh log.
func WithInitialOffset(offset uint64) Option {
	return func(c *Config) {
		c.InitialOffset = offset
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// NewConfig builds a config from options.
func NewConfig(name, dir string, opts ...Option) Config {
	cfg := DefaultConfig(name, dir)
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
