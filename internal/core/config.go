// Licensed under the MIT License. See LICENSE file in the project root for details.

package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/kianostad/dash/internal/concurrency/epoch"
	"github.com/kianostad/dash/internal/monitoring/metrics"
	"github.com/kianostad/dash/internal/storage/index"
)

var (
	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("database is closed")

	// ErrInvalidConfig is returned by New for a configuration that fails Validate.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config holds the settings of a database.
type Config struct {
	// InitialSegments is the number of segments created up front. It must be
	// a power of two.
	InitialSegments int

	// Hasher routes keys. Nil selects index.XXHash.
	Hasher index.Hasher

	// ArenaPath, when set, places segments and directories in a file-backed
	// arena of ArenaSize bytes. The file is formatted on open.
	ArenaPath string
	ArenaSize int64

	// EnableMetrics turns on latency and structural metrics.
	EnableMetrics bool
	Metrics       metrics.MetricsConfig

	// ReclaimInterval is how often retired directory images are collected.
	ReclaimInterval time.Duration
}

// DefaultConfig returns an in-memory configuration with two initial segments
// and metrics enabled.
func DefaultConfig() Config {
	return Config{
		InitialSegments: 2,
		Hasher:          index.XXHash,
		ArenaSize:       64 << 20,
		EnableMetrics:   true,
		Metrics:         metrics.DefaultMetricsConfig(),
		ReclaimInterval: epoch.DefaultReclaimInterval,
	}
}

// Validate reports the first problem with c.
func (c Config) Validate() error {
	if c.InitialSegments <= 0 || c.InitialSegments&(c.InitialSegments-1) != 0 {
		return fmt.Errorf("%w: initial segments %d is not a positive power of two", ErrInvalidConfig, c.InitialSegments)
	}
	if c.ArenaPath != "" && c.ArenaSize <= 0 {
		return fmt.Errorf("%w: arena size %d", ErrInvalidConfig, c.ArenaSize)
	}
	if c.ReclaimInterval < 0 {
		return fmt.Errorf("%w: negative reclaim interval", ErrInvalidConfig)
	}
	return nil
}

// Option adjusts a Config.
type Option func(*Config)

// WithInitialSegments sets the number of segments created up front.
func WithInitialSegments(n int) Option {
	return func(c *Config) { c.InitialSegments = n }
}

// WithHasher sets the key hash function.
func WithHasher(h index.Hasher) Option {
	return func(c *Config) { c.Hasher = h }
}

// WithArena stores the index in a file-backed arena at path.
func WithArena(path string, size int64) Option {
	return func(c *Config) {
		c.ArenaPath = path
		c.ArenaSize = size
	}
}

// WithMetrics enables metrics with the given configuration.
func WithMetrics(config metrics.MetricsConfig) Option {
	return func(c *Config) {
		c.EnableMetrics = true
		c.Metrics = config
	}
}

// WithoutMetrics disables metrics collection.
func WithoutMetrics() Option {
	return func(c *Config) { c.EnableMetrics = false }
}

// WithReclaimInterval sets how often retired directories are collected.
func WithReclaimInterval(d time.Duration) Option {
	return func(c *Config) { c.ReclaimInterval = d }
}
