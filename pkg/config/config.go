// Package config holds the worker process's own startup configuration:
// where its instance directory lives, what its local socket is named, and
// how it logs. Loading it is cmd/sinkd's job alone — nothing else in this
// module reads flags or environment variables directly (spec §1 places
// "configuration loading" outside the core's scope; this package is the
// thin adapter cmd/sinkd needs to exist regardless).
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/sink/pkg/log"
)

// Config is one resource worker's full startup configuration, populated by
// cmd/sinkd directly from cobra/pflag flags — flags bound into local vars,
// no separate file parser.
type Config struct {
	// ResourceID names this worker's instance: its local socket (spec
	// §6.1, "named by resource instance identifier") and the
	// sub-directory it keeps its stores in.
	ResourceID string

	// DataDir is the parent directory under which this resource's
	// instance directory (DataDir/ResourceID) holds entitystore.db and
	// synchronizationstore.db (spec §6.3).
	DataDir string

	// SocketPath overrides the default instance-directory socket path.
	// Left empty, it defaults to DataDir/ResourceID/sink.sock.
	SocketPath string

	// IdleTimeout is how long the listener waits with zero connected
	// clients before invoking its OnIdle shutdown hook.
	IdleTimeout time.Duration

	LogLevel  log.Level
	LogJSON   bool
	LogOutput string // "stdout" or a file path; empty means stdout

	// MetricsAddr is the bind address for /metrics, /health, /ready,
	// /live. Empty disables the metrics HTTP server.
	MetricsAddr string
}

// InstanceDir is the per-resource directory this worker owns.
func (c Config) InstanceDir() string {
	return filepath.Join(c.DataDir, c.ResourceID)
}

// EntityStorePath is the entitystore's bbolt file path (spec §6.3).
func (c Config) EntityStorePath() string {
	return filepath.Join(c.InstanceDir(), "entitystore.db")
}

// SynchronizationStorePath is the synchronizationstore's bbolt file path
// (spec §6.3).
func (c Config) SynchronizationStorePath() string {
	return filepath.Join(c.InstanceDir(), "synchronizationstore.db")
}

// ListenerSocketPath resolves SocketPath, falling back to the instance
// directory's default.
func (c Config) ListenerSocketPath() string {
	if c.SocketPath != "" {
		return c.SocketPath
	}
	return filepath.Join(c.InstanceDir(), "sink.sock")
}

// LockfilePath is the process-lockfile path (spec §5) guarding this
// instance directory against a second concurrent worker.
func (c Config) LockfilePath() string {
	return filepath.Join(c.InstanceDir(), "sink.lock")
}

// LayoutPath is the persisted store-layout manifest path (spec §6.3),
// written once at startup so tooling can inspect which sub-databases this
// instance's entitystore holds without opening bbolt.
func (c Config) LayoutPath() string {
	return filepath.Join(c.InstanceDir(), "layout.yaml")
}

// Validate checks the fields cmd/sinkd can't sensibly default.
func (c Config) Validate() error {
	if c.ResourceID == "" {
		return fmt.Errorf("config: resource id is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data directory is required")
	}
	return nil
}
