// Package config loads engine configuration from YAML or JSON files with
// validation and defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/graphkit/go-graph-sync/graph"
	"github.com/graphkit/go-graph-sync/logging"
)

// Config is the full engine configuration.
type Config struct {
	// ClientID identifies this client to the remote authority. Required.
	ClientID string `json:"client_id" yaml:"client_id"`

	// UserID is attached to raised conflicts, when known.
	UserID string `json:"user_id,omitempty" yaml:"user_id,omitempty"`

	Sync      SyncSettings      `json:"sync" yaml:"sync"`
	Snapshot  SnapshotSettings  `json:"snapshot" yaml:"snapshot"`
	Transport TransportSettings `json:"transport" yaml:"transport"`
	Logging   logging.Config    `json:"logging" yaml:"logging"`
}

// SyncSettings tune the coordinator.
type SyncSettings struct {
	// QueueDepth bounds each entity's intake buffer before coalescing.
	QueueDepth int `json:"queue_depth,omitempty" yaml:"queue_depth,omitempty"`

	// ResolutionTimeoutMs bounds how long a conflict stays open before the
	// default strategy settles it. Zero disables the timeout.
	ResolutionTimeoutMs int `json:"resolution_timeout_ms,omitempty" yaml:"resolution_timeout_ms,omitempty"`

	// DefaultStrategy applied on resolution timeout.
	DefaultStrategy string `json:"default_strategy,omitempty" yaml:"default_strategy,omitempty"`

	// AuditLimit bounds the in-memory resolution journal.
	AuditLimit int `json:"audit_limit,omitempty" yaml:"audit_limit,omitempty"`
}

// SnapshotSettings select the warm-restart backend.
type SnapshotSettings struct {
	// Backend is "sqlite", "postgres" or "" (no persistence).
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`

	// DSN is the backend connection string. The GRAPHSYNC_SNAPSHOT_DSN
	// environment variable overrides it.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// TransportSettings configure the websocket intake.
type TransportSettings struct {
	// URL of the change-notification stream, e.g. wss://host/stream.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// ReconnectInitialMs and ReconnectMaxMs bound the reconnect backoff.
	ReconnectInitialMs int `json:"reconnect_initial_ms,omitempty" yaml:"reconnect_initial_ms,omitempty"`
	ReconnectMaxMs     int `json:"reconnect_max_ms,omitempty" yaml:"reconnect_max_ms,omitempty"`
}

// Default returns a configuration with production-ready defaults applied.
func Default() Config {
	return Config{
		Sync: SyncSettings{
			QueueDepth:          64,
			ResolutionTimeoutMs: 30000,
			DefaultStrategy:     string(graph.StrategyRemoteWins),
			AuditLimit:          256,
		},
		Transport: TransportSettings{
			ReconnectInitialMs: 500,
			ReconnectMaxMs:     30000,
		},
		Logging: logging.DefaultConfig,
	}
}

// Load reads a configuration file. The format is selected by extension:
// .yaml/.yml or .json.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	switch {
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing yaml config %s: %w", path, err)
		}
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing json config %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config format: %s", path)
	}

	if dsn := os.Getenv("GRAPHSYNC_SNAPSHOT_DSN"); dsn != "" {
		cfg.Snapshot.DSN = dsn
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.Sync.QueueDepth < 0 {
		return fmt.Errorf("sync.queue_depth must not be negative")
	}
	if c.Sync.ResolutionTimeoutMs < 0 {
		return fmt.Errorf("sync.resolution_timeout_ms must not be negative")
	}
	if s := c.Sync.DefaultStrategy; s != "" && !graph.Strategy(s).Valid() {
		return fmt.Errorf("sync.default_strategy %q is unknown", s)
	}
	switch c.Snapshot.Backend {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("snapshot.backend %q is unknown", c.Snapshot.Backend)
	}
	if c.Snapshot.Backend != "" && c.Snapshot.DSN == "" {
		return fmt.Errorf("snapshot.dsn is required when snapshot.backend is set")
	}
	return nil
}

// ResolutionTimeout returns the timeout as a duration.
func (c *Config) ResolutionTimeout() time.Duration {
	return time.Duration(c.Sync.ResolutionTimeoutMs) * time.Millisecond
}

// DefaultStrategy returns the configured strategy, falling back to
// remote_wins.
func (c *Config) DefaultStrategy() graph.Strategy {
	if c.Sync.DefaultStrategy == "" {
		return graph.StrategyRemoteWins
	}
	return graph.Strategy(c.Sync.DefaultStrategy)
}
