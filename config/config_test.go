package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphkit/go-graph-sync/graph"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "graphsync.yaml", `
client_id: client-a
user_id: alice
sync:
  queue_depth: 16
  resolution_timeout_ms: 5000
  default_strategy: latest_timestamp
snapshot:
  backend: sqlite
  dsn: file:snap.db
transport:
  url: wss://example.com/stream
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "client-a", cfg.ClientID)
	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, 16, cfg.Sync.QueueDepth)
	assert.Equal(t, 5*time.Second, cfg.ResolutionTimeout())
	assert.Equal(t, graph.StrategyLatestTimestamp, cfg.DefaultStrategy())
	assert.Equal(t, "sqlite", cfg.Snapshot.Backend)
	assert.Equal(t, "wss://example.com/stream", cfg.Transport.URL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "graphsync.json", `{"client_id": "client-b"}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "client-b", cfg.ClientID)
	// Defaults survive a sparse file.
	assert.Equal(t, 64, cfg.Sync.QueueDepth)
	assert.Equal(t, graph.StrategyRemoteWins, cfg.DefaultStrategy())
}

func TestLoadDSNEnvOverride(t *testing.T) {
	t.Setenv("GRAPHSYNC_SNAPSHOT_DSN", "file:env.db")
	path := writeConfig(t, "graphsync.yaml", `
client_id: client-a
snapshot:
  backend: sqlite
  dsn: file:config.db
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file:env.db", cfg.Snapshot.DSN)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing client id", func(c *Config) { c.ClientID = "" }},
		{"negative queue depth", func(c *Config) { c.Sync.QueueDepth = -1 }},
		{"negative timeout", func(c *Config) { c.Sync.ResolutionTimeoutMs = -1 }},
		{"unknown strategy", func(c *Config) { c.Sync.DefaultStrategy = "coin_flip" }},
		{"unknown backend", func(c *Config) { c.Snapshot.Backend = "etcd" }},
		{"backend without dsn", func(c *Config) { c.Snapshot.Backend = "sqlite"; c.Snapshot.DSN = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.ClientID = "client-a"
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	path := writeConfig(t, "graphsync.toml", `client_id = "x"`)
	_, err := Load(path)
	assert.Error(t, err)
}
