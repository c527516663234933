package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "server:\n  node_id: node-a\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Server.NodeID)
	assert.Equal(t, 50061, cfg.Server.Port)
	assert.Equal(t, 150, cfg.Cluster.VirtualNodes)
	assert.Equal(t, 2, cfg.Cluster.NumOwners)
	assert.True(t, cfg.Rehash.Enabled)
	assert.Equal(t, 60*time.Second, cfg.Rehash.PullTimeout)
	assert.Equal(t, 30*time.Second, cfg.Rehash.PushTimeout)
	assert.Equal(t, 1000, cfg.Rehash.DrainBatchSize)
	assert.Equal(t, "memory", cfg.EpisodeStore.Type)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  node_id: node-b
  port: 6000
cluster:
  virtual_nodes: 32
  num_owners: 3
  peers:
    - id: node-a
      addr: 10.0.0.1:6000
rehash:
  enabled: false
  pull_timeout: 5s
  drain_threshold: 10
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.Server.Port)
	assert.Equal(t, 32, cfg.Cluster.VirtualNodes)
	assert.Equal(t, 3, cfg.Cluster.NumOwners)
	require.Len(t, cfg.Cluster.Peers, 1)
	assert.Equal(t, "10.0.0.1:6000", cfg.Cluster.Peers[0].Addr)
	assert.False(t, cfg.Rehash.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Rehash.PullTimeout)
	assert.Equal(t, 10, cfg.Rehash.DrainThreshold)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CACHE_NODE_ID", "env-node")
	t.Setenv("CACHE_PORT", "7000")
	t.Setenv("CACHE_SEED_NODES", "10.0.0.1:7946,10.0.0.2:7946")
	t.Setenv("CACHE_REDIS_ADDR", "redis:6379")
	t.Setenv("CACHE_REHASH_ENABLED", "false")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "env-node", cfg.Server.NodeID)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.True(t, cfg.Gossip.Enabled)
	assert.Equal(t, []string{"10.0.0.1:7946", "10.0.0.2:7946"}, cfg.Gossip.SeedNodes)
	assert.Equal(t, "redis", cfg.EpisodeStore.Type)
	assert.Equal(t, "redis:6379", cfg.EpisodeStore.Redis.Addr)
	assert.False(t, cfg.Rehash.Enabled)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing node id", func(c *Config) { c.Server.NodeID = "" }, "server.node_id is required"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"zero owners", func(c *Config) { c.Cluster.NumOwners = 0 }, "cluster.num_owners"},
		{"incomplete peer", func(c *Config) { c.Cluster.Peers = []PeerConfig{{ID: "x"}} }, "cluster.peers[0]"},
		{"redis without addr", func(c *Config) { c.EpisodeStore.Type = "redis" }, "episode_store.redis.addr"},
		{"unknown store", func(c *Config) { c.EpisodeStore.Type = "etcd" }, "episode_store.type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Server: ServerConfig{NodeID: "node-a"}}
			setDefaults(cfg)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_RPCAddr(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Host: "127.0.0.1", Port: 5000}}
	assert.Equal(t, "127.0.0.1:5000", cfg.RPCAddr())

	cfg.Server.AdvertiseAddr = "cache-a:5000"
	assert.Equal(t, "cache-a:5000", cfg.RPCAddr())
}
