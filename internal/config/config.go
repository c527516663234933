package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for a cache node
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Cluster      ClusterConfig      `yaml:"cluster"`
	Rehash       RehashConfig       `yaml:"rehash"`
	Transport    TransportConfig    `yaml:"transport"`
	Gossip       GossipConfig       `yaml:"gossip"`
	EpisodeStore EpisodeStoreConfig `yaml:"episode_store"`
	Admin        AdminConfig        `yaml:"admin"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds the RPC server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AdvertiseAddr   string        `yaml:"advertise_addr"`
	MaxConnections  int           `yaml:"max_connections"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ClusterConfig holds consistent hash and static membership settings
type ClusterConfig struct {
	VirtualNodes int          `yaml:"virtual_nodes"`
	NumOwners    int          `yaml:"num_owners"`
	Peers        []PeerConfig `yaml:"peers"`
}

// PeerConfig is a statically known cluster member
type PeerConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// RehashConfig holds rehash episode settings
type RehashConfig struct {
	Enabled            bool          `yaml:"enabled"`
	PullTimeout        time.Duration `yaml:"pull_timeout"`
	PushTimeout        time.Duration `yaml:"push_timeout"`
	DrainThreshold     int           `yaml:"drain_threshold"`
	DrainBatchSize     int           `yaml:"drain_batch_size"`
	MaxDrainIterations int           `yaml:"max_drain_iterations"`
	UsePool            bool          `yaml:"use_pool"`
}

// TransportConfig holds RPC client settings
type TransportConfig struct {
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// WorkerPoolConfig sizes the pool used for pooled invocations
type WorkerPoolConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueSize  int `yaml:"queue_size"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// EpisodeStoreConfig selects where episode history is kept
type EpisodeStoreConfig struct {
	Type     string        `yaml:"type"` // memory or redis
	MaxItems int           `yaml:"max_items"`
	Redis    RedisConfig   `yaml:"redis"`
	TTL      time.Duration `yaml:"ttl"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AdminConfig holds the admin/metrics HTTP server configuration
type AdminConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Port              int     `yaml:"port"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file. An empty path uses defaults
// and environment variables only.
func LoadConfig(filePath string) (*Config, error) {
	cfg := &Config{
		Rehash: RehashConfig{Enabled: true},
		Admin:  AdminConfig{Enabled: true},
	}

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	setDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50061
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 1000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Cluster.VirtualNodes == 0 {
		cfg.Cluster.VirtualNodes = 150
	}
	if cfg.Cluster.NumOwners == 0 {
		cfg.Cluster.NumOwners = 2
	}

	if cfg.Rehash.PullTimeout == 0 {
		cfg.Rehash.PullTimeout = 60 * time.Second
	}
	if cfg.Rehash.PushTimeout == 0 {
		cfg.Rehash.PushTimeout = 30 * time.Second
	}
	if cfg.Rehash.DrainBatchSize == 0 {
		cfg.Rehash.DrainBatchSize = 1000
	}
	if cfg.Rehash.MaxDrainIterations == 0 {
		cfg.Rehash.MaxDrainIterations = 100
	}

	if cfg.Transport.WorkerPool.MaxWorkers == 0 {
		cfg.Transport.WorkerPool.MaxWorkers = 16
	}
	if cfg.Transport.WorkerPool.QueueSize == 0 {
		cfg.Transport.WorkerPool.QueueSize = 256
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.EpisodeStore.Type == "" {
		cfg.EpisodeStore.Type = "memory"
	}
	if cfg.EpisodeStore.MaxItems == 0 {
		cfg.EpisodeStore.MaxItems = 256
	}
	if cfg.EpisodeStore.TTL == 0 {
		cfg.EpisodeStore.TTL = 7 * 24 * time.Hour
	}

	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 9091
	}
	if cfg.Admin.RequestsPerSecond == 0 {
		cfg.Admin.RequestsPerSecond = 100
	}
	if cfg.Admin.BurstSize == 0 {
		cfg.Admin.BurstSize = 20
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// applyEnvironmentOverrides applies environment variable overrides
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("CACHE_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if host := os.Getenv("CACHE_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("CACHE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if seeds := os.Getenv("CACHE_SEED_NODES"); seeds != "" {
		cfg.Gossip.SeedNodes = strings.Split(seeds, ",")
		cfg.Gossip.Enabled = true
	}
	if addr := os.Getenv("CACHE_REDIS_ADDR"); addr != "" {
		cfg.EpisodeStore.Type = "redis"
		cfg.EpisodeStore.Redis.Addr = addr
	}
	if level := os.Getenv("CACHE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if enabled := os.Getenv("CACHE_REHASH_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			cfg.Rehash.Enabled = b
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Cluster.NumOwners < 1 {
		return fmt.Errorf("cluster.num_owners must be at least 1")
	}
	if c.Cluster.VirtualNodes < 1 {
		return fmt.Errorf("cluster.virtual_nodes must be at least 1")
	}
	for i, peer := range c.Cluster.Peers {
		if peer.ID == "" || peer.Addr == "" {
			return fmt.Errorf("cluster.peers[%d] requires id and addr", i)
		}
	}
	if c.Rehash.DrainThreshold < 0 {
		return fmt.Errorf("rehash.drain_threshold must not be negative")
	}
	switch c.EpisodeStore.Type {
	case "memory":
	case "redis":
		if c.EpisodeStore.Redis.Addr == "" {
			return fmt.Errorf("episode_store.redis.addr is required for the redis store")
		}
	default:
		return fmt.Errorf("episode_store.type must be memory or redis, got %q", c.EpisodeStore.Type)
	}
	return nil
}

// RPCAddr returns the address peers use to reach this node
func (c *Config) RPCAddr() string {
	if c.Server.AdvertiseAddr != "" {
		return c.Server.AdvertiseAddr
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
