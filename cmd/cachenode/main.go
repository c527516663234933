package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdb/cache-node/internal/config"
	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"github.com/devrev/pairdb/cache-node/internal/server"
	"github.com/devrev/pairdb/cache-node/internal/service"
	"github.com/devrev/pairdb/cache-node/internal/store"
	"github.com/devrev/pairdb/cache-node/internal/transport"
	"github.com/devrev/pairdb/cache-node/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = ""
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger = logger.With(zap.String("node_id", cfg.Server.NodeID))
	logger.Info("Configuration loaded",
		zap.String("config_path", configPath),
		zap.String("rpc_addr", cfg.RPCAddr()),
		zap.Int("virtual_nodes", cfg.Cluster.VirtualNodes),
		zap.Int("num_owners", cfg.Cluster.NumOwners),
		zap.Bool("rehash_enabled", cfg.Rehash.Enabled))

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Server.NodeID, registry)

	// Local data path
	container := service.NewDataContainer(cfg.Server.NodeID, m)
	translog := service.NewTransactionLogger(&service.TranslogConfig{
		DrainThreshold: cfg.Rehash.DrainThreshold,
		DrainBatchSize: cfg.Rehash.DrainBatchSize,
	}, m, logger)
	cacheSvc := service.NewCacheService(cfg.Server.NodeID, container, translog, m, logger)

	// Membership
	membership := service.NewMembershipService(&service.MembershipConfig{
		NodeID:       cfg.Server.NodeID,
		RPCAddr:      cfg.RPCAddr(),
		VirtualNodes: cfg.Cluster.VirtualNodes,
		NumOwners:    cfg.Cluster.NumOwners,
	}, m, logger)

	// Transport
	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "rehash-rpc",
		MaxWorkers: cfg.Transport.WorkerPool.MaxWorkers,
		QueueSize:  cfg.Transport.WorkerPool.QueueSize,
		Logger:     logger,
	})
	sender := transport.NewGRPCSender(membership, logger)
	invoker := transport.NewInvoker(sender, pool, logger)

	grpcServer := transport.NewGRPCServer(cacheSvc, cfg.Server.MaxConnections, logger)
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}

	// Episode history
	episodes, err := newEpisodeStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize episode store", zap.Error(err))
	}

	// Rehash
	manager := service.NewRehashManager(service.RehashManagerParams{
		NodeID: cfg.Server.NodeID,
		Config: &service.RehashConfig{
			PullTimeout:        cfg.Rehash.PullTimeout,
			PushTimeout:        cfg.Rehash.PushTimeout,
			MaxDrainIterations: cfg.Rehash.MaxDrainIterations,
			UsePool:            cfg.Rehash.UsePool,
		},
		Enabled:   cfg.Rehash.Enabled,
		Cache:     cacheSvc,
		Container: container,
		Translog:  translog,
		Invoker:   invoker,
		Episodes:  episodes,
		Metrics:   m,
		Logger:    logger,
	})
	membership.Subscribe(manager.OnViewChange)
	membership.Subscribe(func(change service.ViewChange) {
		for _, leaver := range change.Leavers {
			sender.Forget(leaver)
		}
	})

	go func() {
		logger.Info("Cache node RPC server starting", zap.String("address", listener.Addr().String()))
		if err := grpcServer.Serve(listener); err != nil {
			logger.Fatal("Failed to serve", zap.Error(err))
		}
	}()

	for _, peer := range cfg.Cluster.Peers {
		if peer.ID != cfg.Server.NodeID {
			membership.Join(peer.ID, peer.Addr)
		}
	}

	var gossip *service.GossipService
	if cfg.Gossip.Enabled {
		gossip, err = service.NewGossipService(&service.GossipConfig{
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, service.NodeMeta{
			NodeID:  cfg.Server.NodeID,
			RPCAddr: cfg.RPCAddr(),
		}, membership, logger)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			logger.Info("Gossip service initialized")
		}
	}

	var admin *server.AdminServer
	if cfg.Admin.Enabled {
		admin = server.NewAdminServer(&server.AdminServerConfig{
			Port:              cfg.Admin.Port,
			RequestsPerSecond: cfg.Admin.RequestsPerSecond,
			BurstSize:         cfg.Admin.BurstSize,
		}, server.AdminDeps{
			NodeID:     cfg.Server.NodeID,
			Cache:      cacheSvc,
			Membership: membership,
			Manager:    manager,
			Translog:   translog,
			Episodes:   episodes,
			Pool:       pool,
			Gatherer:   registry,
		}, logger)
		admin.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	timeout := cfg.Server.ShutdownTimeout

	if gossip != nil {
		if err := gossip.Shutdown(timeout / 4); err != nil {
			logger.Error("Failed to shut down gossip", zap.Error(err))
		}
	}
	if admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := admin.Shutdown(ctx); err != nil {
			logger.Error("Failed to shut down admin server", zap.Error(err))
		}
		cancel()
	}
	if err := manager.Stop(timeout); err != nil {
		logger.Error("Failed to stop rehash manager", zap.Error(err))
	}
	grpcServer.Stop(timeout)
	if err := pool.Stop(timeout); err != nil {
		logger.Error("Failed to stop worker pool", zap.Error(err))
	}
	if err := sender.Close(); err != nil {
		logger.Error("Failed to close connections", zap.Error(err))
	}
	if err := episodes.Close(); err != nil {
		logger.Error("Failed to close episode store", zap.Error(err))
	}
}

func newEpisodeStore(cfg *config.Config, logger *zap.Logger) (store.EpisodeStore, error) {
	switch cfg.EpisodeStore.Type {
	case "redis":
		return store.NewRedisEpisodeStore(
			cfg.EpisodeStore.Redis.Addr,
			cfg.EpisodeStore.Redis.Password,
			cfg.EpisodeStore.Redis.DB,
			cfg.Server.NodeID,
			cfg.EpisodeStore.TTL,
			logger,
		)
	default:
		return store.NewMemoryEpisodeStore(cfg.EpisodeStore.MaxItems, logger), nil
	}
}

// initLogger builds the zap logger from the logging config
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
