package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipService discovers peers with memberlist and feeds joins and
// leaves into the membership service
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	delegate   *GossipEventDelegate
	meta       NodeMeta
	logger     *zap.Logger
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// NodeMeta is gossiped with every member
type NodeMeta struct {
	NodeID  string `json:"node_id"`
	RPCAddr string `json:"rpc_addr"`
}

// MembershipUpdater is the part of MembershipService gossip drives
type MembershipUpdater interface {
	Join(nodeID, addr string)
	Leave(nodeID string)
	SetAddress(nodeID, addr string)
}

// NewGossipService creates a memberlist for this node and joins the seeds
func NewGossipService(cfg *GossipConfig, meta NodeMeta, membership MembershipUpdater, logger *zap.Logger) (*GossipService, error) {
	gs := &GossipService{
		config:   cfg,
		meta:     meta,
		delegate: NewGossipEventDelegate(meta.NodeID, membership, logger),
		logger:   logger,
	}

	// Configure memberlist
	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = meta.NodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}

	// Route memberlist events and logs through this node
	mlConfig.Delegate = gs
	mlConfig.Events = gs.delegate
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	// Join seed nodes
	if len(cfg.SeedNodes) > 0 {
		joined, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
		logger.Info("Joined gossip cluster", zap.Int("contacted", joined))
	}

	return gs, nil
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data, err := json.Marshal(s.meta)
	if err != nil || len(data) > limit {
		s.logger.Warn("Node metadata does not fit", zap.Int("limit", limit))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {}

// Members returns the node IDs memberlist currently considers alive
func (s *GossipService) Members() []string {
	nodes := s.memberlist.Members()
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	return out
}

// Shutdown leaves the cluster and stops gossiping
func (s *GossipService) Shutdown(timeout time.Duration) error {
	if err := s.memberlist.Leave(timeout); err != nil {
		s.logger.Warn("Failed to leave gossip cluster cleanly", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// GossipEventDelegate turns memberlist events into membership updates
type GossipEventDelegate struct {
	self       string
	membership MembershipUpdater
	logger     *zap.Logger
}

// NewGossipEventDelegate creates an event delegate
func NewGossipEventDelegate(self string, membership MembershipUpdater, logger *zap.Logger) *GossipEventDelegate {
	return &GossipEventDelegate{self: self, membership: membership, logger: logger}
}

// NotifyJoin is called when a node joins. Membership listeners run on
// memberlist's event goroutine, so they must not block.
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	// Our own join is already in the initial view
	if node.Name == d.self {
		return
	}
	meta := d.decode(node)
	d.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("rpc_addr", meta.RPCAddr))
	d.membership.Join(node.Name, meta.RPCAddr)
}

// NotifyLeave is called when a node leaves or is declared dead
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	if node.Name == d.self {
		return
	}
	d.logger.Info("Node left", zap.String("node_id", node.Name))
	d.membership.Leave(node.Name)
}

// NotifyUpdate is called when a node's metadata changes
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	meta := d.decode(node)
	d.logger.Debug("Node updated",
		zap.String("node_id", node.Name),
		zap.String("rpc_addr", meta.RPCAddr))
	d.membership.SetAddress(node.Name, meta.RPCAddr)
}

func (d *GossipEventDelegate) decode(node *memberlist.Node) NodeMeta {
	var meta NodeMeta
	if len(node.Meta) == 0 {
		return meta
	}
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		d.logger.Warn("Failed to decode node metadata",
			zap.String("node_id", node.Name),
			zap.Error(err))
	}
	return meta
}
