package service

import (
	"sync"

	"github.com/devrev/pairdb/cache-node/internal/algorithm"
	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"go.uber.org/zap"
)

// ViewChange is delivered to listeners whenever a new view is installed
type ViewChange struct {
	Old     *algorithm.View
	New     *algorithm.View
	Leavers []string
	Joiners []string
}

// ViewListener reacts to installed views
type ViewListener func(change ViewChange)

// MembershipService holds the current view and the RPC address book
type MembershipService struct {
	nodeID    string
	updateMu  sync.Mutex // Serializes installs so listeners see views in order
	mu        sync.RWMutex
	view      *algorithm.View
	addrs     map[string]string
	listeners []ViewListener
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// MembershipConfig holds the hash parameters every view is built with
type MembershipConfig struct {
	NodeID       string
	RPCAddr      string
	VirtualNodes int
	NumOwners    int
}

// NewMembershipService creates a membership service whose first view
// contains only this node.
func NewMembershipService(cfg *MembershipConfig, m *metrics.Metrics, logger *zap.Logger) *MembershipService {
	s := &MembershipService{
		nodeID:  cfg.NodeID,
		view:    algorithm.NewView([]string{cfg.NodeID}, cfg.VirtualNodes, cfg.NumOwners),
		addrs:   map[string]string{cfg.NodeID: cfg.RPCAddr},
		metrics: m,
		logger:  logger,
	}
	m.ClusterMembers.Set(1)
	return s
}

// View returns the current view
func (s *MembershipService) View() *algorithm.View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Address implements transport.AddressResolver. Addresses of members
// that left are kept so their connections can still be closed.
func (s *MembershipService) Address(nodeID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.addrs[nodeID]
	return addr, ok
}

// SetAddress records a node's RPC address without changing the view
func (s *MembershipService) SetAddress(nodeID, addr string) {
	if addr == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[nodeID] = addr
}

// Subscribe registers a listener. Listeners run synchronously, in
// registration order, on the goroutine that installed the view, and must
// not call Update.
func (s *MembershipService) Subscribe(l ViewListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Join adds a member
func (s *MembershipService) Join(nodeID, addr string) {
	s.SetAddress(nodeID, addr)
	s.Update([]string{nodeID}, nil)
}

// Leave removes a member
func (s *MembershipService) Leave(nodeID string) {
	s.Update(nil, []string{nodeID})
}

// Update installs a view with joiners added and leavers removed. Nothing
// happens if the member set does not change.
func (s *MembershipService) Update(joiners, leavers []string) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	s.mu.Lock()
	old := s.view

	var added, removed []string
	for _, j := range joiners {
		if j != "" && !old.Contains(j) && !containsString(added, j) {
			added = append(added, j)
		}
	}
	for _, l := range leavers {
		if l != s.nodeID && old.Contains(l) && !containsString(removed, l) {
			removed = append(removed, l)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		s.mu.Unlock()
		return
	}

	next := old.With(added...).Without(removed...)
	s.view = next
	listeners := make([]ViewListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	s.metrics.ClusterMembers.Set(float64(next.Size()))
	s.metrics.ViewChanges.Inc()
	s.logger.Info("Installed new view",
		zap.Strings("members", next.Members()),
		zap.Strings("joiners", added),
		zap.Strings("leavers", removed))

	change := ViewChange{Old: old, New: next, Leavers: removed, Joiners: added}
	for _, l := range listeners {
		l(change)
	}
}
