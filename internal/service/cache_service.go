package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/cache-node/internal/algorithm"
	rerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"github.com/devrev/pairdb/cache-node/internal/transport"
	"github.com/devrev/pairdb/cache-node/internal/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CacheService is the local write path and the handler for commands
// sent by peers during rehash.
type CacheService struct {
	nodeID    string
	container *DataContainer
	translog  *TransactionLogger
	mu        sync.Mutex
	prepared  map[string]model.PreparedTransaction
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewCacheService creates a cache service
func NewCacheService(
	nodeID string,
	container *DataContainer,
	translog *TransactionLogger,
	m *metrics.Metrics,
	logger *zap.Logger,
) *CacheService {
	return &CacheService{
		nodeID:    nodeID,
		container: container,
		translog:  translog,
		prepared:  make(map[string]model.PreparedTransaction),
		metrics:   m,
		logger:    logger,
	}
}

// Get returns the value stored under key
func (s *CacheService) Get(key string) ([]byte, bool) {
	e, ok := s.container.Get(key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Put stores value under key
func (s *CacheService) Put(ctx context.Context, key string, value []byte) (model.WriteCommand, error) {
	return s.writeOne(ctx, model.OpPut, key, func() model.Entry {
		return s.container.Put(key, value)
	})
}

// Remove deletes key
func (s *CacheService) Remove(ctx context.Context, key string) (model.WriteCommand, error) {
	return s.writeOne(ctx, model.OpRemove, key, func() model.Entry {
		return s.container.Remove(key)
	})
}

// writeOne is Write for a single key, applied by the container itself
func (s *CacheService) writeOne(ctx context.Context, op model.OpType, key string, apply func() model.Entry) (model.WriteCommand, error) {
	if err := validateModifications([]model.Modification{{Op: op, Key: key}}); err != nil {
		return model.WriteCommand{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.WriteCommand{}, err
	}

	release := s.translog.BeginWrite()
	defer release()

	e := apply()
	cmd := model.WriteCommand{
		ID:            uuid.NewString(),
		Origin:        s.nodeID,
		Modifications: []model.Modification{model.ModificationFor(e)},
	}
	s.translog.LogCommand(cmd)
	return cmd, nil
}

// Write applies mods as one command and logs it if a rehash is running
func (s *CacheService) Write(ctx context.Context, mods []model.Modification) (model.WriteCommand, error) {
	if err := validateModifications(mods); err != nil {
		return model.WriteCommand{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.WriteCommand{}, err
	}

	release := s.translog.BeginWrite()
	defer release()

	cmd := s.stamp(uuid.NewString(), mods)
	s.apply(cmd)
	s.translog.LogCommand(cmd)

	return cmd, nil
}

// Prepare registers a transaction that will be committed later
func (s *CacheService) Prepare(txID string, mods []model.Modification) (model.PreparedTransaction, error) {
	if txID == "" {
		return model.PreparedTransaction{}, rerrors.InvalidArgument("transaction id is required", nil)
	}
	if err := validateModifications(mods); err != nil {
		return model.PreparedTransaction{}, err
	}

	release := s.translog.BeginWrite()
	defer release()

	tx := model.PreparedTransaction{
		TxID:          txID,
		Origin:        s.nodeID,
		Modifications: mods,
		PreparedAt:    time.Now(),
	}

	s.mu.Lock()
	if _, exists := s.prepared[txID]; exists {
		s.mu.Unlock()
		return model.PreparedTransaction{}, rerrors.InvalidArgument(fmt.Sprintf("transaction %s already prepared", txID), nil)
	}
	s.prepared[txID] = tx
	s.mu.Unlock()

	s.translog.LogPrepare(tx)
	return tx, nil
}

// Commit applies a prepared transaction
func (s *CacheService) Commit(ctx context.Context, txID string) (model.WriteCommand, error) {
	release := s.translog.BeginWrite()
	defer release()

	s.mu.Lock()
	tx, ok := s.prepared[txID]
	delete(s.prepared, txID)
	s.mu.Unlock()

	if !ok {
		return model.WriteCommand{}, rerrors.InvalidArgument(fmt.Sprintf("transaction %s is not prepared", txID), nil)
	}

	cmd := s.stamp(txID, tx.Modifications)
	s.apply(cmd)
	s.translog.LogCommit(txID, cmd)
	return cmd, nil
}

// Rollback discards a prepared transaction
func (s *CacheService) Rollback(txID string) bool {
	release := s.translog.BeginWrite()
	defer release()

	s.mu.Lock()
	_, ok := s.prepared[txID]
	delete(s.prepared, txID)
	s.mu.Unlock()

	s.translog.LogRollback(txID)
	return ok
}

// PendingPrepares returns every prepared transaction known locally
func (s *CacheService) PendingPrepares() []model.PreparedTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.PreparedTransaction, 0, len(s.prepared))
	for _, tx := range s.prepared {
		out = append(out, tx)
	}
	return out
}

// stamp assigns versions and origin to mods
func (s *CacheService) stamp(id string, mods []model.Modification) model.WriteCommand {
	stamped := make([]model.Modification, len(mods))
	for i, m := range mods {
		m.Version = s.container.NextVersion()
		m.Origin = s.nodeID
		stamped[i] = m
	}
	return model.WriteCommand{ID: id, Origin: s.nodeID, Modifications: stamped}
}

func (s *CacheService) apply(cmd model.WriteCommand) int {
	applied := 0
	for _, m := range cmd.Modifications {
		if s.container.Apply(m.ToEntry()) {
			applied++
		}
	}
	return applied
}

// HandleCommand implements transport.Handler
func (s *CacheService) HandleCommand(ctx context.Context, cmd *transport.Command) (*transport.Response, error) {
	var (
		resp *transport.Response
		err  error
	)

	switch cmd.Type {
	case transport.CommandPing:
		resp = &transport.Response{Success: true}
	case transport.CommandPullState:
		resp, err = s.handlePullState(cmd)
	case transport.CommandPushModifications:
		resp = s.handlePushModifications(cmd)
	case transport.CommandPushPrepares:
		resp = s.handlePushPrepares(cmd)
	default:
		err = rerrors.UnknownCommand(string(cmd.Type))
	}

	s.metrics.RecordCommand(string(cmd.Type), err)
	return resp, err
}

// handlePullState returns the entries the requester owns in the target
// view but did not own before.
func (s *CacheService) handlePullState(cmd *transport.Command) (*transport.Response, error) {
	if len(cmd.Members) == 0 || cmd.Origin == "" {
		return nil, rerrors.InvalidArgument("pull state requires origin and members", nil)
	}

	newView := algorithm.NewView(cmd.Members, cmd.VirtualNodes, cmd.NumOwners)
	oldView := newView.With(cmd.Leavers...).Without(cmd.Joiners...)
	n := newView.NumOwners()

	state := make([]model.Entry, 0)
	for _, e := range s.container.Entries() {
		if containsString(algorithm.GainedOwners(oldView, newView, e.Key, n), cmd.Origin) {
			state = append(state, e)
		}
	}

	checksum, err := util.EntriesChecksum(state)
	if err != nil {
		return nil, rerrors.InternalError("failed to checksum state", err)
	}

	s.logger.Info("Serving state pull",
		zap.String("episode_id", cmd.EpisodeID),
		zap.String("requester", cmd.Origin),
		zap.Int("entries", len(state)))

	return &transport.Response{Success: true, State: state, Checksum: checksum}, nil
}

// handlePushModifications applies forwarded writes. They are not logged
// again. A command can touch several keys; when the sender names the
// target view, keys this node does not own in it are skipped.
func (s *CacheService) handlePushModifications(cmd *transport.Command) *transport.Response {
	var view *algorithm.View
	if len(cmd.Members) > 0 {
		view = algorithm.NewView(cmd.Members, cmd.VirtualNodes, cmd.NumOwners)
	}

	applied, skipped := 0, 0
	for _, wc := range cmd.Modifications {
		for _, m := range wc.Modifications {
			if view != nil && !view.IsOwner(m.Key, s.nodeID) {
				skipped++
				continue
			}
			if s.container.Apply(m.ToEntry()) {
				applied++
			}
		}
	}
	s.metrics.EntriesAppliedTotal.WithLabelValues("forwarded").Add(float64(applied))

	if ce := s.logger.Check(zap.DebugLevel, "Applied forwarded modifications"); ce != nil {
		ce.Write(
			zap.String("episode_id", cmd.EpisodeID),
			zap.String("origin", cmd.Origin),
			zap.Int("commands", len(cmd.Modifications)),
			zap.Int("applied", applied),
			zap.Int("skipped_not_owned", skipped))
	}
	return &transport.Response{Success: true, Applied: applied}
}

// handlePushPrepares registers prepares forwarded by a previous owner
func (s *CacheService) handlePushPrepares(cmd *transport.Command) *transport.Response {
	s.mu.Lock()
	registered := 0
	for _, tx := range cmd.Prepares {
		if _, exists := s.prepared[tx.TxID]; exists {
			continue
		}
		s.prepared[tx.TxID] = tx
		registered++
	}
	s.mu.Unlock()

	s.logger.Info("Registered forwarded prepares",
		zap.String("episode_id", cmd.EpisodeID),
		zap.String("origin", cmd.Origin),
		zap.Int("registered", registered))
	return &transport.Response{Success: true, Applied: registered}
}

func validateModifications(mods []model.Modification) error {
	if len(mods) == 0 {
		return rerrors.InvalidArgument("at least one modification is required", nil)
	}
	for _, m := range mods {
		if m.Key == "" {
			return rerrors.InvalidArgument("key must not be empty", nil)
		}
		if m.Op != model.OpPut && m.Op != model.OpRemove {
			return rerrors.InvalidArgument(fmt.Sprintf("unsupported operation '%s'", m.Op), nil)
		}
	}
	return nil
}
