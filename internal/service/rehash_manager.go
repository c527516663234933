package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"github.com/devrev/pairdb/cache-node/internal/store"
	"github.com/devrev/pairdb/cache-node/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// RehashManager turns installed views into rehash episodes. Episodes run
// one at a time, in the order the views were installed.
type RehashManager struct {
	nodeID    string
	config    *RehashConfig
	enabled   *atomic.Bool
	cache     *CacheService
	container *DataContainer
	translog  *TransactionLogger
	invoker   transport.RemoteInvoker
	episodes  store.EpisodeStore
	unhandled *LeaverSet

	// queued counts detected view changes whose episode has not started
	queued    *atomic.Int64
	episodeMu sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// RehashManagerParams bundles the manager's dependencies
type RehashManagerParams struct {
	NodeID    string
	Config    *RehashConfig
	Enabled   bool
	Cache     *CacheService
	Container *DataContainer
	Translog  *TransactionLogger
	Invoker   transport.RemoteInvoker
	Episodes  store.EpisodeStore
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// NewRehashManager creates a rehash manager
func NewRehashManager(p RehashManagerParams) *RehashManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &RehashManager{
		nodeID:    p.NodeID,
		config:    p.Config,
		enabled:   atomic.NewBool(p.Enabled),
		cache:     p.Cache,
		container: p.Container,
		translog:  p.Translog,
		invoker:   p.Invoker,
		episodes:  p.Episodes,
		unhandled: NewLeaverSet(),
		queued:    atomic.NewInt64(0),
		ctx:       ctx,
		cancel:    cancel,
		metrics:   p.Metrics,
		logger:    p.Logger,
	}
}

// SetEnabled turns data movement on or off for episodes that start later
func (m *RehashManager) SetEnabled(enabled bool) {
	if m.enabled.Swap(enabled) != enabled {
		m.logger.Info("Rehash toggled", zap.Bool("enabled", enabled))
	}
}

// Enabled reports whether data movement is on
func (m *RehashManager) Enabled() bool {
	return m.enabled.Load()
}

// UnhandledLeavers returns leavers whose episode has not finished
func (m *RehashManager) UnhandledLeavers() []string {
	return m.unhandled.Members()
}

// OnViewChange is a ViewListener. It starts logging writes right away so
// nothing written before the episode starts is lost, then runs the
// episode in the background. It does not wait on a final drain held by a
// running episode: that episode sees the queued change and keeps logging.
func (m *RehashManager) OnViewChange(change ViewChange) {
	m.unhandled.Add(change.Leavers...)
	m.queued.Inc()

	enabled := m.enabled.Load()
	logging := !enabled || m.translog.TryEnable(m.cache.PendingPrepares)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if !logging {
			m.translog.Enable(m.cache.PendingPrepares)
		}
		if _, err := m.handleViewChange(m.ctx, change, true); err != nil {
			m.logger.Error("Rehash episode failed", zap.Error(err))
		}
	}()
}

// HandleViewChange runs one episode for change and records it
func (m *RehashManager) HandleViewChange(ctx context.Context, change ViewChange) (*Report, error) {
	return m.handleViewChange(ctx, change, false)
}

// keepLogging reports whether a later view change still needs the
// translog. Called by the running episode with writers excluded.
func (m *RehashManager) keepLogging() bool {
	return m.enabled.Load() && m.queued.Load() > 0
}

func (m *RehashManager) handleViewChange(ctx context.Context, change ViewChange, queued bool) (*Report, error) {
	m.episodeMu.Lock()
	defer m.episodeMu.Unlock()

	if queued {
		m.queued.Dec()
	}

	if err := ctx.Err(); err != nil {
		// OnViewChange may have started logging for this change
		m.translog.Release(m.keepLogging)
		m.unhandled.Remove(change.Leavers...)
		return nil, err
	}

	episode := &model.Episode{
		EpisodeID: uuid.New().String(),
		NodeID:    m.nodeID,
		Type:      model.EpisodeTypeFor(change.Leavers, change.Joiners),
		Status:    model.EpisodeStatusInProgress,
		Leavers:   change.Leavers,
		Joiners:   change.Joiners,
		Members:   change.New.Members(),
		StartedAt: time.Now(),
	}
	m.saveEpisode(ctx, episode)

	m.metrics.EpisodesActive.Inc()
	defer m.metrics.EpisodesActive.Dec()

	task := m.newTask(episode.EpisodeID, change)
	report, err := task.PerformRehash(ctx)

	completedAt := time.Now()
	episode.CompletedAt = &completedAt
	episode.Receiver = report.Receiver
	episode.Progress = model.EpisodeProgress{
		EntriesPulled:      int64(report.EntriesPulled),
		CommandsForwarded:  int64(report.CommandsForwarded),
		PreparesForwarded:  int64(report.PreparesForwarded),
		DrainIterations:    report.DrainIterations,
		EntriesInvalidated: int64(report.EntriesInvalidated),
	}
	for _, o := range report.Failed() {
		episode.FailedOutcomes = append(episode.FailedOutcomes,
			fmt.Sprintf("%s %s %s: %v", o.Phase, o.Destination, o.Kind, o.Err))
	}

	switch {
	case err != nil:
		episode.Status = model.EpisodeStatusFailed
		episode.ErrorMessage = err.Error()
	case report.Skipped:
		episode.Status = model.EpisodeStatusSkipped
	default:
		episode.Status = model.EpisodeStatusCompleted
	}

	// Record even if ctx was cancelled
	m.saveEpisode(context.WithoutCancel(ctx), episode)
	m.metrics.RecordEpisode(string(episode.Status), completedAt.Sub(episode.StartedAt))

	return report, err
}

func (m *RehashManager) newTask(episodeID string, change ViewChange) *RehashTask {
	return NewRehashTask(RehashTaskParams{
		EpisodeID:       episodeID,
		NodeID:          m.nodeID,
		View:            change.New,
		Leavers:         change.Leavers,
		Joiners:         change.Joiners,
		Enabled:         m.enabled.Load(),
		Config:          m.config,
		Unhandled:       m.unhandled,
		Container:       m.container,
		Translog:        m.translog,
		PendingPrepares: m.cache.PendingPrepares,
		Invoker:         m.invoker,
		Metrics:         m.metrics,
		Logger:          m.logger,
		KeepLogging:     m.keepLogging,
	})
}

func (m *RehashManager) saveEpisode(ctx context.Context, episode *model.Episode) {
	if m.episodes == nil {
		return
	}
	if err := m.episodes.Save(ctx, episode); err != nil {
		m.logger.Warn("Failed to record episode",
			zap.String("episode_id", episode.EpisodeID),
			zap.Error(err))
	}
}

// Episodes lists recorded episodes, newest first
func (m *RehashManager) Episodes(ctx context.Context, limit int) ([]*model.Episode, error) {
	return m.episodes.List(ctx, limit)
}

// Episode returns one recorded episode
func (m *RehashManager) Episode(ctx context.Context, episodeID string) (*model.Episode, error) {
	return m.episodes.Get(ctx, episodeID)
}

// Stop cancels running episodes and waits up to timeout for them
func (m *RehashManager) Stop(timeout time.Duration) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("rehash manager stop timeout after %v", timeout)
	}
}
