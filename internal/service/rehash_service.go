package service

import (
	"context"
	"errors"
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
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RehashConfig holds rehash episode settings
type RehashConfig struct {
	PullTimeout        time.Duration
	PushTimeout        time.Duration
	MaxDrainIterations int
	UsePool            bool
}

// Phases reported on outcomes
const (
	PhasePull              = "pull"
	PhasePushModifications = "push_modifications"
	PhasePushPrepares      = "push_prepares"
)

// OutcomeKind classifies the result of one remote call
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeTimeout OutcomeKind = "timeout"
	OutcomeError   OutcomeKind = "error"
)

// Outcome is the result of one remote call made by an episode
type Outcome struct {
	Phase       string        `json:"phase"`
	Destination string        `json:"destination"`
	Kind        OutcomeKind   `json:"kind"`
	Items       int           `json:"items"`
	Duration    time.Duration `json:"duration"`
	Err         error         `json:"-"`
}

// Report describes what one episode did
type Report struct {
	EpisodeID          string        `json:"episode_id"`
	Skipped            bool          `json:"skipped"`
	Receiver           bool          `json:"receiver"`
	Providers          []string      `json:"providers,omitempty"`
	Pulls              []Outcome     `json:"pulls,omitempty"`
	Pushes             []Outcome     `json:"pushes,omitempty"`
	EntriesPulled      int           `json:"entries_pulled"`
	CommandsForwarded  int           `json:"commands_forwarded"`
	PreparesForwarded  int           `json:"prepares_forwarded"`
	DrainIterations    int           `json:"drain_iterations"`
	EntriesInvalidated int           `json:"entries_invalidated"`
	Duration           time.Duration `json:"duration"`
}

// Failed returns every outcome that did not succeed
func (r *Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Pulls {
		if o.Kind != OutcomeSuccess {
			out = append(out, o)
		}
	}
	for _, o := range r.Pushes {
		if o.Kind != OutcomeSuccess {
			out = append(out, o)
		}
	}
	return out
}

// Err combines the errors of all failed outcomes
func (r *Report) Err() error {
	var err error
	for _, o := range r.Failed() {
		err = multierr.Append(err, fmt.Errorf("%s %s: %w", o.Phase, o.Destination, o.Err))
	}
	return err
}

// LeaverSet is the set of leavers whose episode has not finished yet
type LeaverSet struct {
	mu      sync.Mutex
	members map[string]struct{}
}

// NewLeaverSet creates an empty set
func NewLeaverSet() *LeaverSet {
	return &LeaverSet{members: make(map[string]struct{})}
}

// Add inserts leavers
func (s *LeaverSet) Add(leavers ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range leavers {
		s.members[l] = struct{}{}
	}
}

// Remove deletes leavers and returns how many were present
func (s *LeaverSet) Remove(leavers ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, l := range leavers {
		if _, ok := s.members[l]; ok {
			delete(s.members, l)
			removed++
		}
	}
	return removed
}

// Contains reports whether leaver is unhandled
func (s *LeaverSet) Contains(leaver string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[leaver]
	return ok
}

// Members returns the unhandled leavers
func (s *LeaverSet) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	return out
}

// RehashTask drives this node's part of one rehash episode
type RehashTask struct {
	episodeID string
	nodeID    string
	view      *algorithm.View
	leavers   []string
	joiners   []string
	enabled   bool

	config    *RehashConfig
	unhandled *LeaverSet
	container *DataContainer
	translog  *TransactionLogger
	prepares  func() []model.PreparedTransaction
	invoker   transport.RemoteInvoker
	metrics   *metrics.Metrics
	logger    *zap.Logger

	keepLogging func() bool
	released    bool
}

// RehashTaskParams bundles what a RehashTask needs
type RehashTaskParams struct {
	EpisodeID string
	NodeID    string
	View      *algorithm.View // View after the membership change
	Leavers   []string
	Joiners   []string
	Enabled   bool

	Config          *RehashConfig
	Unhandled       *LeaverSet
	Container       *DataContainer
	Translog        *TransactionLogger
	PendingPrepares func() []model.PreparedTransaction
	Invoker         transport.RemoteInvoker
	Metrics         *metrics.Metrics
	Logger          *zap.Logger

	// KeepLogging reports whether another view change is waiting for its
	// episode. When it does, the task leaves the translog enabled for it.
	KeepLogging func() bool
}

// NewRehashTask creates a task for one episode
func NewRehashTask(p RehashTaskParams) *RehashTask {
	if p.EpisodeID == "" {
		p.EpisodeID = uuid.NewString()
	}
	if p.Unhandled == nil {
		p.Unhandled = NewLeaverSet()
	}
	return &RehashTask{
		episodeID: p.EpisodeID,
		nodeID:    p.NodeID,
		view:      p.View,
		leavers:   p.Leavers,
		joiners:   p.Joiners,
		enabled:   p.Enabled,
		config:    p.Config,
		unhandled: p.Unhandled,
		container: p.Container,
		translog:  p.Translog,
		prepares:  p.PendingPrepares,
		invoker:   p.Invoker,
		metrics:   p.Metrics,
		logger:    p.Logger.With(zap.String("episode_id", p.EpisodeID)),

		keepLogging: p.KeepLogging,
	}
}

// PerformRehash runs the episode: pull state if this node gained
// ownership, forward writes logged during the episode, forward pending
// prepares, then drop entries this node no longer owns.
//
// Push failures are reported on the Report and never fail the episode.
// Context cancellation is returned as is. Any other failure is wrapped
// into an episode error. Leavers are always removed from the unhandled
// set and the write lock is always released.
func (t *RehashTask) PerformRehash(ctx context.Context) (report *Report, err error) {
	start := time.Now()
	report = &Report{EpisodeID: t.episodeID}

	defer func() {
		if r := recover(); r != nil {
			err = rerrors.EpisodeFailed(t.episodeID, fmt.Errorf("panic: %v", r))
		}
		// Also runs for skipped episodes: logging may have been started
		// when the change was detected.
		t.releaseTranslog()
		t.unhandled.Remove(t.leavers...)
		report.Duration = time.Since(start)
	}()

	// Rebuild the view this change replaced
	newView := t.view
	oldView := newView.With(t.leavers...).Without(t.joiners...)
	change := OwnershipChange{
		Old:       oldView,
		New:       newView,
		NumOwners: newView.NumOwners(),
		Leavers:   t.leavers,
		Joiners:   t.joiners,
	}

	if !t.enabled {
		t.logger.Info("Rehashing is disabled, skipping data movement",
			zap.Strings("leavers", t.leavers),
			zap.Strings("joiners", t.joiners))
		report.Skipped = true
		return report, nil
	}

	t.logger.Info("Starting rehash",
		zap.String("node_id", t.nodeID),
		zap.Strings("members", newView.Members()),
		zap.Strings("leavers", t.leavers),
		zap.Strings("joiners", t.joiners))

	// No-op when logging started at detection
	t.translog.Enable(t.prepares)

	// Phase 1: pull what this node gained
	var pullErr error
	report.Receiver = algorithm.GainsOwnership(oldView, newView, t.nodeID, change.NumOwners)
	if report.Receiver {
		pullErr = t.pullState(ctx, oldView, newView, report)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
	}

	// Phase 2: forward writes and prepares to their new owners
	if err := t.drainTransactionLog(ctx, change, report); err != nil {
		if isContextError(err) {
			return report, err
		}
		return report, rerrors.EpisodeFailed(t.episodeID, err)
	}

	// Phase 3: drop what this node no longer owns
	report.EntriesInvalidated = t.invalidateLostOwnership(change)

	if pullErr != nil {
		return report, rerrors.EpisodeFailed(t.episodeID, pullErr)
	}

	t.logger.Info("Rehash completed",
		zap.Bool("receiver", report.Receiver),
		zap.Int("entries_pulled", report.EntriesPulled),
		zap.Int("commands_forwarded", report.CommandsForwarded),
		zap.Int("prepares_forwarded", report.PreparesForwarded),
		zap.Int("drain_iterations", report.DrainIterations),
		zap.Int("failed_calls", len(report.Failed())),
		zap.Duration("duration", time.Since(start)))

	return report, nil
}

// pullState asks every provider for the entries this node gained and
// merges them. It returns an error only if every provider failed.
func (t *RehashTask) pullState(ctx context.Context, oldView, newView *algorithm.View, report *Report) error {
	providers := make([]string, 0, newView.Size())
	for _, m := range newView.Members() {
		if m != t.nodeID && oldView.Contains(m) {
			providers = append(providers, m)
		}
	}
	report.Providers = providers
	if len(providers) == 0 {
		t.logger.Info("No state providers available")
		return nil
	}

	cmd := &transport.Command{
		ID:           uuid.NewString(),
		Type:         transport.CommandPullState,
		Origin:       t.nodeID,
		EpisodeID:    t.episodeID,
		Members:      newView.Members(),
		Leavers:      t.leavers,
		Joiners:      t.joiners,
		VirtualNodes: newView.VirtualNodes(),
		NumOwners:    newView.NumOwners(),
	}

	t.logger.Info("Pulling state", zap.Strings("providers", providers))

	responses, err := t.invoker.InvokeRemotely(ctx, providers, cmd, transport.ModeSynchronous, t.config.PullTimeout, t.config.UsePool)
	if err != nil {
		return err
	}

	var errs error
	successes := 0
	for _, resp := range responses {
		outcome := outcomeFor(PhasePull, resp, len(resp.State))
		if outcome.Err == nil {
			if _, ok, cerr := util.ValidateEntriesChecksum(resp.State, resp.Checksum); cerr != nil || !ok {
				actual, _ := util.EntriesChecksum(resp.State)
				outcome.Kind = OutcomeError
				outcome.Err = rerrors.ChecksumFailed(resp.Checksum, actual).WithDetail("provider", resp.Target)
			}
		}

		if outcome.Err != nil {
			t.logger.Warn("State pull failed",
				zap.String("provider", resp.Target),
				zap.String("kind", string(outcome.Kind)),
				zap.Error(outcome.Err))
			t.metrics.RecordPull(false, 0)
			errs = multierr.Append(errs, outcome.Err)
			report.Pulls = append(report.Pulls, outcome)
			continue
		}

		applied := t.container.ApplyState(newView, resp.State)
		successes++
		report.EntriesPulled += applied
		t.metrics.RecordPull(true, applied)
		report.Pulls = append(report.Pulls, outcome)

		t.logger.Info("Applied pulled state",
			zap.String("provider", resp.Target),
			zap.Int("received", len(resp.State)),
			zap.Int("applied", applied))
	}

	if successes == 0 {
		return rerrors.PullFailed(len(providers), errs)
	}
	return nil
}

// drainTransactionLog forwards logged writes in unlocked passes, then
// once more under the write lock together with the pending prepares.
func (t *RehashTask) drainTransactionLog(ctx context.Context, change OwnershipChange, report *Report) error {
	maxIterations := t.config.MaxDrainIterations
	for t.translog.ShouldDrainWithoutLock() {
		if maxIterations > 0 && report.DrainIterations >= maxIterations {
			t.logger.Warn("Reached max unlocked drain passes, finishing under lock",
				zap.Int("iterations", report.DrainIterations),
				zap.Int("remaining", t.translog.Size()))
			break
		}
		batch, err := t.translog.Drain()
		if err != nil {
			return err
		}
		report.DrainIterations++
		if err := t.pushModifications(ctx, batch, change, report); err != nil {
			return err
		}
	}
	t.metrics.DrainIterations.Observe(float64(report.DrainIterations))

	final := t.translog.DrainAndLock()
	t.logger.Info("Final drain under write lock", zap.Int("commands", len(final)))

	if err := t.pushModifications(ctx, final, change, report); err != nil {
		return err
	}
	if err := t.pushPrepares(ctx, t.translog.PendingPrepares(), change, report); err != nil {
		return err
	}

	t.releaseTranslog()
	return nil
}

// releaseTranslog hands the translog back at most once per task
func (t *RehashTask) releaseTranslog() {
	if t.released {
		return
	}
	t.released = true
	t.translog.Release(t.keepLogging)
}

func (t *RehashTask) pushModifications(ctx context.Context, batch []model.WriteCommand, change OwnershipChange, report *Report) error {
	if len(batch) == 0 {
		return nil
	}
	groups := Aggregate(batch, change)
	delete(groups, t.nodeID)

	return t.push(ctx, PhasePushModifications, destinations(groups), report, func(dest string) (*transport.Command, int) {
		cmds := groups[dest]
		return &transport.Command{
			ID:            uuid.NewString(),
			Type:          transport.CommandPushModifications,
			Origin:        t.nodeID,
			EpisodeID:     t.episodeID,
			Modifications: cmds,
			Members:       change.New.Members(),
			VirtualNodes:  change.New.VirtualNodes(),
			NumOwners:     change.New.NumOwners(),
		}, len(cmds)
	})
}

func (t *RehashTask) pushPrepares(ctx context.Context, prepares []model.PreparedTransaction, change OwnershipChange, report *Report) error {
	if len(prepares) == 0 {
		return nil
	}
	groups := Aggregate(prepares, change)
	delete(groups, t.nodeID)

	return t.push(ctx, PhasePushPrepares, destinations(groups), report, func(dest string) (*transport.Command, int) {
		txs := groups[dest]
		return &transport.Command{
			ID:        uuid.NewString(),
			Type:      transport.CommandPushPrepares,
			Origin:    t.nodeID,
			EpisodeID: t.episodeID,
			Prepares:  txs,
		}, len(txs)
	})
}

// push starts one future per destination and waits for all of them.
// Failed destinations are recorded, not returned; only ctx ending is an
// error.
func (t *RehashTask) push(
	ctx context.Context,
	phase string,
	dests []string,
	report *Report,
	build func(dest string) (*transport.Command, int),
) error {
	type pending struct {
		dest   string
		items  int
		future *transport.Future
	}

	inflight := make([]pending, 0, len(dests))
	for _, dest := range dests {
		cmd, items := build(dest)
		inflight = append(inflight, pending{
			dest:   dest,
			items:  items,
			future: t.invoker.InvokeRemotelyInFuture(ctx, []string{dest}, cmd, t.config.PushTimeout),
		})
	}

	for _, p := range inflight {
		responses, err := p.future.Get(ctx)
		if err != nil {
			return err
		}

		var outcome Outcome
		if len(responses) == 0 {
			outcome = Outcome{Phase: phase, Destination: p.dest, Kind: OutcomeError, Items: p.items,
				Err: rerrors.PushFailed(p.dest, fmt.Errorf("no response"))}
		} else {
			outcome = outcomeFor(phase, responses[0], p.items)
		}
		report.Pushes = append(report.Pushes, outcome)
		t.metrics.RecordPush(phase, outcome.Err == nil, outcome.Duration)

		if outcome.Err != nil {
			t.logger.Warn("Push failed, continuing",
				zap.String("phase", phase),
				zap.String("destination", p.dest),
				zap.Int("items", p.items),
				zap.String("kind", string(outcome.Kind)),
				zap.Error(outcome.Err))
			continue
		}

		switch phase {
		case PhasePushModifications:
			report.CommandsForwarded += p.items
		case PhasePushPrepares:
			report.PreparesForwarded += p.items
		}
	}
	return nil
}

// invalidateLostOwnership drops entries this node owned before the change
// and no longer owns, limited to keys whose owners changed because of a
// leaver or a joiner.
func (t *RehashTask) invalidateLostOwnership(change OwnershipChange) int {
	leavers := stringSet(change.Leavers)
	joiners := stringSet(change.Joiners)
	n := change.NumOwners

	removed := t.container.Invalidate(func(e model.Entry) bool {
		if !containsString(algorithm.LostOwners(change.Old, change.New, e.Key, n), t.nodeID) {
			return false
		}
		return intersects(change.Old.Locate(e.Key, n), leavers) ||
			intersects(change.New.Locate(e.Key, n), joiners)
	})

	if removed > 0 {
		t.logger.Info("Invalidated entries no longer owned", zap.Int("entries", removed))
	}
	return removed
}

func outcomeFor(phase string, resp *transport.Response, items int) Outcome {
	outcome := Outcome{
		Phase:       phase,
		Destination: resp.Target,
		Kind:        OutcomeSuccess,
		Items:       items,
		Duration:    resp.Duration,
		Err:         resp.Err,
	}
	if resp.Err != nil {
		outcome.Kind = OutcomeError
		if rerrors.GetCode(resp.Err) == rerrors.ErrCodeTimeout {
			outcome.Kind = OutcomeTimeout
		}
	}
	return outcome
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
