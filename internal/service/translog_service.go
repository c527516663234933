package service

import (
	"sort"
	"sync"
	"time"

	rerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"go.uber.org/zap"
)

// TranslogState is the state of the transaction logger
type TranslogState int32

const (
	// TranslogDisabled means writes apply without logging
	TranslogDisabled TranslogState = iota
	// TranslogEnabled means writes are logged
	TranslogEnabled
	// TranslogDraining means unlocked drain passes are running
	TranslogDraining
	// TranslogDrainingFinal means the final drain holds the write lock
	TranslogDrainingFinal
)

func (s TranslogState) String() string {
	switch s {
	case TranslogEnabled:
		return "enabled"
	case TranslogDraining:
		return "draining"
	case TranslogDrainingFinal:
		return "draining_final"
	default:
		return "disabled"
	}
}

// TranslogConfig holds transaction logger configuration
type TranslogConfig struct {
	DrainThreshold int // Unlocked drains run while more than this many commands wait
	DrainBatchSize int // Max commands returned by one unlocked drain
}

// TransactionLogger records writes and pending prepares while a rehash
// episode moves ownership, so they can be forwarded to new owners.
//
// Writers hold gate for reading around apply+log. DrainAndLock takes gate
// for writing, so once it returns no write can be in flight or start
// until UnlockAndDisable.
type TransactionLogger struct {
	config *TranslogConfig

	gate sync.RWMutex

	mu       sync.Mutex
	state    TranslogState
	entries  []model.WriteCommand
	prepares map[string]model.PreparedTransaction
	locked   bool
	lockedAt time.Time

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// TranslogStatus is a point-in-time view of the logger
type TranslogStatus struct {
	State           string `json:"state"`
	Size            int    `json:"size"`
	PendingPrepares int    `json:"pending_prepares"`
	Locked          bool   `json:"locked"`
}

// NewTransactionLogger creates a disabled transaction logger
func NewTransactionLogger(cfg *TranslogConfig, m *metrics.Metrics, logger *zap.Logger) *TransactionLogger {
	if cfg.DrainBatchSize <= 0 {
		cfg.DrainBatchSize = 1000
	}
	return &TransactionLogger{
		config:   cfg,
		prepares: make(map[string]model.PreparedTransaction),
		metrics:  m,
		logger:   logger,
	}
}

// Enable starts logging. seed, when set, is called with writers excluded
// and returns the transactions already prepared. Enable is a no-op if the
// logger is not disabled; it reports whether it changed state.
func (t *TransactionLogger) Enable(seed func() []model.PreparedTransaction) bool {
	t.gate.Lock()
	defer t.gate.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TranslogDisabled {
		return false
	}
	t.enableLocked(seed)
	return true
}

// enableLocked requires gate held for writing and mu held
func (t *TransactionLogger) enableLocked(seed func() []model.PreparedTransaction) {
	t.state = TranslogEnabled
	t.entries = nil
	t.prepares = make(map[string]model.PreparedTransaction)
	if seed != nil {
		for _, tx := range seed() {
			t.prepares[tx.TxID] = tx
		}
	}

	t.logger.Info("Transaction logging enabled", zap.Int("pending_prepares", len(t.prepares)))
}

// TryEnable is Enable without waiting: it gives up if writers or a final
// drain hold the gate. It reports whether logging is on when it returns.
func (t *TransactionLogger) TryEnable(seed func() []model.PreparedTransaction) bool {
	if !t.gate.TryLock() {
		return false
	}
	defer t.gate.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TranslogDisabled {
		t.enableLocked(seed)
	}
	return true
}

// BeginWrite must wrap every local mutation. The returned func ends the
// write.
func (t *TransactionLogger) BeginWrite() func() {
	t.gate.RLock()
	return t.gate.RUnlock
}

// IsEnabled reports whether writes are currently logged
func (t *TransactionLogger) IsEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != TranslogDisabled
}

// LogCommand appends a write. Callers must hold BeginWrite. It reports
// whether the command was logged.
func (t *TransactionLogger) LogCommand(cmd model.WriteCommand) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.loggingLocked() {
		return false
	}
	t.entries = append(t.entries, cmd)
	t.metrics.TranslogAppends.Inc()
	t.metrics.TranslogSize.Set(float64(len(t.entries)))
	return true
}

// LogPrepare records a prepared transaction. Callers must hold BeginWrite.
func (t *TransactionLogger) LogPrepare(tx model.PreparedTransaction) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.loggingLocked() {
		return false
	}
	t.prepares[tx.TxID] = tx
	return true
}

// LogCommit turns a pending prepare into a logged write. Callers must
// hold BeginWrite.
func (t *TransactionLogger) LogCommit(txID string, cmd model.WriteCommand) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.loggingLocked() {
		return false
	}
	delete(t.prepares, txID)
	t.entries = append(t.entries, cmd)
	t.metrics.TranslogAppends.Inc()
	t.metrics.TranslogSize.Set(float64(len(t.entries)))
	return true
}

// LogRollback forgets a pending prepare. Callers must hold BeginWrite.
func (t *TransactionLogger) LogRollback(txID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.loggingLocked() {
		return false
	}
	delete(t.prepares, txID)
	return true
}

// loggingLocked reports whether appends are accepted; mu must be held
func (t *TransactionLogger) loggingLocked() bool {
	return t.state == TranslogEnabled || t.state == TranslogDraining
}

// ShouldDrainWithoutLock reports whether an unlocked drain pass is
// worthwhile.
func (t *TransactionLogger) ShouldDrainWithoutLock() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.loggingLocked() {
		return false
	}
	return len(t.entries) > t.config.DrainThreshold
}

// Drain removes and returns up to DrainBatchSize commands without
// blocking writers. It fails once the log is disabled or held by the final
// drain.
func (t *TransactionLogger) Drain() ([]model.WriteCommand, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.loggingLocked() {
		return nil, rerrors.TranslogState("drain", t.state.String())
	}
	t.state = TranslogDraining

	n := len(t.entries)
	if n > t.config.DrainBatchSize {
		n = t.config.DrainBatchSize
	}
	batch := make([]model.WriteCommand, n)
	copy(batch, t.entries[:n])
	t.entries = t.entries[n:]

	t.metrics.TranslogSize.Set(float64(len(t.entries)))
	return batch, nil
}

// DrainAndLock blocks new writes, waits for in-flight writes and returns
// everything left in the log. Writes stay blocked until UnlockAndDisable.
func (t *TransactionLogger) DrainAndLock() []model.WriteCommand {
	t.gate.Lock()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.locked = true
	t.lockedAt = time.Now()
	if t.state != TranslogDisabled {
		t.state = TranslogDrainingFinal
	}

	batch := t.entries
	t.entries = nil

	t.metrics.TranslogSize.Set(0)
	t.metrics.FinalDrainSize.Observe(float64(len(batch)))
	return batch
}

// PendingPrepares returns the prepared transactions that have neither
// committed nor rolled back, oldest first.
func (t *TransactionLogger) PendingPrepares() []model.PreparedTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]model.PreparedTransaction, 0, len(t.prepares))
	for _, tx := range t.prepares {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PreparedAt.Equal(out[j].PreparedAt) {
			return out[i].PreparedAt.Before(out[j].PreparedAt)
		}
		return out[i].TxID < out[j].TxID
	})
	return out
}

// UnlockAndDisable stops logging, clears the log and, if DrainAndLock
// was called, lets writers through again. Safe to call more than once.
func (t *TransactionLogger) UnlockAndDisable() {
	t.Release(nil)
}

// Release ends an episode's use of the logger. keepLogging is evaluated
// with writers excluded; if it reports true and logging is on, the logger
// goes back to Enabled with its pending prepares and any undrained
// commands intact. Otherwise logging stops and the log is cleared.
//
// Only the goroutine running the episode may call Release.
func (t *TransactionLogger) Release(keepLogging func() bool) {
	t.mu.Lock()
	held := t.locked
	t.mu.Unlock()

	// Without the final drain lock, take the gate so the keepLogging check
	// is ordered against a concurrent Enable.
	if !held {
		t.gate.Lock()
	}
	defer t.gate.Unlock()

	keep := keepLogging != nil && keepLogging()

	t.mu.Lock()
	lockedFor := time.Since(t.lockedAt)
	wasEnabled := t.state != TranslogDisabled

	if keep && wasEnabled {
		t.state = TranslogEnabled
	} else {
		t.state = TranslogDisabled
		t.entries = nil
		t.prepares = make(map[string]model.PreparedTransaction)
	}
	t.locked = false
	size := len(t.entries)
	t.metrics.TranslogSize.Set(float64(size))
	t.mu.Unlock()

	if held {
		t.metrics.WriteLockHeld.Observe(lockedFor.Seconds())
	}
	switch {
	case keep && wasEnabled:
		t.logger.Info("Transaction logging kept for a queued view change",
			zap.Bool("was_locked", held),
			zap.Int("size", size))
	case wasEnabled:
		t.logger.Info("Transaction logging disabled", zap.Bool("was_locked", held))
	}
}

// State returns the current state
func (t *TransactionLogger) State() TranslogState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Size returns the number of commands waiting to be drained
func (t *TransactionLogger) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Status returns a snapshot for the admin API
func (t *TransactionLogger) Status() TranslogStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TranslogStatus{
		State:           t.state.String(),
		Size:            len(t.entries),
		PendingPrepares: len(t.prepares),
		Locked:          t.locked,
	}
}
