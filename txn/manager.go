package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quarrydb/quarry/cfg"
	"github.com/quarrydb/quarry/hlc"
	"github.com/quarrydb/quarry/telemetry"
)

// Manager owns transaction identifier assignment and the lifecycle
// state machine. The registry holds only non-terminal transactions;
// terminal transitions evict, so post-commit history lives in the
// commit log, never here.
type Manager struct {
	clock     *hlc.Clock
	locks     *LockManager
	store     *VersionStore
	commitLog *CommitLog
	stats     *TransactionStatistics

	nextID atomic.Uint64

	mu       sync.RWMutex
	registry map[uint64]*Transaction

	maxOperations  int
	memoryLimit    int64
	defaultTimeout time.Duration
	sweepInterval  time.Duration

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
	sweepMu   sync.Mutex
	sweeping  bool
}

// NewManager wires the lifecycle coordinator. commitLog may be nil
// when no terminal-transition history is wanted.
func NewManager(clock *hlc.Clock, locks *LockManager, store *VersionStore, commitLog *CommitLog) *Manager {
	return &Manager{
		clock:          clock,
		locks:          locks,
		store:          store,
		commitLog:      commitLog,
		stats:          NewTransactionStatistics(),
		registry:       map[uint64]*Transaction{},
		maxOperations:  cfg.Config.Txn.MaxOperations,
		memoryLimit:    int64(cfg.Config.Txn.MemoryLimitBytes),
		defaultTimeout: time.Duration(cfg.Config.Txn.TransactionTimeoutSeconds) * time.Second,
		sweepInterval:  time.Duration(cfg.Config.Txn.SweepIntervalSeconds) * time.Second,
	}
}

// SeedIDs raises the identifier floor so the next Begin allocates
// above it. Called after recovery so new transactions never collide
// with the owners of recovered versions.
func (m *Manager) SeedIDs(floor uint64) {
	for {
		cur := m.nextID.Load()
		if cur >= floor || m.nextID.CompareAndSwap(cur, floor) {
			return
		}
	}
}

// Stats returns the manager's statistics collector.
func (m *Manager) Stats() *TransactionStatistics {
	return m.stats
}

// Begin starts a transaction at the given isolation level and returns
// its identifier. Identifiers are strictly increasing for the lifetime
// of the manager.
func (m *Manager) Begin(iso IsolationLevel) uint64 {
	return m.begin(iso, false)
}

// BeginReadOnly starts a read-only transaction. Read-only transactions
// are rejected from every write path and skip exclusive locking.
func (m *Manager) BeginReadOnly(iso IsolationLevel) uint64 {
	return m.begin(iso, true)
}

func (m *Manager) begin(iso IsolationLevel, readOnly bool) uint64 {
	id := m.nextID.Add(1)
	snapshot := m.clock.Now()
	t := newTransaction(id, iso, readOnly, snapshot, m.defaultTimeout)

	m.mu.Lock()
	m.registry[id] = t
	m.mu.Unlock()

	m.stats.RecordBegin()
	telemetry.TxnBegun.Inc()
	telemetry.ActiveTransactions.Inc()
	return id
}

// Commit finalizes a transaction: Active -> Committing -> Committed,
// releasing all locks in between. The registry lock is dropped before
// calling into the lock manager. The transaction is evicted on
// reaching Committed, so a second Commit on the same id reports
// TransactionNotFound.
func (m *Manager) Commit(id uint64) error {
	t, err := m.enterTerminal(id, StateCommitting)
	if err != nil {
		return err
	}

	m.locks.ReleaseAll(id)
	m.store.ForgetTxn(id)

	m.mu.Lock()
	t.State = StateCommitted
	delete(m.registry, id)
	m.mu.Unlock()

	latency := time.Since(t.StartTime)
	m.stats.RecordCommit(latency)
	telemetry.TxnCommitted.Inc()
	telemetry.ActiveTransactions.Dec()
	telemetry.TxnDuration.Observe(latency.Seconds())

	m.appendCommitLog(t, StateCommitted)
	return nil
}

// Abort finalizes a transaction the failure way: Active -> Aborting ->
// Aborted. Versions written by the transaction are invalidated so they
// can never surface again, and all locks are released.
func (m *Manager) Abort(id uint64) error {
	t, err := m.enterTerminal(id, StateAborting)
	if err != nil {
		return err
	}

	m.store.InvalidateTxn(id)
	m.locks.ReleaseAll(id)

	m.mu.Lock()
	t.State = StateAborted
	delete(m.registry, id)
	m.mu.Unlock()

	m.stats.RecordAbort()
	telemetry.TxnAborted.Inc()
	telemetry.ActiveTransactions.Dec()
	telemetry.TxnDuration.Observe(time.Since(t.StartTime).Seconds())

	m.appendCommitLog(t, StateAborted)
	return nil
}

// enterTerminal performs the first half of the terminal transition
// under the registry lock. Concurrent commit/abort race losers observe
// AlreadyCommitted or AlreadyAborted from the in-flight state.
func (m *Manager) enterTerminal(id uint64, to State) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.registry[id]
	if !ok {
		return nil, &Error{Kind: KindTransactionNotFound, Txn: id}
	}

	switch t.State {
	case StateCommitting, StateCommitted:
		return nil, &Error{Kind: KindAlreadyCommitted, Txn: id}
	case StateAborting, StateAborted:
		return nil, &Error{Kind: KindAlreadyAborted, Txn: id}
	}

	if !validTransition(t.State, to) {
		return nil, &Error{Kind: KindInvalidStateTransition, Txn: id, From: t.State, To: to}
	}
	t.State = to
	return t, nil
}

func (m *Manager) appendCommitLog(t *Transaction, final State) {
	if m.commitLog == nil {
		return
	}
	entry := &CommitLogEntry{
		TxnID:     t.ID,
		State:     final,
		Isolation: t.Isolation,
		ReadOnly:  t.ReadOnly,
		StartTime: t.StartTime,
		EndTime:   time.Now(),
		Reads:     append([]string(nil), t.readSet...),
		Writes:    append([]string(nil), t.writeSet...),
	}
	if err := m.commitLog.Append(entry); err != nil {
		log.Error().Err(err).Uint64("txn_id", t.ID).Msg("commit log append failed")
	}
}

// RecordRead adds key to the transaction's read set. Silently a no-op
// when the transaction is unknown, so bookkeeping that races a
// concurrent abort does not fail.
func (m *Manager) RecordRead(id uint64, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.registry[id]
	if !ok {
		return nil
	}
	if m.maxOperations > 0 && t.OperationCount() >= m.maxOperations {
		return &Error{Kind: KindTooManyOperations, Txn: id, Operations: t.OperationCount(), Limit: int64(m.maxOperations)}
	}
	t.addRead(key)
	t.LastActivity = time.Now()
	return nil
}

// RecordWrite adds key to the transaction's write set and charges size
// payload bytes against the configured memory limit. Fails with
// ReadOnlyViolation for read-only transactions; silently a no-op when
// the transaction is unknown.
func (m *Manager) RecordWrite(id uint64, key string, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.registry[id]
	if !ok {
		return nil
	}
	if t.ReadOnly {
		return &Error{Kind: KindReadOnlyViolation, Txn: id, Key: key}
	}
	if m.maxOperations > 0 && t.OperationCount() >= m.maxOperations {
		return &Error{Kind: KindTooManyOperations, Txn: id, Operations: t.OperationCount(), Limit: int64(m.maxOperations)}
	}
	if m.memoryLimit > 0 && t.bytes+int64(size) > m.memoryLimit {
		return &Error{Kind: KindMemoryLimitExceeded, Txn: id, Key: key, Limit: m.memoryLimit}
	}
	t.addWrite(key)
	t.bytes += int64(size)
	t.LastActivity = time.Now()
	return nil
}

// Prepare runs the participant half of an external two-phase commit:
// Active -> Preparing -> Prepared. A prepared transaction can only be
// committed or aborted by its coordinator.
func (m *Manager) Prepare(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.registry[id]
	if !ok {
		return &Error{Kind: KindTransactionNotFound, Txn: id}
	}
	if !validTransition(t.State, StatePreparing) {
		return &Error{Kind: KindInvalidStateTransition, Txn: id, From: t.State, To: StatePreparing}
	}
	t.State = StatePrepared
	t.LastActivity = time.Now()
	return nil
}

// CreateSavepoint records a named rollback point inside an active
// transaction.
func (m *Manager) CreateSavepoint(id uint64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.registry[id]
	if !ok {
		return &Error{Kind: KindTransactionNotFound, Txn: id}
	}
	t.savepoints = append(t.savepoints, Savepoint{
		Name:      name,
		ReadLen:   len(t.readSet),
		WriteLen:  len(t.writeSet),
		Bytes:     t.bytes,
		CreatedAt: time.Now(),
	})
	return nil
}

// RollbackToSavepoint trims the read and write sets back to the named
// savepoint and discards savepoints created after it.
func (m *Manager) RollbackToSavepoint(id uint64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.registry[id]
	if !ok {
		return &Error{Kind: KindTransactionNotFound, Txn: id}
	}

	for i := len(t.savepoints) - 1; i >= 0; i-- {
		sp := t.savepoints[i]
		if sp.Name != name {
			continue
		}
		for _, key := range t.readSet[sp.ReadLen:] {
			delete(t.readIndex, key)
		}
		for _, key := range t.writeSet[sp.WriteLen:] {
			delete(t.writeIndex, key)
		}
		t.readSet = t.readSet[:sp.ReadLen]
		t.writeSet = t.writeSet[:sp.WriteLen]
		t.bytes = sp.Bytes
		t.savepoints = t.savepoints[:i+1]
		t.LastActivity = time.Now()
		return nil
	}
	return &Error{Kind: KindSavepointNotFound, Txn: id, Savepoint: name}
}

// GetState returns the transaction's current state. ok is false once
// the transaction reached a terminal state and was evicted.
func (m *Manager) GetState(id uint64) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.registry[id]
	if !ok {
		return StateAborted, false
	}
	return t.State, true
}

func (m *Manager) IsActive(id uint64) bool {
	state, ok := m.GetState(id)
	return ok && state == StateActive
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.registry)
}

func (m *Manager) ActiveTransactionIDs() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id)
	}
	return ids
}

// MinActiveTxn returns the garbage collection watermark: the smallest
// transaction id still in the registry. ok is false when the registry
// is empty.
func (m *Manager) MinActiveTxn() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var min uint64
	var found bool
	for id := range m.registry {
		if !found || id < min {
			min = id
			found = true
		}
	}
	return min, found
}

// Snapshot returns the read snapshot assigned at begin.
func (m *Manager) Snapshot(id uint64) (hlc.Timestamp, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.registry[id]
	if !ok {
		return hlc.Zero, false
	}
	return t.Snapshot, true
}

// Isolation returns the transaction's isolation level.
func (m *Manager) Isolation(id uint64) (IsolationLevel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.registry[id]
	if !ok {
		return ReadCommitted, false
	}
	return t.Isolation, true
}

// IsReadOnly reports the read-only flag for an active transaction.
func (m *Manager) IsReadOnly(id uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.registry[id]
	return ok && t.ReadOnly
}

// ReadSet returns a copy of the transaction's read set, in insertion
// order. Empty once the transaction is evicted.
func (m *Manager) ReadSet(id uint64) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.registry[id]
	if !ok {
		return nil
	}
	return append([]string(nil), t.readSet...)
}

// WriteSet returns a copy of the transaction's write set.
func (m *Manager) WriteSet(id uint64) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.registry[id]
	if !ok {
		return nil
	}
	return append([]string(nil), t.writeSet...)
}

// Watermark is the cleanup bound: the min active id, or one past the
// highest allocated id when nothing is active.
func (m *Manager) Watermark() uint64 {
	if min, ok := m.MinActiveTxn(); ok {
		return min
	}
	return m.nextID.Load() + 1
}

// StartSweeper launches the background loop that aborts transactions
// idle past their timeout and triggers version store cleanup at the
// current watermark.
func (m *Manager) StartSweeper() {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if m.sweeping || m.sweepInterval <= 0 {
		return
	}
	m.sweeping = true
	m.sweepStop = make(chan struct{})
	m.sweepWG.Add(1)
	go m.sweepLoop()
}

// StopSweeper stops the background loop and waits for it to exit.
func (m *Manager) StopSweeper() {
	m.sweepMu.Lock()
	if !m.sweeping {
		m.sweepMu.Unlock()
		return
	}
	m.sweeping = false
	stop := m.sweepStop
	m.sweepMu.Unlock()

	close(stop)
	m.sweepWG.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.sweepWG.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-m.sweepStop:
			return
		}
	}
}

func (m *Manager) sweepOnce() {
	now := time.Now()

	m.mu.RLock()
	var stale []uint64
	for id, t := range m.registry {
		if t.State == StateActive && t.Timeout > 0 && now.Sub(t.LastActivity) > t.Timeout {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.stats.RecordTimeout()
		log.Warn().Uint64("txn_id", id).Msg("aborting transaction idle past timeout")
		if err := m.Abort(id); err != nil {
			log.Debug().Err(err).Uint64("txn_id", id).Msg("stale transaction already finalized")
		}
	}

	m.store.Cleanup(m.Watermark())
}
