// Package quarry exposes the embedded transaction engine: MVCC
// versioned storage, two-phase locking, write-ahead logging, and the
// transaction lifecycle behind one façade.
package quarry

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quarrydb/quarry/cfg"
	"github.com/quarrydb/quarry/hlc"
	"github.com/quarrydb/quarry/telemetry"
	"github.com/quarrydb/quarry/txn"
)

// Engine wires the transaction core components together. All methods
// are safe for concurrent use.
type Engine struct {
	clock     *hlc.Clock
	locks     *txn.LockManager
	store     *txn.VersionStore
	manager   *txn.Manager
	wal       *txn.WAL
	commitLog *txn.CommitLog
	validator *txn.Validator

	ckptStop chan struct{}
	ckptWG   sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Open builds an engine from the package configuration, replaying any
// existing WAL and checkpoint before accepting transactions.
func Open() (*Engine, error) {
	c := cfg.Config

	if c.DataDir != "" {
		if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
			return nil, err
		}
	}

	wal, err := txn.OpenWAL(c.WALPath(), c.WAL.BufferSize, c.WAL.SyncOnCommit)
	if err != nil {
		return nil, err
	}

	store := txn.NewVersionStore(time.Duration(c.MVCC.GCIntervalSeconds)*time.Second, c.MVCC.VersionRetentionCount)
	recovered, err := txn.Recover(wal, store)
	if err != nil {
		wal.Close()
		return nil, err
	}

	commitLog, err := txn.OpenCommitLog(c.CommitLogPath(), c.CommitLog.CacheSize)
	if err != nil {
		wal.Close()
		return nil, err
	}

	clock := hlc.NewClock(c.NodeID)
	locks := txn.NewLockManager(c.Txn.LockTableShards,
		time.Duration(c.Txn.LockWaitTimeoutMS)*time.Millisecond,
		c.Txn.LockEscalationThreshold)
	manager := txn.NewManager(clock, locks, store, commitLog)
	manager.SeedIDs(recovered.MaxTxnID)

	e := &Engine{
		clock:     clock,
		locks:     locks,
		store:     store,
		manager:   manager,
		wal:       wal,
		commitLog: commitLog,
		validator: txn.NewValidator(),
		ckptStop:  make(chan struct{}),
	}

	locks.StartDeadlockDetector(time.Duration(c.Txn.DeadlockDetectionIntervalMS) * time.Millisecond)
	manager.StartSweeper()

	if c.WAL.CheckpointIntervalSeconds > 0 {
		e.ckptWG.Add(1)
		go e.checkpointLoop(time.Duration(c.WAL.CheckpointIntervalSeconds) * time.Second)
	}

	log.Info().Uint64("node_id", c.NodeID).Str("data_dir", c.DataDir).Msg("engine opened")
	return e, nil
}

func (e *Engine) checkpointLoop(interval time.Duration) {
	defer e.ckptWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.wal.Checkpoint(e.store, e.manager.ActiveTransactionIDs()); err != nil {
				log.Error().Err(err).Msg("periodic checkpoint failed")
			}
		case <-e.ckptStop:
			return
		}
	}
}

// Begin starts a read-write transaction.
func (e *Engine) Begin(iso txn.IsolationLevel) uint64 {
	id := e.manager.Begin(iso)
	if _, err := e.wal.Append(&txn.Record{Type: txn.RecordBegin, TxnID: id}); err != nil {
		log.Error().Err(err).Uint64("txn_id", id).Msg("wal begin record failed")
	}
	return id
}

// BeginReadOnly starts a read-only transaction. It writes nothing to
// the WAL; reads still take shared locks unless the isolation level
// allows dirty reads.
func (e *Engine) BeginReadOnly(iso txn.IsolationLevel) uint64 {
	return e.manager.BeginReadOnly(iso)
}

// Get reads key as seen by the transaction: its own uncommitted write
// first, otherwise the newest version visible at its snapshot.
// found is false when no visible version exists or the visible one is
// a tombstone.
func (e *Engine) Get(ctx context.Context, txnID uint64, key string) (value []byte, found bool, err error) {
	iso, ok := e.manager.Isolation(txnID)
	if !ok {
		return nil, false, &txn.Error{Kind: txn.KindTransactionNotFound, Txn: txnID}
	}

	// Shared locks keep uncommitted writes of other transactions out
	// of view; only dirty reads skip the lock manager.
	if iso != txn.ReadUncommitted {
		if err := e.locks.Acquire(ctx, txnID, key, txn.LockShared, 0); err != nil {
			return nil, false, err
		}
	}

	if v, ok := e.store.GetVersionByTxn(key, txnID); ok {
		if err := e.manager.RecordRead(txnID, key); err != nil {
			return nil, false, err
		}
		if v.Deleted {
			return nil, false, nil
		}
		return v.Data, true, nil
	}

	snapshot := e.snapshotFor(txnID, iso)
	v, visible := e.store.GetVersion(key, txnID, snapshot)

	if err := e.manager.RecordRead(txnID, key); err != nil {
		return nil, false, err
	}
	if iso == txn.Serializable {
		e.validator.TrackRead(txnID, key, v)
	}
	if !visible {
		return nil, false, nil
	}
	return v.Data, true, nil
}

// snapshotFor picks the read timestamp: read-committed sees the latest
// committed state at each read, the stricter levels pin the snapshot
// taken at begin.
func (e *Engine) snapshotFor(txnID uint64, iso txn.IsolationLevel) hlc.Timestamp {
	if iso == txn.ReadCommitted || iso == txn.ReadUncommitted {
		return e.clock.Now()
	}
	snapshot, ok := e.manager.Snapshot(txnID)
	if !ok {
		return e.clock.Now()
	}
	return snapshot
}

// Put writes key under an exclusive lock: WAL first, then a new
// version tagged with the transaction id.
func (e *Engine) Put(ctx context.Context, txnID uint64, key string, value []byte) error {
	return e.write(ctx, txnID, key, value, false)
}

// Delete writes a tombstone for key.
func (e *Engine) Delete(ctx context.Context, txnID uint64, key string) error {
	return e.write(ctx, txnID, key, nil, true)
}

func (e *Engine) write(ctx context.Context, txnID uint64, key string, value []byte, deleted bool) error {
	if _, ok := e.manager.Isolation(txnID); !ok {
		return &txn.Error{Kind: txn.KindTransactionNotFound, Txn: txnID}
	}
	if e.manager.IsReadOnly(txnID) {
		return &txn.Error{Kind: txn.KindReadOnlyViolation, Txn: txnID, Key: key}
	}

	if err := e.locks.Acquire(ctx, txnID, key, txn.LockExclusive, 0); err != nil {
		return err
	}

	// Bookkeeping first: an operation-count or memory-limit rejection
	// must leave no trace in the WAL or the version store.
	if err := e.manager.RecordWrite(txnID, key, len(value)); err != nil {
		return err
	}

	ts := e.clock.Now()
	lsn, err := e.wal.Append(&txn.Record{
		Type:      txn.RecordWrite,
		TxnID:     txnID,
		Key:       key,
		Data:      value,
		Deleted:   deleted,
		Timestamp: ts,
	})
	if err != nil {
		return err
	}

	e.store.AddVersion(key, &txn.Version{
		TxnID:     txnID,
		Timestamp: ts,
		LSN:       lsn,
		Data:      value,
		Deleted:   deleted,
	})
	return nil
}

// Commit finalizes the transaction. Serializable transactions validate
// their read set first; a validation failure aborts and reports
// ValidationFailed, which requires a full retry.
func (e *Engine) Commit(txnID uint64) error {
	if iso, ok := e.manager.Isolation(txnID); ok && iso == txn.Serializable {
		if err := e.validator.ValidateReadSet(txnID, e.store); err != nil {
			if abortErr := e.abort(txnID); abortErr != nil {
				log.Debug().Err(abortErr).Uint64("txn_id", txnID).Msg("abort after failed validation")
			}
			return err
		}
	}

	if len(e.manager.WriteSet(txnID)) > 0 {
		if _, err := e.wal.Append(&txn.Record{Type: txn.RecordCommit, TxnID: txnID}); err != nil {
			return err
		}
	}

	if err := e.manager.Commit(txnID); err != nil {
		return err
	}
	e.validator.Forget(txnID)
	return nil
}

// Abort rolls the transaction back, invalidating its versions.
func (e *Engine) Abort(txnID uint64) error {
	return e.abort(txnID)
}

func (e *Engine) abort(txnID uint64) error {
	if len(e.manager.WriteSet(txnID)) > 0 {
		if _, err := e.wal.Append(&txn.Record{Type: txn.RecordAbort, TxnID: txnID}); err != nil {
			log.Error().Err(err).Uint64("txn_id", txnID).Msg("wal abort record failed")
		}
	}
	if err := e.manager.Abort(txnID); err != nil {
		return err
	}
	e.validator.Forget(txnID)
	return nil
}

// CreateSavepoint and RollbackToSavepoint delegate to the manager.
func (e *Engine) CreateSavepoint(txnID uint64, name string) error {
	if _, err := e.wal.Append(&txn.Record{Type: txn.RecordSavepoint, TxnID: txnID, Savepoint: name}); err != nil {
		return err
	}
	return e.manager.CreateSavepoint(txnID, name)
}

func (e *Engine) RollbackToSavepoint(txnID uint64, name string) error {
	return e.manager.RollbackToSavepoint(txnID, name)
}

// Prepare runs the local participant half of an external two-phase
// commit.
func (e *Engine) Prepare(txnID uint64) error {
	if err := e.wal.Flush(); err != nil {
		return err
	}
	return e.manager.Prepare(txnID)
}

// ForceGC runs a version store cleanup pass at the current watermark.
func (e *Engine) ForceGC() int {
	return e.store.ForceCleanup(e.manager.Watermark())
}

// Checkpoint snapshots the version store next to the WAL. In-flight
// transactions are recorded in the image so their uncommitted writes
// never come back as committed state after a restart.
func (e *Engine) Checkpoint() error {
	return e.wal.Checkpoint(e.store, e.manager.ActiveTransactionIDs())
}

// Manager exposes the transaction manager for observers and tests.
func (e *Engine) Manager() *txn.Manager {
	return e.manager
}

// Locks exposes the lock manager.
func (e *Engine) Locks() *txn.LockManager {
	return e.locks
}

// Store exposes the version store.
func (e *Engine) Store() *txn.VersionStore {
	return e.store
}

// CommitLog exposes the terminal-transition history log.
func (e *Engine) CommitLog() *txn.CommitLog {
	return e.commitLog
}

// RegisterCollector wires the engine's stat sources into a telemetry
// collector.
func (e *Engine) RegisterCollector(mc *telemetry.MetricsCollector) {
	mc.Register(e.manager.Stats())
	mc.Register(e.store)
	mc.Register(e.locks)
	mc.Bind("active_transactions", telemetry.ActiveTransactions)
	mc.Bind("mvcc_keys", telemetry.KeysTracked)
	mc.Bind("mvcc_versions", telemetry.VersionsStored)
	mc.Bind("locks_held", telemetry.LocksHeld)
}

// Close stops the background loops and closes the logs. Active
// transactions are not aborted; reopening replays the WAL and drops
// their uncommitted writes.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.ckptStop)
		e.ckptWG.Wait()
		e.manager.StopSweeper()
		e.locks.StopDeadlockDetector()

		if err := e.wal.Close(); err != nil {
			e.closeErr = err
		}
		if err := e.commitLog.Close(); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
		log.Info().Msg("engine closed")
	})
	return e.closeErr
}
