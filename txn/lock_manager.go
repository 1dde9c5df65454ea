package txn

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/quarrydb/quarry/telemetry"
)

// lockEntry tracks the holders of one resource. waiters counts
// transactions currently blocked on it, so release knows whether a
// broadcast matters and cleanup knows the entry is still needed.
type lockEntry struct {
	holders map[uint64]LockMode
	waiters int
}

// lockShard is one partition of the lock table. All entries in a shard
// share a mutex and condvar; release broadcasts and blocked acquires
// re-check.
type lockShard struct {
	mu    sync.Mutex
	cond  *sync.Cond
	locks map[string]*lockEntry
}

// LockManager implements two-phase locking over opaque string
// resources. Resources named "table:row" are row locks subject to
// escalation; anything else is table granularity.
type LockManager struct {
	shards    []*lockShard
	shardMask uint64

	// byTxn: reverse index txnID -> (resource -> mode), drives ReleaseAll.
	byTxn *xsync.MapOf[uint64, *xsync.MapOf[string, LockMode]]

	graph      *waitGraph
	escalation *escalationTracker
	stats      *LockStatistics

	defaultTimeout time.Duration

	detectorStop chan struct{}
	detectorWG   sync.WaitGroup
	detectorMu   sync.Mutex
	detectorOn   bool
}

// NewLockManager creates a manager with the given shard count (power
// of two), default acquire timeout, and row-to-table escalation
// threshold (0 disables escalation).
func NewLockManager(shardCount int, defaultTimeout time.Duration, escalationThreshold int) *LockManager {
	shards := make([]*lockShard, shardCount)
	for i := range shards {
		s := &lockShard{locks: map[string]*lockEntry{}}
		s.cond = sync.NewCond(&s.mu)
		shards[i] = s
	}
	return &LockManager{
		shards:         shards,
		shardMask:      uint64(shardCount - 1),
		byTxn:          xsync.NewMapOf[uint64, *xsync.MapOf[string, LockMode]](),
		graph:          newWaitGraph(),
		escalation:     newEscalationTracker(escalationThreshold),
		stats:          NewLockStatistics(),
		defaultTimeout: defaultTimeout,
	}
}

func (lm *LockManager) shardFor(resource string) *lockShard {
	return lm.shards[xxhash.Sum64String(resource)&lm.shardMask]
}

// Stats returns the manager's statistics collector.
func (lm *LockManager) Stats() *LockStatistics {
	return lm.stats
}

// Acquire blocks until the lock is granted, the timeout elapses, ctx
// is cancelled, or the transaction is picked as a deadlock victim.
// A timeout of zero uses the manager default. Re-acquiring a mode the
// transaction already covers is a no-op; requesting a stronger mode
// upgrades in place when the transaction is the sole holder.
func (lm *LockManager) Acquire(ctx context.Context, txnID uint64, resource string, mode LockMode, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = lm.defaultTimeout
	}
	lm.stats.RecordRequest()

	shard := lm.shardFor(resource)
	shard.mu.Lock()

	entry := shard.locks[resource]
	if entry == nil {
		entry = &lockEntry{holders: map[uint64]LockMode{}}
		shard.locks[resource] = entry
	}

	// Fast path: grant without waiting.
	if lm.tryGrantLocked(entry, txnID, resource, mode) {
		shard.mu.Unlock()
		lm.finishGrant(txnID, resource, mode, 0)
		return nil
	}

	// Slow path: block on the shard condvar with a deadline. The timer
	// and context hooks broadcast so the wait loop can observe expiry.
	start := time.Now()
	deadline := start.Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		shard.mu.Lock()
		shard.cond.Broadcast()
		shard.mu.Unlock()
	})
	defer timer.Stop()
	stopCtx := context.AfterFunc(ctx, func() {
		shard.mu.Lock()
		shard.cond.Broadcast()
		shard.mu.Unlock()
	})
	defer stopCtx()

	entry.waiters++
	lm.stats.RecordWaitStart()

	cleanup := func() {
		entry.waiters--
		lm.graph.ClearWaiter(txnID)
		lm.maybeDropEntry(shard, resource, entry)
	}

	for {
		blockers := lm.blockersLocked(entry, txnID, mode)
		if len(blockers) == 0 && lm.tryGrantLocked(entry, txnID, resource, mode) {
			cleanup()
			shard.mu.Unlock()
			lm.finishGrant(txnID, resource, mode, time.Since(start))
			return nil
		}

		lm.graph.SetWaiting(txnID, blockers)
		if cycle := lm.graph.DetectFrom(txnID); cycle != nil {
			victim := youngest(cycle)
			lm.stats.RecordDeadlock()
			telemetry.DeadlocksDetected.Inc()
			deadlockErr := &Error{Kind: KindDeadlock, Cycle: cycle, Victim: victim}
			log.Warn().Uint64("victim", victim).Str("resource", resource).
				Msg("deadlock cycle broken")
			if victim == txnID {
				cleanup()
				shard.mu.Unlock()
				return deadlockErr
			}
			lm.graph.Doom(victim, deadlockErr)
			lm.broadcastAll()
		}

		if doomErr := lm.graph.TakeDoom(txnID); doomErr != nil {
			cleanup()
			shard.mu.Unlock()
			return doomErr
		}

		if err := ctx.Err(); err != nil {
			cleanup()
			shard.mu.Unlock()
			return &Error{Kind: KindLockTimeout, Txn: txnID, Resource: resource, RequestedMode: mode, Timeout: timeout, Cause: err}
		}

		if time.Now().After(deadline) {
			holder, heldMode := anyHolderLocked(entry, txnID)
			cleanup()
			shard.mu.Unlock()
			lm.stats.RecordTimeout()
			telemetry.LockTimeouts.Inc()

			if heldByUs, held := lm.heldMode(txnID, resource); held {
				// Upgrade blocked past the deadline by other holders.
				return &Error{Kind: KindLockUpgradeConflict, Txn: txnID, Resource: resource,
					RequestedMode: mode, HeldMode: heldByUs, HoldingTxn: holder}
			}
			return &Error{Kind: KindLockTimeout, Txn: txnID, Resource: resource,
				RequestedMode: mode, HeldMode: heldMode, HoldingTxn: holder, Timeout: timeout}
		}

		shard.cond.Wait()
	}
}

// TryAcquire attempts a non-blocking grant. Returns a LockConflict
// error naming the first incompatible holder when the grant fails.
func (lm *LockManager) TryAcquire(txnID uint64, resource string, mode LockMode) error {
	lm.stats.RecordRequest()

	shard := lm.shardFor(resource)
	shard.mu.Lock()

	entry := shard.locks[resource]
	if entry == nil {
		entry = &lockEntry{holders: map[uint64]LockMode{}}
		shard.locks[resource] = entry
	}

	if lm.tryGrantLocked(entry, txnID, resource, mode) {
		shard.mu.Unlock()
		lm.finishGrant(txnID, resource, mode, 0)
		return nil
	}

	holder, heldMode := anyHolderLocked(entry, txnID)
	lm.maybeDropEntry(shard, resource, entry)
	shard.mu.Unlock()

	lm.stats.RecordConflict()
	telemetry.LockConflicts.Inc()
	return &Error{Kind: KindLockConflict, Txn: txnID, Resource: resource,
		RequestedMode: mode, HoldingTxn: holder, HeldMode: heldMode}
}

// tryGrantLocked attempts the grant under the shard lock. Returns
// true on grant; false means the caller must wait.
func (lm *LockManager) tryGrantLocked(entry *lockEntry, txnID uint64, resource string, mode LockMode) bool {
	if held, ok := entry.holders[txnID]; ok {
		if held.Strength() >= mode.Strength() {
			return true
		}
		// Upgrade: allowed in place only when no other holder remains.
		if len(entry.holders) == 1 {
			entry.holders[txnID] = mode
			lm.updateIndex(txnID, resource, mode)
			return true
		}
		return false
	}

	for _, held := range entry.holders {
		if !held.Compatible(mode) {
			return false
		}
	}
	entry.holders[txnID] = mode
	return true
}

// blockersLocked lists the holders preventing the grant.
func (lm *LockManager) blockersLocked(entry *lockEntry, txnID uint64, mode LockMode) []uint64 {
	var blockers []uint64
	if _, ok := entry.holders[txnID]; ok {
		// Upgrade waits on every other holder.
		for id := range entry.holders {
			if id != txnID {
				blockers = append(blockers, id)
			}
		}
		return blockers
	}
	for id, held := range entry.holders {
		if id != txnID && !held.Compatible(mode) {
			blockers = append(blockers, id)
		}
	}
	return blockers
}

func anyHolderLocked(entry *lockEntry, txnID uint64) (uint64, LockMode) {
	for id, mode := range entry.holders {
		if id != txnID {
			return id, mode
		}
	}
	return 0, LockShared
}

// finishGrant updates the reverse index, statistics, and escalation
// bookkeeping after a successful grant.
func (lm *LockManager) finishGrant(txnID uint64, resource string, mode LockMode, waited time.Duration) {
	lm.updateIndex(txnID, resource, mode)
	lm.stats.RecordGrant(waited)
	telemetry.LockAcquired.With(mode.String()).Inc()
	telemetry.LocksHeld.Inc()
	if waited > 0 {
		telemetry.LockWaitDuration.With(mode.String()).Observe(waited.Seconds())
	}
	lm.maybeEscalate(txnID, resource)
}

func (lm *LockManager) updateIndex(txnID uint64, resource string, mode LockMode) {
	held, _ := lm.byTxn.LoadOrStore(txnID, xsync.NewMapOf[string, LockMode]())
	held.Store(resource, mode)
}

func (lm *LockManager) heldMode(txnID uint64, resource string) (LockMode, bool) {
	held, ok := lm.byTxn.Load(txnID)
	if !ok {
		return LockShared, false
	}
	return held.Load(resource)
}

// Release drops one lock held by txnID and wakes waiters on the shard.
func (lm *LockManager) Release(txnID uint64, resource string) {
	shard := lm.shardFor(resource)
	shard.mu.Lock()
	entry := shard.locks[resource]
	if entry != nil {
		if _, held := entry.holders[txnID]; held {
			delete(entry.holders, txnID)
			telemetry.LocksHeld.Dec()
		}
		lm.maybeDropEntry(shard, resource, entry)
	}
	shard.cond.Broadcast()
	shard.mu.Unlock()

	if held, ok := lm.byTxn.Load(txnID); ok {
		held.Delete(resource)
	}
	lm.escalation.forget(txnID, resource)
	lm.graph.ClearHolder(txnID)
}

// ReleaseAll drops every lock held by txnID. Safe to call for a
// transaction holding no locks.
func (lm *LockManager) ReleaseAll(txnID uint64) {
	held, ok := lm.byTxn.LoadAndDelete(txnID)
	if !ok {
		lm.graph.ClearHolder(txnID)
		return
	}

	var resources []string
	held.Range(func(resource string, _ LockMode) bool {
		resources = append(resources, resource)
		return true
	})

	for _, resource := range resources {
		shard := lm.shardFor(resource)
		shard.mu.Lock()
		if entry := shard.locks[resource]; entry != nil {
			if _, has := entry.holders[txnID]; has {
				delete(entry.holders, txnID)
				telemetry.LocksHeld.Dec()
			}
			lm.maybeDropEntry(shard, resource, entry)
		}
		shard.cond.Broadcast()
		shard.mu.Unlock()
	}

	lm.escalation.forgetTxn(txnID)
	lm.graph.ClearHolder(txnID)

	if len(resources) > 0 {
		log.Debug().Uint64("txn_id", txnID).Int("locks", len(resources)).Msg("released all locks")
	}
}

func (lm *LockManager) maybeDropEntry(shard *lockShard, resource string, entry *lockEntry) {
	if len(entry.holders) == 0 && entry.waiters == 0 {
		delete(shard.locks, resource)
	}
}

func (lm *LockManager) broadcastAll() {
	// sync.Cond permits Broadcast without holding L; waiters re-check
	// state under their own shard lock after waking.
	for _, shard := range lm.shards {
		shard.cond.Broadcast()
	}
}

// Holders returns the transactions currently holding resource.
func (lm *LockManager) Holders(resource string) []uint64 {
	shard := lm.shardFor(resource)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry := shard.locks[resource]
	if entry == nil {
		return nil
	}
	ids := make([]uint64, 0, len(entry.holders))
	for id := range entry.holders {
		ids = append(ids, id)
	}
	return ids
}

// IsLocked reports whether any transaction holds resource.
func (lm *LockManager) IsLocked(resource string) bool {
	shard := lm.shardFor(resource)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry := shard.locks[resource]
	return entry != nil && len(entry.holders) > 0
}

// LockCount returns the total number of granted locks.
func (lm *LockManager) LockCount() int {
	var n int
	for _, shard := range lm.shards {
		shard.mu.Lock()
		for _, entry := range shard.locks {
			n += len(entry.holders)
		}
		shard.mu.Unlock()
	}
	return n
}

// LockedResources returns the resources txnID currently holds.
func (lm *LockManager) LockedResources(txnID uint64) []string {
	held, ok := lm.byTxn.Load(txnID)
	if !ok {
		return nil
	}
	var resources []string
	held.Range(func(resource string, _ LockMode) bool {
		resources = append(resources, resource)
		return true
	})
	return resources
}

// CollectStats implements telemetry.StatsSource.
func (lm *LockManager) CollectStats() map[string]float64 {
	return map[string]float64{
		"locks_held": float64(lm.LockCount()),
	}
}

// tableOf splits a "table:row" resource. ok is false for table-level
// resources.
func tableOf(resource string) (string, bool) {
	i := strings.IndexByte(resource, ':')
	if i <= 0 {
		return "", false
	}
	return resource[:i], true
}
