package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/quarrydb/quarry/hlc"
	"github.com/quarrydb/quarry/telemetry"
)

// versionChain holds the append-only history for one key, oldest
// first. Each chain has its own lock so per-key contention never
// blocks the whole store.
type versionChain struct {
	mu       sync.RWMutex
	versions []*Version
}

// VersionStore is the multi-version map: key -> ordered version
// history. Appends are O(1); visibility queries scan newest to oldest.
type VersionStore struct {
	chains *xsync.MapOf[string, *versionChain]

	// byTxn: reverse index txnID -> set of keys the transaction wrote,
	// used to invalidate a transaction's versions on abort.
	byTxn *xsync.MapOf[uint64, *xsync.MapOf[string, struct{}]]

	versionCount atomic.Int64

	cleanupInterval time.Duration
	retain          int
	lastCleanup     atomic.Int64
}

// NewVersionStore creates a store whose Cleanup runs at most once per
// interval. retain soft-caps the versions kept per key during cleanup;
// zero means uncapped.
func NewVersionStore(cleanupInterval time.Duration, retain int) *VersionStore {
	return &VersionStore{
		chains:          xsync.NewMapOf[string, *versionChain](),
		byTxn:           xsync.NewMapOf[uint64, *xsync.MapOf[string, struct{}]](),
		cleanupInterval: cleanupInterval,
		retain:          retain,
	}
}

// AddVersion appends a version to the key's history.
func (s *VersionStore) AddVersion(key string, v *Version) {
	chain, _ := s.chains.LoadOrStore(key, &versionChain{})

	chain.mu.Lock()
	chain.versions = append(chain.versions, v)
	chain.mu.Unlock()

	keys, _ := s.byTxn.LoadOrStore(v.TxnID, xsync.NewMapOf[string, struct{}]())
	keys.Store(key, struct{}{})

	s.versionCount.Add(1)
	telemetry.VersionsStored.Inc()
}

// GetVersion returns the newest version of key visible at the given
// snapshot: timestamp at or before snapshot, not owned by the reading
// transaction, not a tombstone, not invalidated by an abort. Returns
// false when no such version exists.
func (s *VersionStore) GetVersion(key string, txnID uint64, snapshot hlc.Timestamp) (*Version, bool) {
	chain, ok := s.chains.Load(key)
	if !ok {
		return nil, false
	}

	chain.mu.RLock()
	defer chain.mu.RUnlock()

	for i := len(chain.versions) - 1; i >= 0; i-- {
		v := chain.versions[i]
		if v.Invalidated || v.Deleted || v.TxnID == txnID {
			continue
		}
		if hlc.LessEq(v.Timestamp, snapshot) {
			return v, true
		}
	}
	return nil, false
}

// GetVersionByTxn returns the newest version of key written by txnID
// regardless of snapshot time, tombstones included; callers check the
// Deleted flag. Consulted before GetVersion so a transaction reads its
// own uncommitted writes. Invalidated versions are never returned, so
// an aborted transaction's writes vanish even from its own view.
func (s *VersionStore) GetVersionByTxn(key string, txnID uint64) (*Version, bool) {
	chain, ok := s.chains.Load(key)
	if !ok {
		return nil, false
	}

	chain.mu.RLock()
	defer chain.mu.RUnlock()

	for i := len(chain.versions) - 1; i >= 0; i-- {
		v := chain.versions[i]
		if v.TxnID == txnID && !v.Invalidated {
			return v, true
		}
	}
	return nil, false
}

// InvalidateTxn marks every version written by txnID invisible. Called
// at abort so the aborted writes can never surface again, including
// through GetVersionByTxn.
func (s *VersionStore) InvalidateTxn(txnID uint64) {
	keys, ok := s.byTxn.Load(txnID)
	if !ok {
		return
	}

	var invalidated int
	keys.Range(func(key string, _ struct{}) bool {
		chain, ok := s.chains.Load(key)
		if !ok {
			return true
		}
		chain.mu.Lock()
		for _, v := range chain.versions {
			if v.TxnID == txnID && !v.Invalidated {
				v.Invalidated = true
				invalidated++
			}
		}
		chain.mu.Unlock()
		return true
	})

	s.byTxn.Delete(txnID)

	if invalidated > 0 {
		log.Debug().Uint64("txn_id", txnID).Int("versions", invalidated).
			Msg("invalidated versions for aborted transaction")
	}
}

// ForgetTxn drops the reverse-index entry for txnID. Called at commit:
// committed versions can never be invalidated, so tracking their keys
// would only leak memory.
func (s *VersionStore) ForgetTxn(txnID uint64) {
	s.byTxn.Delete(txnID)
}

// Cleanup garbage-collects versions owned by transactions below
// minActive, rate-limited to once per the configured interval. The
// newest version of each key is always retained so readers with
// snapshots older than every active transaction keep visibility.
func (s *VersionStore) Cleanup(minActive uint64) int {
	now := time.Now().UnixNano()
	last := s.lastCleanup.Load()
	if now-last < s.cleanupInterval.Nanoseconds() {
		return 0
	}
	if !s.lastCleanup.CompareAndSwap(last, now) {
		return 0
	}
	return s.ForceCleanup(minActive)
}

// ForceCleanup runs a collection pass immediately, bypassing the
// rate limit.
func (s *VersionStore) ForceCleanup(minActive uint64) int {
	var removed int

	s.chains.Range(func(key string, chain *versionChain) bool {
		chain.mu.Lock()
		n := len(chain.versions)
		if n > 1 {
			// The last element is the newest and is never removed.
			kept := chain.versions[:0]
			for i, v := range chain.versions {
				if i < n-1 && v.TxnID < minActive {
					removed++
					continue
				}
				kept = append(kept, v)
			}
			// Soft cap: keep only the newest retain versions per key,
			// dropping the oldest survivors first. Readers with very
			// old snapshots may lose mid-history versions; that is the
			// bounded-staleness tradeoff the cap buys.
			if s.retain > 0 && len(kept) > s.retain {
				removed += len(kept) - s.retain
				kept = kept[len(kept)-s.retain:]
			}
			chain.versions = kept
		}
		chain.mu.Unlock()
		return true
	})

	if removed > 0 {
		s.versionCount.Add(int64(-removed))
		telemetry.VersionsStored.Sub(float64(removed))
		log.Debug().Uint64("watermark", minActive).Int("removed", removed).
			Msg("version store cleanup")
	}
	telemetry.GCRuns.Inc()
	telemetry.GCVersionsRemoved.Add(float64(removed))
	return removed
}

// RemoveKey drops a key and its whole history. Administrative; not on
// the hot path.
func (s *VersionStore) RemoveKey(key string) {
	chain, ok := s.chains.LoadAndDelete(key)
	if !ok {
		return
	}
	chain.mu.Lock()
	n := len(chain.versions)
	chain.versions = nil
	chain.mu.Unlock()
	s.versionCount.Add(int64(-n))
	telemetry.VersionsStored.Sub(float64(n))
}

// Clear drops everything.
func (s *VersionStore) Clear() {
	s.chains = xsync.NewMapOf[string, *versionChain]()
	s.byTxn = xsync.NewMapOf[uint64, *xsync.MapOf[string, struct{}]]()
	s.versionCount.Store(0)
	telemetry.VersionsStored.Set(0)
}

// Len returns the number of keys with at least one version.
func (s *VersionStore) Len() int {
	return s.chains.Size()
}

// VersionCount returns the total number of stored versions.
func (s *VersionStore) VersionCount() int {
	return int(s.versionCount.Load())
}

// VersionCountForKey returns the history length for one key.
func (s *VersionStore) VersionCountForKey(key string) int {
	chain, ok := s.chains.Load(key)
	if !ok {
		return 0
	}
	chain.mu.RLock()
	defer chain.mu.RUnlock()
	return len(chain.versions)
}

// NewestVersion returns the newest non-invalidated version of key
// regardless of snapshot, tombstones included. Used by optimistic
// validation to see whether a key moved after it was read.
func (s *VersionStore) NewestVersion(key string) (*Version, bool) {
	chain, ok := s.chains.Load(key)
	if !ok {
		return nil, false
	}
	chain.mu.RLock()
	defer chain.mu.RUnlock()
	for i := len(chain.versions) - 1; i >= 0; i-- {
		if !chain.versions[i].Invalidated {
			return chain.versions[i], true
		}
	}
	return nil, false
}

// Snapshot copies the full key -> history map, used by checkpointing.
// Versions are shared pointers; callers must not mutate them.
func (s *VersionStore) Snapshot() map[string][]*Version {
	out := make(map[string][]*Version, s.Len())
	s.chains.Range(func(key string, chain *versionChain) bool {
		chain.mu.RLock()
		if len(chain.versions) > 0 {
			out[key] = append([]*Version(nil), chain.versions...)
		}
		chain.mu.RUnlock()
		return true
	})
	return out
}

// CollectStats implements telemetry.StatsSource.
func (s *VersionStore) CollectStats() map[string]float64 {
	return map[string]float64{
		"mvcc_keys":     float64(s.Len()),
		"mvcc_versions": float64(s.VersionCount()),
	}
}
