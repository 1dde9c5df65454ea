package txn

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/hlc"
)

func newTestManager() *Manager {
	clock := hlc.NewClock(1)
	locks := newTestLockManager()
	store := newTestStore()
	return NewManager(clock, locks, store, nil)
}

func TestBeginAssignsIncreasingIDs(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	first := m.Begin(ReadCommitted)
	second := m.Begin(ReadCommitted)
	third := m.BeginReadOnly(RepeatableRead)

	require.Equal(t, first+1, second)
	require.Equal(t, second+1, third)
	require.Equal(t, 3, m.ActiveCount())
}

func TestBeginConcurrentIDsUnique(t *testing.T) {
	t.Parallel()

	m := newTestManager()

	const goroutines = 8
	const perGoroutine = 500

	var wg sync.WaitGroup
	results := make([][]uint64, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			ids := make([]uint64, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				ids = append(ids, m.Begin(ReadCommitted))
			}
			results[g] = ids
		}(g)
	}
	wg.Wait()

	seen := map[uint64]struct{}{}
	for _, ids := range results {
		prev := uint64(0)
		for _, id := range ids {
			_, dup := seen[id]
			require.False(t, dup, "duplicate id %d", id)
			seen[id] = struct{}{}
			// Within one goroutine the sequence must be increasing.
			require.Greater(t, id, prev)
			prev = id
		}
	}
	require.Len(t, seen, goroutines*perGoroutine)
}

func TestCommitEvictsFromRegistry(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	id1 := m.Begin(ReadCommitted)
	id2 := m.Begin(ReadCommitted)
	require.Equal(t, id1+1, id2)

	require.NoError(t, m.Commit(id1))

	// The terminal transition evicts, so the second commit reports
	// the id as unknown rather than already committed.
	err := m.Commit(id1)
	require.Error(t, err)
	require.Equal(t, KindTransactionNotFound, KindOf(err))

	_, ok := m.GetState(id1)
	require.False(t, ok)
	require.True(t, m.IsActive(id2))
}

func TestAbortEvictsAndInvalidates(t *testing.T) {
	t.Parallel()

	clock := hlc.NewClock(1)
	locks := newTestLockManager()
	store := newTestStore()
	m := NewManager(clock, locks, store, nil)

	id := m.Begin(ReadCommitted)
	store.AddVersion("k", &Version{TxnID: id, Timestamp: clock.Now(), Data: []byte("uncommitted")})
	require.NoError(t, m.RecordWrite(id, "k", 11))

	require.NoError(t, m.Abort(id))

	_, ok := store.GetVersionByTxn("k", id)
	require.False(t, ok, "aborted writes must not be readable")

	err := m.Abort(id)
	require.Equal(t, KindTransactionNotFound, KindOf(err))
}

func TestCommitReleasesLocks(t *testing.T) {
	t.Parallel()

	clock := hlc.NewClock(1)
	locks := newTestLockManager()
	m := NewManager(clock, locks, newTestStore(), nil)

	id := m.Begin(ReadCommitted)
	require.NoError(t, locks.TryAcquire(id, "a", LockExclusive))
	require.NoError(t, locks.TryAcquire(id, "b", LockShared))
	require.Equal(t, 2, locks.LockCount())

	require.NoError(t, m.Commit(id))
	require.Zero(t, locks.LockCount())
}

func TestRecordReadWriteSets(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	id := m.Begin(ReadCommitted)

	require.NoError(t, m.RecordRead(id, "a"))
	require.NoError(t, m.RecordRead(id, "a"))
	require.NoError(t, m.RecordWrite(id, "b", 0))

	require.Equal(t, []string{"a"}, m.ReadSet(id))
	require.Equal(t, []string{"b"}, m.WriteSet(id))

	require.NoError(t, m.Abort(id))
	require.Empty(t, m.ReadSet(id))
	require.Empty(t, m.WriteSet(id))
}

func TestRecordOnUnknownTxnIsNoop(t *testing.T) {
	t.Parallel()

	m := newTestManager()

	// Late bookkeeping after a concurrent abort must not fail.
	require.NoError(t, m.RecordRead(999, "a"))
	require.NoError(t, m.RecordWrite(999, "b", 0))
}

func TestRecordWriteMemoryLimit(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	m.memoryLimit = 16
	id := m.Begin(ReadCommitted)

	require.NoError(t, m.RecordWrite(id, "a", 10))

	err := m.RecordWrite(id, "b", 10)
	require.Equal(t, KindMemoryLimitExceeded, KindOf(err))
	require.Equal(t, []string{"a"}, m.WriteSet(id))

	// A rollback to a savepoint frees the charged bytes again.
	require.NoError(t, m.CreateSavepoint(id, "sp1"))
	require.NoError(t, m.RecordWrite(id, "c", 6))
	require.NoError(t, m.RollbackToSavepoint(id, "sp1"))
	require.NoError(t, m.RecordWrite(id, "d", 6))
}

func TestCommitPrunesVersionIndex(t *testing.T) {
	t.Parallel()

	clock := hlc.NewClock(1)
	locks := newTestLockManager()
	store := newTestStore()
	m := NewManager(clock, locks, store, nil)

	id := m.Begin(ReadCommitted)
	store.AddVersion("k", &Version{TxnID: id, Timestamp: clock.Now(), Data: []byte("v")})
	require.NoError(t, m.RecordWrite(id, "k", 1))

	_, tracked := store.byTxn.Load(id)
	require.True(t, tracked)

	require.NoError(t, m.Commit(id))

	// The committed version stays readable; only the abort index entry
	// is released.
	_, ok := store.GetVersion("k", 99, clock.Now())
	require.True(t, ok)
	_, tracked = store.byTxn.Load(id)
	require.False(t, tracked)
}

func TestReadOnlyViolation(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	id := m.BeginReadOnly(ReadCommitted)

	require.NoError(t, m.RecordRead(id, "a"))

	err := m.RecordWrite(id, "b", 0)
	require.Error(t, err)
	require.Equal(t, KindReadOnlyViolation, KindOf(err))
	require.False(t, err.(*Error).Retriable())
	require.Empty(t, m.WriteSet(id))
}

func TestMinActiveTxn(t *testing.T) {
	t.Parallel()

	m := newTestManager()

	_, ok := m.MinActiveTxn()
	require.False(t, ok)

	id1 := m.Begin(ReadCommitted)
	id2 := m.Begin(ReadCommitted)
	id3 := m.Begin(ReadCommitted)

	min, ok := m.MinActiveTxn()
	require.True(t, ok)
	require.Equal(t, id1, min)

	require.NoError(t, m.Commit(id1))
	min, ok = m.MinActiveTxn()
	require.True(t, ok)
	require.Equal(t, id2, min)

	require.NoError(t, m.Commit(id2))
	require.NoError(t, m.Commit(id3))
	_, ok = m.MinActiveTxn()
	require.False(t, ok)

	// With nothing active the watermark moves past every allocated id.
	require.Greater(t, m.Watermark(), id3)
}

func TestConcurrentCommitAbortRace(t *testing.T) {
	t.Parallel()

	m := newTestManager()

	for i := 0; i < 50; i++ {
		id := m.Begin(ReadCommitted)

		var commitErr, abortErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			commitErr = m.Commit(id)
		}()
		go func() {
			defer wg.Done()
			abortErr = m.Abort(id)
		}()
		wg.Wait()

		// Exactly one side wins; the loser observes the in-flight
		// terminal state or the post-eviction absence.
		if commitErr == nil {
			require.Error(t, abortErr)
			require.Contains(t, []Kind{KindAlreadyCommitted, KindTransactionNotFound}, KindOf(abortErr))
		} else {
			require.NoError(t, abortErr)
			require.Contains(t, []Kind{KindAlreadyAborted, KindTransactionNotFound}, KindOf(commitErr))
		}
	}
}

func TestSavepoints(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	id := m.Begin(ReadCommitted)

	require.NoError(t, m.RecordRead(id, "a"))
	require.NoError(t, m.CreateSavepoint(id, "sp1"))
	require.NoError(t, m.RecordRead(id, "b"))
	require.NoError(t, m.RecordWrite(id, "c", 0))

	require.NoError(t, m.RollbackToSavepoint(id, "sp1"))
	require.Equal(t, []string{"a"}, m.ReadSet(id))
	require.Empty(t, m.WriteSet(id))

	// The rolled-back keys can be re-recorded.
	require.NoError(t, m.RecordRead(id, "b"))
	require.Equal(t, []string{"a", "b"}, m.ReadSet(id))

	err := m.RollbackToSavepoint(id, "nope")
	require.Equal(t, KindSavepointNotFound, KindOf(err))
}

func TestPrepare(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	id := m.Begin(Serializable)

	require.NoError(t, m.Prepare(id))
	state, ok := m.GetState(id)
	require.True(t, ok)
	require.Equal(t, StatePrepared, state)

	// Prepared transactions still commit and abort normally.
	require.NoError(t, m.Commit(id))

	id2 := m.Begin(Serializable)
	require.NoError(t, m.Prepare(id2))
	require.NoError(t, m.Abort(id2))

	// Double prepare is an invalid transition.
	id3 := m.Begin(Serializable)
	require.NoError(t, m.Prepare(id3))
	err := m.Prepare(id3)
	require.Equal(t, KindInvalidStateTransition, KindOf(err))
}

func TestStatisticsSummary(t *testing.T) {
	t.Parallel()

	m := newTestManager()

	const commits = 7
	const aborts = 3
	for i := 0; i < commits; i++ {
		require.NoError(t, m.Commit(m.Begin(ReadCommitted)))
	}
	for i := 0; i < aborts; i++ {
		require.NoError(t, m.Abort(m.Begin(ReadCommitted)))
	}

	sum := m.Stats().TransactionSummary()
	require.Equal(t, uint64(commits+aborts), sum.TotalBegun)
	require.Equal(t, uint64(commits), sum.TotalCommits)
	require.Equal(t, uint64(aborts), sum.TotalAborts)
	require.Equal(t, int64(0), sum.ActiveTransactions)
	require.InDelta(t, float64(aborts)/float64(commits+aborts), sum.AbortRate, 1e-9)

	flat := m.Stats().Summary()
	require.Equal(t, float64(commits), flat["total_commits"])
	require.Equal(t, "transaction_manager", m.Stats().ComponentName())

	m.Stats().Reset()
	require.Zero(t, m.Stats().TransactionSummary().TotalCommits)
}

func TestSweeperAbortsStaleTransactions(t *testing.T) {
	t.Parallel()

	clock := hlc.NewClock(1)
	locks := newTestLockManager()
	store := newTestStore()
	m := NewManager(clock, locks, store, nil)
	m.defaultTimeout = 50 * time.Millisecond
	m.sweepInterval = 20 * time.Millisecond

	id := m.Begin(ReadCommitted)

	m.StartSweeper()
	defer m.StopSweeper()

	require.Eventually(t, func() bool {
		_, ok := m.GetState(id)
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "stale transaction never swept")

	require.Equal(t, uint64(1), m.Stats().TransactionSummary().TotalTimeouts)
}
