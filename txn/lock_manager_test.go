package txn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLockManager() *LockManager {
	return NewLockManager(16, time.Second, 0)
}

func TestSharedLocksCoexist(t *testing.T) {
	t.Parallel()

	lm := newTestLockManager()
	ctx := context.Background()

	require.NoError(t, lm.Acquire(ctx, 1, "r", LockShared, 0))
	require.NoError(t, lm.Acquire(ctx, 2, "r", LockShared, 0))
	require.NoError(t, lm.Acquire(ctx, 3, "r", LockShared, 0))
	require.ElementsMatch(t, []uint64{1, 2, 3}, lm.Holders("r"))
}

func TestReacquireIsNoop(t *testing.T) {
	t.Parallel()

	lm := newTestLockManager()
	ctx := context.Background()

	require.NoError(t, lm.Acquire(ctx, 1, "r", LockExclusive, 0))
	require.NoError(t, lm.Acquire(ctx, 1, "r", LockExclusive, 0))
	require.NoError(t, lm.Acquire(ctx, 1, "r", LockShared, 0))
	require.Equal(t, []uint64{1}, lm.Holders("r"))
}

func TestTryAcquireConflict(t *testing.T) {
	t.Parallel()

	lm := newTestLockManager()
	require.NoError(t, lm.TryAcquire(1, "r", LockExclusive))

	err := lm.TryAcquire(2, "r", LockShared)
	require.Error(t, err)

	var te *Error
	require.ErrorAs(t, err, &te)
	require.Equal(t, KindLockConflict, te.Kind)
	require.Equal(t, uint64(2), te.Txn)
	require.Equal(t, uint64(1), te.HoldingTxn)
	require.Equal(t, LockExclusive, te.HeldMode)
	require.True(t, te.Retriable())
	require.True(t, te.IsLockError())
}

func TestAcquireTimeout(t *testing.T) {
	t.Parallel()

	lm := newTestLockManager()
	ctx := context.Background()

	require.NoError(t, lm.Acquire(ctx, 1, "r", LockExclusive, 0))

	start := time.Now()
	err := lm.Acquire(ctx, 2, "r", LockShared, 50*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, KindLockTimeout, KindOf(err))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquireContextCancel(t *testing.T) {
	t.Parallel()

	lm := newTestLockManager()
	require.NoError(t, lm.Acquire(context.Background(), 1, "r", LockExclusive, 0))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := lm.Acquire(ctx, 2, "r", LockShared, 5*time.Second)
	require.Error(t, err)
	require.Equal(t, KindLockTimeout, KindOf(err))
}

func TestReleaseUnblocksWaiter(t *testing.T) {
	t.Parallel()

	lm := newTestLockManager()
	ctx := context.Background()
	require.NoError(t, lm.Acquire(ctx, 1, "r", LockExclusive, 0))

	done := make(chan error, 1)
	go func() {
		done <- lm.Acquire(ctx, 2, "r", LockExclusive, 5*time.Second)
	}()

	time.Sleep(30 * time.Millisecond)
	lm.Release(1, "r")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never granted after release")
	}
	require.Equal(t, []uint64{2}, lm.Holders("r"))
}

func TestUpgradeSoleHolder(t *testing.T) {
	t.Parallel()

	lm := newTestLockManager()
	ctx := context.Background()

	require.NoError(t, lm.Acquire(ctx, 1, "r", LockShared, 0))
	require.NoError(t, lm.Acquire(ctx, 1, "r", LockExclusive, 0))
	require.Equal(t, []uint64{1}, lm.Holders("r"))

	// The upgraded lock now rejects sharers.
	err := lm.TryAcquire(2, "r", LockShared)
	require.Equal(t, KindLockConflict, KindOf(err))
}

func TestUpgradeBlockedByOtherHolder(t *testing.T) {
	t.Parallel()

	lm := newTestLockManager()
	ctx := context.Background()

	require.NoError(t, lm.Acquire(ctx, 1, "r", LockShared, 0))
	require.NoError(t, lm.Acquire(ctx, 2, "r", LockShared, 0))

	err := lm.Acquire(ctx, 1, "r", LockExclusive, 50*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, KindLockUpgradeConflict, KindOf(err))
	require.True(t, err.(*Error).Retriable())

	// The original shared lock is still held.
	require.ElementsMatch(t, []uint64{1, 2}, lm.Holders("r"))
}

func TestUpgradeSucceedsAfterOtherReleases(t *testing.T) {
	t.Parallel()

	lm := newTestLockManager()
	ctx := context.Background()

	require.NoError(t, lm.Acquire(ctx, 1, "r", LockShared, 0))
	require.NoError(t, lm.Acquire(ctx, 2, "r", LockShared, 0))

	done := make(chan error, 1)
	go func() {
		done <- lm.Acquire(ctx, 1, "r", LockExclusive, 5*time.Second)
	}()

	time.Sleep(30 * time.Millisecond)
	lm.Release(2, "r")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade never granted")
	}
	require.Equal(t, []uint64{1}, lm.Holders("r"))
}

func TestReleaseAll(t *testing.T) {
	t.Parallel()

	lm := newTestLockManager()
	ctx := context.Background()

	require.NoError(t, lm.Acquire(ctx, 1, "a", LockExclusive, 0))
	require.NoError(t, lm.Acquire(ctx, 1, "b", LockShared, 0))
	require.NoError(t, lm.Acquire(ctx, 1, "c", LockShared, 0))
	require.Equal(t, 3, lm.LockCount())
	require.ElementsMatch(t, []string{"a", "b", "c"}, lm.LockedResources(1))

	lm.ReleaseAll(1)
	require.Zero(t, lm.LockCount())
	require.Empty(t, lm.LockedResources(1))
	require.False(t, lm.IsLocked("a"))

	// Idempotent for transactions holding nothing.
	lm.ReleaseAll(1)
	lm.ReleaseAll(99)
}

func TestDeadlockDetection(t *testing.T) {
	t.Parallel()

	lm := newTestLockManager()
	ctx := context.Background()

	require.NoError(t, lm.Acquire(ctx, 1, "a", LockExclusive, 0))
	require.NoError(t, lm.Acquire(ctx, 2, "b", LockExclusive, 0))

	older := make(chan error, 1)
	go func() {
		older <- lm.Acquire(ctx, 1, "b", LockExclusive, 10*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)

	// Txn 2 closes the cycle; as the youngest it becomes the victim.
	err := lm.Acquire(ctx, 2, "a", LockExclusive, 10*time.Second)
	require.Error(t, err)

	var te *Error
	require.ErrorAs(t, err, &te)
	require.True(t, te.IsDeadlock())
	require.Equal(t, uint64(2), te.Victim)
	require.Equal(t, uint64(2), te.TransactionID())
	require.ElementsMatch(t, []uint64{1, 2}, te.Cycle)

	// The victim aborts; the survivor gets its lock.
	lm.ReleaseAll(2)
	select {
	case err := <-older:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("survivor never granted after victim release")
	}
}

func TestBackgroundDeadlockDetector(t *testing.T) {
	t.Parallel()

	lm := newTestLockManager()
	lm.StartDeadlockDetector(10 * time.Millisecond)
	defer lm.StopDeadlockDetector()

	ctx := context.Background()
	require.NoError(t, lm.Acquire(ctx, 1, "a", LockExclusive, 0))
	require.NoError(t, lm.Acquire(ctx, 2, "b", LockExclusive, 0))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = lm.Acquire(ctx, 1, "b", LockExclusive, 5*time.Second)
	}()
	go func() {
		defer wg.Done()
		errs[1] = lm.Acquire(ctx, 2, "a", LockExclusive, 5*time.Second)
	}()

	// Txn 2 is the youngest member of the cycle and must lose; once it
	// releases, txn 1 completes.
	time.Sleep(200 * time.Millisecond)
	lm.ReleaseAll(2)
	wg.Wait()

	require.NoError(t, errs[0])
	require.Error(t, errs[1])
	require.Equal(t, KindDeadlock, KindOf(errs[1]))
}

func TestLockEscalation(t *testing.T) {
	t.Parallel()

	lm := NewLockManager(16, time.Second, 3)
	ctx := context.Background()

	require.NoError(t, lm.Acquire(ctx, 1, "users:r1", LockExclusive, 0))
	require.NoError(t, lm.Acquire(ctx, 1, "users:r2", LockExclusive, 0))
	require.False(t, lm.IsLocked("users"))

	// Third row lock crosses the threshold and swaps to a table lock.
	require.NoError(t, lm.Acquire(ctx, 1, "users:r3", LockExclusive, 0))

	require.True(t, lm.IsLocked("users"))
	require.Equal(t, []uint64{1}, lm.Holders("users"))
	require.False(t, lm.IsLocked("users:r1"))
	require.False(t, lm.IsLocked("users:r2"))
	require.False(t, lm.IsLocked("users:r3"))

	sum := lm.Stats().LockSummary()
	require.Equal(t, uint64(1), sum.TotalEscalations)
	require.Equal(t, uint64(3), sum.EscalatedRows)

	// Escalation must not lose coverage: another writer still blocks
	// on the table lock.
	err := lm.TryAcquire(2, "users", LockIntentExclusive)
	require.Equal(t, KindLockConflict, KindOf(err))
}

func TestEscalationSkippedWhenTableContended(t *testing.T) {
	t.Parallel()

	lm := NewLockManager(16, time.Second, 2)
	ctx := context.Background()

	// Another transaction holds the table; escalation cannot proceed
	// and the row locks stay.
	require.NoError(t, lm.Acquire(ctx, 2, "users", LockShared, 0))

	require.NoError(t, lm.Acquire(ctx, 1, "users:r1", LockExclusive, 0))
	require.NoError(t, lm.Acquire(ctx, 1, "users:r2", LockExclusive, 0))

	require.True(t, lm.IsLocked("users:r1"))
	require.True(t, lm.IsLocked("users:r2"))
	require.Zero(t, lm.Stats().LockSummary().TotalEscalations)
}
