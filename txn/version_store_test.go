package txn

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore() *VersionStore {
	return NewVersionStore(time.Hour, 0)
}

func TestVersionVisibility(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	store.AddVersion("k", versionAt(1, 10, "v1"))
	store.AddVersion("k", versionAt(2, 20, "v2"))

	// Snapshot at the first write sees v1.
	v, ok := store.GetVersion("k", 3, timestampAt(10))
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v.Data)

	// Just before the second write still sees v1.
	v, ok = store.GetVersion("k", 3, timestampAt(19))
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v.Data)

	// At the second write sees v2.
	v, ok = store.GetVersion("k", 3, timestampAt(20))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v.Data)

	// Before any write sees nothing.
	_, ok = store.GetVersion("k", 3, timestampAt(9))
	require.False(t, ok)

	// Unwritten key sees nothing.
	_, ok = store.GetVersion("missing", 3, timestampAt(100))
	require.False(t, ok)
}

func TestVersionVisibilitySkipsOwnWrites(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	store.AddVersion("k", versionAt(1, 10, "committed"))
	store.AddVersion("k", versionAt(5, 20, "mine"))

	// The snapshot read path never returns the reader's own version.
	v, ok := store.GetVersion("k", 5, timestampAt(30))
	require.True(t, ok)
	require.Equal(t, []byte("committed"), v.Data)
}

func TestVersionVisibilitySkipsTombstones(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	store.AddVersion("k", versionAt(1, 10, "v1"))
	tomb := versionAt(2, 20, "")
	tomb.Deleted = true
	store.AddVersion("k", tomb)

	// The tombstone hides nothing from the scan; the older live
	// version is still returned.
	v, ok := store.GetVersion("k", 3, timestampAt(30))
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v.Data)
}

func TestReadYourOwnWrites(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	store.AddVersion("k", versionAt(1, 10, "old"))
	store.AddVersion("k", versionAt(5, 20, "mine"))
	store.AddVersion("k", versionAt(5, 25, "mine-newer"))

	v, ok := store.GetVersionByTxn("k", 5)
	require.True(t, ok)
	require.Equal(t, []byte("mine-newer"), v.Data)

	_, ok = store.GetVersionByTxn("k", 9)
	require.False(t, ok)
}

func TestInvalidateTxn(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	store.AddVersion("a", versionAt(1, 10, "keep"))
	store.AddVersion("a", versionAt(2, 20, "aborted"))
	store.AddVersion("b", versionAt(2, 21, "aborted"))

	store.InvalidateTxn(2)

	// Aborted versions vanish from both read paths.
	_, ok := store.GetVersionByTxn("a", 2)
	require.False(t, ok)
	_, ok = store.GetVersionByTxn("b", 2)
	require.False(t, ok)

	v, ok := store.GetVersion("a", 9, timestampAt(30))
	require.True(t, ok)
	require.Equal(t, []byte("keep"), v.Data)
	_, ok = store.GetVersion("b", 9, timestampAt(30))
	require.False(t, ok)
}

func TestForceCleanupRetainsNewest(t *testing.T) {
	t.Parallel()

	store := newTestStore()

	// Keys with a single version are retained unconditionally; keys
	// with history lose only the older versions below the watermark.
	for i := uint64(1); i <= 100; i++ {
		store.AddVersion(fmt.Sprintf("single-%d", i), versionAt(i, int64(i), "v"))
	}
	store.AddVersion("multi", versionAt(10, 200, "old"))
	store.AddVersion("multi", versionAt(20, 201, "mid"))
	store.AddVersion("multi", versionAt(30, 202, "new"))

	removed := store.ForceCleanup(50)

	// Only multi's two older versions are below the watermark and
	// not the newest of their key.
	require.Equal(t, 2, removed)

	for i := uint64(1); i <= 100; i++ {
		key := fmt.Sprintf("single-%d", i)
		require.Equal(t, 1, store.VersionCountForKey(key), key)
	}
	require.Equal(t, 1, store.VersionCountForKey("multi"))
	v, ok := store.GetVersion("multi", 99, timestampAt(300))
	require.True(t, ok)
	require.Equal(t, []byte("new"), v.Data)
}

func TestForceCleanupKeepsVersionsAboveWatermark(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	store.AddVersion("k", versionAt(60, 10, "a"))
	store.AddVersion("k", versionAt(70, 20, "b"))

	removed := store.ForceCleanup(50)
	require.Zero(t, removed)
	require.Equal(t, 2, store.VersionCountForKey("k"))
}

func TestCleanupRateLimit(t *testing.T) {
	t.Parallel()

	store := NewVersionStore(time.Hour, 0)
	store.AddVersion("k", versionAt(1, 10, "old"))
	store.AddVersion("k", versionAt(2, 20, "new"))

	require.Equal(t, 1, store.Cleanup(100))
	store.AddVersion("k", versionAt(3, 30, "newer"))

	// Second call inside the interval is a no-op.
	require.Zero(t, store.Cleanup(100))
	require.Equal(t, 2, store.VersionCountForKey("k"))

	// ForceCleanup bypasses the interval.
	require.Equal(t, 1, store.ForceCleanup(100))
}

func TestForceCleanupRetentionCap(t *testing.T) {
	t.Parallel()

	store := NewVersionStore(time.Hour, 3)
	for i := 0; i < 6; i++ {
		store.AddVersion("k", versionAt(uint64(10+i), int64(10*(i+1)), fmt.Sprintf("v%d", i)))
	}

	// Every owner sits at or above the watermark, so only the cap
	// trims the chain, oldest first.
	removed := store.ForceCleanup(5)
	require.Equal(t, 3, removed)
	require.Equal(t, 3, store.VersionCountForKey("k"))

	v, ok := store.NewestVersion("k")
	require.True(t, ok)
	require.Equal(t, []byte("v5"), v.Data)
}

func TestNewestVersion(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	_, ok := store.NewestVersion("k")
	require.False(t, ok)

	store.AddVersion("k", versionAt(1, 10, "v1"))
	store.AddVersion("k", versionAt(2, 20, "v2"))
	v, ok := store.NewestVersion("k")
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v.Data)

	store.InvalidateTxn(2)
	v, ok = store.NewestVersion("k")
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v.Data)
}

func TestRemoveKeyAndClear(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	store.AddVersion("a", versionAt(1, 10, "v"))
	store.AddVersion("b", versionAt(2, 20, "v"))
	require.Equal(t, 2, store.Len())

	store.RemoveKey("a")
	require.Equal(t, 1, store.Len())
	_, ok := store.GetVersion("a", 9, timestampAt(100))
	require.False(t, ok)

	store.Clear()
	require.Zero(t, store.Len())
	require.Zero(t, store.VersionCount())
}
