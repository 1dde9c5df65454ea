package hlc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClock_NowStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	clock := NewClock(1)
	prev := clock.Now()
	for i := 0; i < 10_000; i++ {
		ts := clock.Now()
		require.True(t, Less(prev, ts), "timestamps must be strictly increasing")
		prev = ts
	}
}

func TestClock_NowStrictlyIncreasingConcurrent(t *testing.T) {
	t.Parallel()

	clock := NewClock(1)
	const goroutines = 8
	const perGoroutine = 2000

	results := make([][]Timestamp, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			out := make([]Timestamp, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				out = append(out, clock.Now())
			}
			results[g] = out
		}(g)
	}
	wg.Wait()

	seen := make(map[Timestamp]bool, goroutines*perGoroutine)
	for _, out := range results {
		for _, ts := range out {
			require.False(t, seen[ts], "duplicate timestamp %v", ts)
			seen[ts] = true
		}
	}
}

func TestClock_UpdateAdvancesPastRemote(t *testing.T) {
	t.Parallel()

	clock := NewClock(1)
	local := clock.Now()

	remote := Timestamp{WallTime: local.WallTime + 1_000_000_000, Logical: 5, NodeID: 2}
	updated := clock.Update(remote)
	require.True(t, After(updated, remote))
	require.True(t, After(clock.Now(), updated))
}

func TestCompare(t *testing.T) {
	t.Parallel()

	a := Timestamp{WallTime: 100, Logical: 0, NodeID: 1}
	b := Timestamp{WallTime: 100, Logical: 1, NodeID: 1}
	c := Timestamp{WallTime: 200, Logical: 0, NodeID: 1}
	d := Timestamp{WallTime: 100, Logical: 0, NodeID: 2}

	require.Equal(t, -1, Compare(a, b))
	require.Equal(t, 1, Compare(c, b))
	require.Equal(t, 0, Compare(a, a))
	require.Equal(t, -1, Compare(a, d))

	require.True(t, Less(a, b))
	require.True(t, LessEq(a, a))
	require.True(t, Equal(b, b))
	require.True(t, After(c, a))
	require.True(t, Less(Zero, a))
}
