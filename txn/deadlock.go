package txn

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quarrydb/quarry/telemetry"
)

// waitGraph is the wait-for graph: an edge W -> H means transaction W
// is blocked waiting for a lock transaction H holds. Cycle detection
// runs inline on each blocked acquire and periodically in the background.
type waitGraph struct {
	mu     sync.Mutex
	edges  map[uint64]map[uint64]struct{}
	doomed map[uint64]*Error
}

func newWaitGraph() *waitGraph {
	return &waitGraph{
		edges:  map[uint64]map[uint64]struct{}{},
		doomed: map[uint64]*Error{},
	}
}

// SetWaiting replaces the outgoing edges of waiter with the current
// blocker set.
func (g *waitGraph) SetWaiting(waiter uint64, blockers []uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(blockers) == 0 {
		delete(g.edges, waiter)
		return
	}
	set := make(map[uint64]struct{}, len(blockers))
	for _, b := range blockers {
		set[b] = struct{}{}
	}
	g.edges[waiter] = set
}

// ClearWaiter removes waiter's outgoing edges once it stops blocking.
func (g *waitGraph) ClearWaiter(waiter uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, waiter)
}

// ClearHolder removes every edge pointing at txnID after it releases
// its locks, and drops any stale doom marker.
func (g *waitGraph) ClearHolder(txnID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.edges, txnID)
	delete(g.doomed, txnID)
	for waiter, blockers := range g.edges {
		delete(blockers, txnID)
		if len(blockers) == 0 {
			delete(g.edges, waiter)
		}
	}
}

// Doom marks txnID as the chosen victim; its wait loop observes the
// marker and fails the pending acquire.
func (g *waitGraph) Doom(txnID uint64, err *Error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.doomed[txnID] = err
}

// TakeDoom consumes the doom marker for txnID, if any.
func (g *waitGraph) TakeDoom(txnID uint64) *Error {
	g.mu.Lock()
	defer g.mu.Unlock()

	err, ok := g.doomed[txnID]
	if !ok {
		return nil
	}
	delete(g.doomed, txnID)
	return err
}

// DetectFrom runs a DFS from start and returns the cycle containing
// start, or nil. The returned slice lists the cycle members in wait
// order, starting and ending implicitly at start.
func (g *waitGraph) DetectFrom(start uint64) []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.detectFromLocked(start)
}

func (g *waitGraph) detectFromLocked(start uint64) []uint64 {
	visited := map[uint64]bool{}
	var path []uint64

	var dfs func(node uint64) []uint64
	dfs = func(node uint64) []uint64 {
		if node == start && len(path) > 0 {
			cycle := make([]uint64, len(path))
			copy(cycle, path)
			return cycle
		}
		if visited[node] {
			return nil
		}
		visited[node] = true
		path = append(path, node)
		for next := range g.edges[node] {
			if cycle := dfs(next); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		return nil
	}

	return dfs(start)
}

// detectAny scans the whole graph for a cycle. Used by the
// background detector to catch cycles the inline checks raced past.
func (g *waitGraph) detectAny() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for waiter := range g.edges {
		if cycle := g.detectFromLocked(waiter); cycle != nil {
			return cycle
		}
	}
	return nil
}

// youngest picks the deadlock victim: the transaction with the highest
// id, which by monotonic allocation is the most recently started and
// cheapest to retry.
func youngest(cycle []uint64) uint64 {
	var max uint64
	for _, id := range cycle {
		if id > max {
			max = id
		}
	}
	return max
}

// StartDeadlockDetector launches the periodic whole-graph sweep.
func (lm *LockManager) StartDeadlockDetector(interval time.Duration) {
	lm.detectorMu.Lock()
	defer lm.detectorMu.Unlock()
	if lm.detectorOn {
		return
	}
	lm.detectorOn = true
	lm.detectorStop = make(chan struct{})
	lm.detectorWG.Add(1)
	go lm.detectLoop(interval)
}

// StopDeadlockDetector stops the background sweep and waits for it.
func (lm *LockManager) StopDeadlockDetector() {
	lm.detectorMu.Lock()
	if !lm.detectorOn {
		lm.detectorMu.Unlock()
		return
	}
	lm.detectorOn = false
	stop := lm.detectorStop
	lm.detectorMu.Unlock()

	close(stop)
	lm.detectorWG.Wait()
}

func (lm *LockManager) detectLoop(interval time.Duration) {
	defer lm.detectorWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if cycle := lm.graph.detectAny(); cycle != nil {
				victim := youngest(cycle)
				lm.stats.RecordDeadlock()
				telemetry.DeadlocksDetected.Inc()
				lm.graph.Doom(victim, &Error{Kind: KindDeadlock, Cycle: cycle, Victim: victim})
				lm.broadcastAll()
				log.Warn().Uint64("victim", victim).Ints64("cycle", toInt64s(cycle)).
					Msg("background deadlock sweep broke cycle")
			}
		case <-lm.detectorStop:
			return
		}
	}
}

func toInt64s(ids []uint64) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
