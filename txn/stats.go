package txn

import (
	"sync/atomic"
	"time"
)

// ComponentStats is the uniform observability contract. Summaries are
// observational only and never on the correctness path.
type ComponentStats interface {
	ComponentName() string
	Summary() map[string]float64
	Reset()
}

// TransactionStatistics counts lifecycle outcomes for one Manager.
type TransactionStatistics struct {
	begun     atomic.Uint64
	commits   atomic.Uint64
	aborts    atomic.Uint64
	timeouts  atomic.Uint64
	active    atomic.Int64
	commitNs  atomic.Int64
	commitCnt atomic.Uint64
}

func NewTransactionStatistics() *TransactionStatistics {
	return &TransactionStatistics{}
}

func (s *TransactionStatistics) RecordBegin() {
	s.begun.Add(1)
	s.active.Add(1)
}

func (s *TransactionStatistics) RecordCommit(latency time.Duration) {
	s.commits.Add(1)
	s.active.Add(-1)
	s.commitNs.Add(latency.Nanoseconds())
	s.commitCnt.Add(1)
}

func (s *TransactionStatistics) RecordAbort() {
	s.aborts.Add(1)
	s.active.Add(-1)
}

func (s *TransactionStatistics) RecordTimeout() {
	s.timeouts.Add(1)
}

// TransactionSummary is the typed snapshot of the counters.
type TransactionSummary struct {
	TotalBegun         uint64
	TotalCommits       uint64
	TotalAborts        uint64
	TotalTimeouts      uint64
	ActiveTransactions int64
	AbortRate          float64
	AvgCommitLatency   time.Duration
}

func (s *TransactionStatistics) TransactionSummary() TransactionSummary {
	commits := s.commits.Load()
	aborts := s.aborts.Load()

	var abortRate float64
	if total := commits + aborts; total > 0 {
		abortRate = float64(aborts) / float64(total)
	}

	var avgCommit time.Duration
	if cnt := s.commitCnt.Load(); cnt > 0 {
		avgCommit = time.Duration(s.commitNs.Load() / int64(cnt))
	}

	return TransactionSummary{
		TotalBegun:         s.begun.Load(),
		TotalCommits:       commits,
		TotalAborts:        aborts,
		TotalTimeouts:      s.timeouts.Load(),
		ActiveTransactions: s.active.Load(),
		AbortRate:          abortRate,
		AvgCommitLatency:   avgCommit,
	}
}

func (s *TransactionStatistics) ComponentName() string {
	return "transaction_manager"
}

func (s *TransactionStatistics) Summary() map[string]float64 {
	sum := s.TransactionSummary()
	return map[string]float64{
		"total_begun":         float64(sum.TotalBegun),
		"total_commits":       float64(sum.TotalCommits),
		"total_aborts":        float64(sum.TotalAborts),
		"total_timeouts":      float64(sum.TotalTimeouts),
		"active_transactions": float64(sum.ActiveTransactions),
		"abort_rate":          sum.AbortRate,
		"avg_commit_latency":  sum.AvgCommitLatency.Seconds(),
	}
}

func (s *TransactionStatistics) Reset() {
	s.begun.Store(0)
	s.commits.Store(0)
	s.aborts.Store(0)
	s.timeouts.Store(0)
	s.active.Store(0)
	s.commitNs.Store(0)
	s.commitCnt.Store(0)
}

// CollectStats implements telemetry.StatsSource.
func (s *TransactionStatistics) CollectStats() map[string]float64 {
	return map[string]float64{
		"active_transactions": float64(s.active.Load()),
	}
}

// LockStatistics counts lock manager activity.
type LockStatistics struct {
	requests      atomic.Uint64
	grants        atomic.Uint64
	waits         atomic.Uint64
	conflicts     atomic.Uint64
	timeouts      atomic.Uint64
	deadlocks     atomic.Uint64
	escalations   atomic.Uint64
	escalatedRows atomic.Uint64
	waitNs        atomic.Int64
}

func NewLockStatistics() *LockStatistics {
	return &LockStatistics{}
}

func (s *LockStatistics) RecordRequest()   { s.requests.Add(1) }
func (s *LockStatistics) RecordWaitStart() { s.waits.Add(1) }
func (s *LockStatistics) RecordConflict()  { s.conflicts.Add(1) }
func (s *LockStatistics) RecordTimeout()   { s.timeouts.Add(1) }
func (s *LockStatistics) RecordDeadlock()  { s.deadlocks.Add(1) }

func (s *LockStatistics) RecordGrant(waited time.Duration) {
	s.grants.Add(1)
	if waited > 0 {
		s.waitNs.Add(waited.Nanoseconds())
	}
}

func (s *LockStatistics) RecordEscalation(rowCount int) {
	s.escalations.Add(1)
	s.escalatedRows.Add(uint64(rowCount))
}

// LockSummary is the typed snapshot of the counters.
type LockSummary struct {
	TotalRequests    uint64
	TotalGrants      uint64
	TotalWaits       uint64
	TotalConflicts   uint64
	TotalTimeouts    uint64
	TotalDeadlocks   uint64
	TotalEscalations uint64
	EscalatedRows    uint64
	TotalWaitTime    time.Duration
}

func (s *LockStatistics) LockSummary() LockSummary {
	return LockSummary{
		TotalRequests:    s.requests.Load(),
		TotalGrants:      s.grants.Load(),
		TotalWaits:       s.waits.Load(),
		TotalConflicts:   s.conflicts.Load(),
		TotalTimeouts:    s.timeouts.Load(),
		TotalDeadlocks:   s.deadlocks.Load(),
		TotalEscalations: s.escalations.Load(),
		EscalatedRows:    s.escalatedRows.Load(),
		TotalWaitTime:    time.Duration(s.waitNs.Load()),
	}
}

func (s *LockStatistics) ComponentName() string {
	return "lock_manager"
}

func (s *LockStatistics) Summary() map[string]float64 {
	sum := s.LockSummary()
	return map[string]float64{
		"total_requests":    float64(sum.TotalRequests),
		"total_grants":      float64(sum.TotalGrants),
		"total_waits":       float64(sum.TotalWaits),
		"total_conflicts":   float64(sum.TotalConflicts),
		"total_timeouts":    float64(sum.TotalTimeouts),
		"total_deadlocks":   float64(sum.TotalDeadlocks),
		"total_escalations": float64(sum.TotalEscalations),
		"escalated_rows":    float64(sum.EscalatedRows),
		"total_wait_time":   sum.TotalWaitTime.Seconds(),
	}
}

func (s *LockStatistics) Reset() {
	s.requests.Store(0)
	s.grants.Store(0)
	s.waits.Store(0)
	s.conflicts.Store(0)
	s.timeouts.Store(0)
	s.deadlocks.Store(0)
	s.escalations.Store(0)
	s.escalatedRows.Store(0)
	s.waitNs.Store(0)
}
