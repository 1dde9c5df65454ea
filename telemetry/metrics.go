package telemetry

var (
	durationBuckets = []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5, 10, 30}
	waitBuckets     = []float64{.0001, .001, .005, .01, .05, .1, .25, .5, 1, 5, 30}
)

var (
	TxnBegun     Counter   = NoopStat{}
	TxnCommitted Counter   = NoopStat{}
	TxnAborted   Counter   = NoopStat{}
	TxnDuration  Histogram = NoopStat{}

	ActiveTransactions Gauge = NoopStat{}

	LockAcquired      CounterVec   = noopCounterVec{}
	LockWaitDuration  HistogramVec = noopHistogramVec{}
	LockTimeouts      Counter      = NoopStat{}
	LockConflicts     Counter      = NoopStat{}
	DeadlocksDetected Counter      = NoopStat{}
	LockEscalations   Counter      = NoopStat{}
	LocksHeld         Gauge        = NoopStat{}

	VersionsStored    Gauge   = NoopStat{}
	KeysTracked       Gauge   = NoopStat{}
	GCRuns            Counter = NoopStat{}
	GCVersionsRemoved Counter = NoopStat{}

	WALRecordsWritten Counter   = NoopStat{}
	WALBytesWritten   Counter   = NoopStat{}
	WALSyncDuration   Histogram = NoopStat{}
	CheckpointsTaken  Counter   = NoopStat{}

	CommitLogEntries  Counter = NoopStat{}
	CommitLogCacheHit Counter = NoopStat{}
)

// InitMetrics creates metric instruments against the registry. When
// telemetry is disabled everything stays a noop.
func InitMetrics() {
	TxnBegun = NewCounter("transactions_begun_total", "Transactions started")
	TxnCommitted = NewCounter("transactions_committed_total", "Transactions committed")
	TxnAborted = NewCounter("transactions_aborted_total", "Transactions aborted")
	TxnDuration = NewHistogramWithBuckets("transaction_duration_seconds", "Transaction lifetime from begin to terminal state", durationBuckets)

	ActiveTransactions = NewGauge("active_transactions", "Transactions currently active")

	LockAcquired = NewCounterVec("locks_acquired_total", "Locks granted by mode", []string{"mode"})
	LockWaitDuration = NewHistogramVec("lock_wait_seconds", "Time spent waiting for a lock by mode", []string{"mode"}, waitBuckets)
	LockTimeouts = NewCounter("lock_timeouts_total", "Lock requests that timed out")
	LockConflicts = NewCounter("lock_conflicts_total", "Lock requests that hit an incompatible holder")
	DeadlocksDetected = NewCounter("deadlocks_detected_total", "Deadlock cycles broken")
	LockEscalations = NewCounter("lock_escalations_total", "Row lock sets escalated to table locks")
	LocksHeld = NewGauge("locks_held", "Locks currently granted")

	VersionsStored = NewGauge("mvcc_versions", "Versions currently stored")
	KeysTracked = NewGauge("mvcc_keys", "Keys with at least one version")
	GCRuns = NewCounter("gc_runs_total", "Garbage collection passes")
	GCVersionsRemoved = NewCounter("gc_versions_removed_total", "Versions reclaimed by garbage collection")

	WALRecordsWritten = NewCounter("wal_records_total", "WAL records appended")
	WALBytesWritten = NewCounter("wal_bytes_total", "WAL bytes appended")
	WALSyncDuration = NewHistogram("wal_sync_seconds", "WAL fsync latency")
	CheckpointsTaken = NewCounter("wal_checkpoints_total", "WAL checkpoints written")

	CommitLogEntries = NewCounter("commit_log_entries_total", "Commit log records appended")
	CommitLogCacheHit = NewCounter("commit_log_cache_hits_total", "Commit log lookups served from cache")
}
