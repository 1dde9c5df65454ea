package txn

import (
	"time"

	"github.com/quarrydb/quarry/hlc"
)

// IsolationLevel controls which versions a transaction's reads may observe.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
	SnapshotIsolation
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "read_uncommitted"
	case ReadCommitted:
		return "read_committed"
	case RepeatableRead:
		return "repeatable_read"
	case Serializable:
		return "serializable"
	case SnapshotIsolation:
		return "snapshot_isolation"
	default:
		return "unknown"
	}
}

// State is a transaction lifecycle state. Committed and Aborted are
// terminal; a transaction never re-enters Active once it leaves.
type State int

const (
	StateActive State = iota
	StatePreparing
	StatePrepared
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePreparing:
		return "preparing"
	case StatePrepared:
		return "prepared"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateAborted
}

// validTransition encodes the allowed lifecycle edges.
func validTransition(from, to State) bool {
	switch from {
	case StateActive:
		return to == StatePreparing || to == StateCommitting || to == StateAborting
	case StatePreparing:
		return to == StatePrepared || to == StateAborting
	case StatePrepared:
		return to == StateCommitting || to == StateAborting
	case StateCommitting:
		return to == StateCommitted
	case StateAborting:
		return to == StateAborted
	default:
		return false
	}
}

// LockMode is a lock strength. The matrix below mirrors standard
// multi-granularity locking.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
	LockIntentShared
	LockIntentExclusive
	LockSharedIntentExclusive
	LockUpdate
)

func (m LockMode) String() string {
	switch m {
	case LockShared:
		return "S"
	case LockExclusive:
		return "X"
	case LockIntentShared:
		return "IS"
	case LockIntentExclusive:
		return "IX"
	case LockSharedIntentExclusive:
		return "SIX"
	case LockUpdate:
		return "U"
	default:
		return "?"
	}
}

// lockCompat[held][requested] is true when the requested mode can be
// granted alongside the held mode.
var lockCompat = [6][6]bool{
	//                 S      X      IS     IX     SIX    U
	LockShared:                {true, false, true, false, false, true},
	LockExclusive:             {false, false, false, false, false, false},
	LockIntentShared:          {true, false, true, true, true, true},
	LockIntentExclusive:       {false, false, true, true, false, false},
	LockSharedIntentExclusive: {false, false, true, false, false, false},
	LockUpdate:                {true, false, true, false, false, false},
}

// Compatible reports whether a request for mode req can coexist with a
// held lock of mode m.
func (m LockMode) Compatible(req LockMode) bool {
	return lockCompat[m][req]
}

// Strength orders modes for upgrade decisions. Higher is stronger.
func (m LockMode) Strength() int {
	switch m {
	case LockIntentShared:
		return 1
	case LockShared:
		return 2
	case LockIntentExclusive:
		return 3
	case LockUpdate:
		return 4
	case LockSharedIntentExclusive:
		return 5
	case LockExclusive:
		return 6
	default:
		return 0
	}
}

// LockGranularity distinguishes row-level from table-level resources
// for lock escalation.
type LockGranularity int

const (
	GranularityRow LockGranularity = iota
	GranularityTable
)

// Version is one historical value of a key. Versions are appended and
// never mutated in place; Invalidated is the only field flipped after
// the fact, when the owning transaction aborts.
type Version struct {
	TxnID       uint64
	Timestamp   hlc.Timestamp
	LSN         uint64
	Data        []byte
	Deleted     bool
	Invalidated bool
}

// Savepoint captures the read/write set sizes and the tracked payload
// bytes at a point inside a transaction so a rollback can trim later
// bookkeeping.
type Savepoint struct {
	Name      string
	ReadLen   int
	WriteLen  int
	Bytes     int64
	CreatedAt time.Time
}

// Transaction is one unit of work tracked by the Manager. All fields
// are guarded by the Manager's registry lock.
type Transaction struct {
	ID        uint64
	Isolation IsolationLevel
	ReadOnly  bool
	Snapshot  hlc.Timestamp

	State        State
	StartTime    time.Time
	LastActivity time.Time
	Timeout      time.Duration

	StartLSN uint64
	EndLSN   uint64

	readSet    []string
	readIndex  map[string]struct{}
	writeSet   []string
	writeIndex map[string]struct{}
	savepoints []Savepoint

	// bytes accumulates the payload sizes of recorded writes, checked
	// against the configured per-transaction memory limit.
	bytes int64
}

func newTransaction(id uint64, iso IsolationLevel, readOnly bool, snapshot hlc.Timestamp, timeout time.Duration) *Transaction {
	now := time.Now()
	return &Transaction{
		ID:           id,
		Isolation:    iso,
		ReadOnly:     readOnly,
		Snapshot:     snapshot,
		State:        StateActive,
		StartTime:    now,
		LastActivity: now,
		Timeout:      timeout,
		readIndex:    map[string]struct{}{},
		writeIndex:   map[string]struct{}{},
	}
}

func (t *Transaction) addRead(key string) bool {
	if _, ok := t.readIndex[key]; ok {
		return false
	}
	t.readIndex[key] = struct{}{}
	t.readSet = append(t.readSet, key)
	return true
}

func (t *Transaction) addWrite(key string) bool {
	if _, ok := t.writeIndex[key]; ok {
		return false
	}
	t.writeIndex[key] = struct{}{}
	t.writeSet = append(t.writeSet, key)
	return true
}

// OperationCount is the combined size of the read and write sets,
// checked against the configured max-operations limit.
func (t *Transaction) OperationCount() int {
	return len(t.readSet) + len(t.writeSet)
}
