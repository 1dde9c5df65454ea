package txn

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies one failure class in the closed transaction error
// taxonomy. Callers branch on predicates (Retriable, IsDeadlock,
// IsLockError) rather than on individual kinds.
type Kind int

const (
	KindUnknown Kind = iota
	KindLockTimeout
	KindLockConflict
	KindDeadlock
	KindLockUpgradeConflict
	KindTransactionNotFound
	KindInvalidStateTransition
	KindAlreadyCommitted
	KindAlreadyAborted
	KindReadOnlyViolation
	KindSavepointNotFound
	KindTransactionTimeout
	KindTooManyOperations
	KindMemoryLimitExceeded
	KindIsolationMismatch
	KindValidationFailed
	KindWALWrite
	KindWALRead
	KindSerialization
	KindDeserialization
	KindCheckpointFailed
	KindRecoveryFailed
	KindRedoFailed
	KindUndoFailed
	KindPrepareTimeout
	KindParticipantNotFound
	KindCoordinationError
)

func (k Kind) String() string {
	switch k {
	case KindLockTimeout:
		return "lock_timeout"
	case KindLockConflict:
		return "lock_conflict"
	case KindDeadlock:
		return "deadlock"
	case KindLockUpgradeConflict:
		return "lock_upgrade_conflict"
	case KindTransactionNotFound:
		return "transaction_not_found"
	case KindInvalidStateTransition:
		return "invalid_state_transition"
	case KindAlreadyCommitted:
		return "already_committed"
	case KindAlreadyAborted:
		return "already_aborted"
	case KindReadOnlyViolation:
		return "read_only_violation"
	case KindSavepointNotFound:
		return "savepoint_not_found"
	case KindTransactionTimeout:
		return "transaction_timeout"
	case KindTooManyOperations:
		return "too_many_operations"
	case KindMemoryLimitExceeded:
		return "memory_limit_exceeded"
	case KindIsolationMismatch:
		return "isolation_mismatch"
	case KindValidationFailed:
		return "validation_failed"
	case KindWALWrite:
		return "wal_write"
	case KindWALRead:
		return "wal_read"
	case KindSerialization:
		return "serialization"
	case KindDeserialization:
		return "deserialization"
	case KindCheckpointFailed:
		return "checkpoint_failed"
	case KindRecoveryFailed:
		return "recovery_failed"
	case KindRedoFailed:
		return "redo_failed"
	case KindUndoFailed:
		return "undo_failed"
	case KindPrepareTimeout:
		return "prepare_timeout"
	case KindParticipantNotFound:
		return "participant_not_found"
	case KindCoordinationError:
		return "coordination_error"
	default:
		return "unknown"
	}
}

// Error carries one taxonomy kind plus whatever context that kind
// needs. Unused fields stay zero.
type Error struct {
	Kind Kind

	// Transaction this error concerns. Zero when not applicable.
	Txn uint64

	// Lock context.
	Resource      string
	RequestedMode LockMode
	HeldMode      LockMode
	HoldingTxn    uint64
	Timeout       time.Duration

	// Deadlock context.
	Cycle  []uint64
	Victim uint64

	// State machine context.
	From State
	To   State

	// Validation / savepoint context.
	Key       string
	Savepoint string

	// Resource limit context.
	Operations int
	Limit      int64

	// Isolation context.
	Expected IsolationLevel
	Actual   IsolationLevel

	// 2PC context.
	Participant uint64

	// Wrapped cause for I/O and codec failures.
	Cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindLockTimeout:
		return fmt.Sprintf("txn %d: lock timeout on %q after %v (mode %s)",
			e.Txn, e.Resource, e.Timeout, e.RequestedMode)
	case KindLockConflict:
		return fmt.Sprintf("txn %d: lock conflict on %q: requested %s, txn %d holds %s",
			e.Txn, e.Resource, e.RequestedMode, e.HoldingTxn, e.HeldMode)
	case KindDeadlock:
		return fmt.Sprintf("deadlock detected, victim txn %d, cycle [%s]",
			e.Victim, joinIDs(e.Cycle))
	case KindLockUpgradeConflict:
		return fmt.Sprintf("txn %d: cannot upgrade lock on %q from %s to %s while other holders remain",
			e.Txn, e.Resource, e.HeldMode, e.RequestedMode)
	case KindTransactionNotFound:
		return fmt.Sprintf("transaction %d not found", e.Txn)
	case KindInvalidStateTransition:
		return fmt.Sprintf("txn %d: invalid state transition %s -> %s", e.Txn, e.From, e.To)
	case KindAlreadyCommitted:
		return fmt.Sprintf("transaction %d already committed", e.Txn)
	case KindAlreadyAborted:
		return fmt.Sprintf("transaction %d already aborted", e.Txn)
	case KindReadOnlyViolation:
		return fmt.Sprintf("txn %d: write to %q in read-only transaction", e.Txn, e.Key)
	case KindSavepointNotFound:
		return fmt.Sprintf("txn %d: savepoint %q not found", e.Txn, e.Savepoint)
	case KindTransactionTimeout:
		return fmt.Sprintf("transaction %d timed out after %v", e.Txn, e.Timeout)
	case KindTooManyOperations:
		return fmt.Sprintf("txn %d: operation count %d exceeds limit %d", e.Txn, e.Operations, e.Limit)
	case KindMemoryLimitExceeded:
		return fmt.Sprintf("txn %d: memory limit %d bytes exceeded", e.Txn, e.Limit)
	case KindIsolationMismatch:
		return fmt.Sprintf("txn %d: isolation mismatch: expected %s, got %s", e.Txn, e.Expected, e.Actual)
	case KindValidationFailed:
		return fmt.Sprintf("txn %d: validation failed: key %q changed since read", e.Txn, e.Key)
	case KindWALWrite:
		return fmt.Sprintf("wal write failed: %v", e.Cause)
	case KindWALRead:
		return fmt.Sprintf("wal read failed: %v", e.Cause)
	case KindSerialization:
		return fmt.Sprintf("serialization failed: %v", e.Cause)
	case KindDeserialization:
		return fmt.Sprintf("deserialization failed: %v", e.Cause)
	case KindCheckpointFailed:
		return fmt.Sprintf("checkpoint failed: %v", e.Cause)
	case KindRecoveryFailed:
		return fmt.Sprintf("recovery failed: %v", e.Cause)
	case KindRedoFailed:
		return fmt.Sprintf("redo failed for txn %d: %v", e.Txn, e.Cause)
	case KindUndoFailed:
		return fmt.Sprintf("undo failed for txn %d: %v", e.Txn, e.Cause)
	case KindPrepareTimeout:
		return fmt.Sprintf("txn %d: prepare timed out after %v", e.Txn, e.Timeout)
	case KindParticipantNotFound:
		return fmt.Sprintf("txn %d: participant %d not found", e.Txn, e.Participant)
	case KindCoordinationError:
		return fmt.Sprintf("txn %d: coordination error: %v", e.Txn, e.Cause)
	default:
		return fmt.Sprintf("transaction error (kind %d)", int(e.Kind))
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retriable reports whether retrying the whole transaction may
// succeed. Deadlock is retriable for the victim only; the caller that
// receives the error is by construction the victim.
func (e *Error) Retriable() bool {
	switch e.Kind {
	case KindLockTimeout, KindLockConflict, KindDeadlock,
		KindLockUpgradeConflict, KindValidationFailed, KindPrepareTimeout:
		return true
	default:
		return false
	}
}

func (e *Error) IsDeadlock() bool {
	return e.Kind == KindDeadlock
}

func (e *Error) IsLockError() bool {
	switch e.Kind {
	case KindLockTimeout, KindLockConflict, KindDeadlock, KindLockUpgradeConflict:
		return true
	default:
		return false
	}
}

// TransactionID returns the transaction the error concerns, or 0.
// For deadlocks this is the chosen victim.
func (e *Error) TransactionID() uint64 {
	if e.Kind == KindDeadlock {
		return e.Victim
	}
	return e.Txn
}

// KindOf extracts the taxonomy kind from an error chain. Returns
// KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

func joinIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, " -> ")
}
