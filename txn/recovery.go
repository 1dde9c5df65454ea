package txn

import (
	"github.com/rs/zerolog/log"
)

// RecoveryResult summarizes a recovery pass. MaxTxnID is the highest
// transaction id observed; identifier allocation must resume above it
// so recovered versions are never misattributed to new transactions.
type RecoveryResult struct {
	CheckpointLSN  uint64
	RecordsScanned int
	Redone         int
	Dropped        int
	MaxTxnID       uint64
}

// Recover rebuilds the version store from the checkpoint sidecar plus
// the WAL tail. Writes of committed transactions are redone via
// AddVersion directly; replay is single-threaded and bypasses the lock
// manager. Writes of transactions with no commit record are dropped,
// including checkpointed versions whose owners were still in flight at
// checkpoint time and never committed afterward.
func Recover(wal *WAL, store *VersionStore) (*RecoveryResult, error) {
	result := &RecoveryResult{}

	image, ok, err := loadCheckpoint(wal.path)
	if err != nil {
		return nil, err
	}
	if ok {
		result.CheckpointLSN = image.LSN
	}

	// Stage writes per transaction; only a commit record makes them real.
	pending := map[uint64][]*Record{}
	committed := map[uint64]struct{}{}
	aborted := map[uint64]struct{}{}

	err = wal.Replay(func(rec *Record) bool {
		if rec.LSN <= result.CheckpointLSN {
			return true
		}
		result.RecordsScanned++
		if rec.TxnID > result.MaxTxnID {
			result.MaxTxnID = rec.TxnID
		}

		switch rec.Type {
		case RecordWrite:
			pending[rec.TxnID] = append(pending[rec.TxnID], rec)
		case RecordCommit:
			committed[rec.TxnID] = struct{}{}
		case RecordAbort:
			aborted[rec.TxnID] = struct{}{}
		}
		return true
	})
	if err != nil {
		return nil, &Error{Kind: KindRecoveryFailed, Cause: err}
	}

	if ok {
		inFlight := make(map[uint64]struct{}, len(image.Active))
		for _, id := range image.Active {
			inFlight[id] = struct{}{}
			if id > result.MaxTxnID {
				result.MaxTxnID = id
			}
		}

		var restored int
		for key, versions := range image.Keys {
			for _, v := range versions {
				if v.TxnID > result.MaxTxnID {
					result.MaxTxnID = v.TxnID
				}
				if v.Invalidated {
					result.Dropped++
					continue
				}
				// Versions belonging to a transaction that aborted
				// after the checkpoint, or was in flight at the
				// checkpoint and left no commit record, stay dead.
				if _, gone := aborted[v.TxnID]; gone {
					result.Dropped++
					continue
				}
				if _, open := inFlight[v.TxnID]; open {
					if _, c := committed[v.TxnID]; !c {
						result.Dropped++
						continue
					}
				}
				store.AddVersion(key, v)
				restored++
			}
		}
		log.Info().Uint64("lsn", image.LSN).Int("keys", len(image.Keys)).
			Int("versions", restored).Msg("checkpoint restored")
	}

	for txnID, writes := range pending {
		if _, ok := committed[txnID]; !ok {
			result.Dropped += len(writes)
			continue
		}
		if _, ok := aborted[txnID]; ok {
			// Commit and abort both present means a torn shutdown mid
			// finalization; the abort wins.
			result.Dropped += len(writes)
			continue
		}
		for _, rec := range writes {
			store.AddVersion(rec.Key, &Version{
				TxnID:     rec.TxnID,
				Timestamp: rec.Timestamp,
				LSN:       rec.LSN,
				Data:      rec.Data,
				Deleted:   rec.Deleted,
			})
			result.Redone++
		}
	}

	log.Info().Int("scanned", result.RecordsScanned).Int("redone", result.Redone).
		Int("dropped", result.Dropped).Msg("recovery complete")
	return result, nil
}
