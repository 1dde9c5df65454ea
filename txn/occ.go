package txn

import (
	"sync"
)

// readObservation pins the identity of the version a transaction saw
// for one key. A zero LSN with owner 0 means the key was absent.
type readObservation struct {
	owner uint64
	lsn   uint64
}

// Validator implements optimistic read-set validation: record what
// each transaction observed, then check nothing moved before commit.
// A failed validation requires retrying the whole transaction, not
// replaying part of it.
type Validator struct {
	mu    sync.Mutex
	reads map[uint64]map[string]readObservation
}

func NewValidator() *Validator {
	return &Validator{reads: map[uint64]map[string]readObservation{}}
}

// TrackRead records the version txnID observed for key. Pass nil for a
// read that found no visible version.
func (v *Validator) TrackRead(txnID uint64, key string, observed *Version) {
	obs := readObservation{}
	if observed != nil {
		obs = readObservation{owner: observed.TxnID, lsn: observed.LSN}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	keys := v.reads[txnID]
	if keys == nil {
		keys = map[string]readObservation{}
		v.reads[txnID] = keys
	}
	// First observation wins; repeatable reads must validate against
	// what the transaction saw first.
	if _, seen := keys[key]; !seen {
		keys[key] = obs
	}
}

// ValidateReadSet compares every tracked read of txnID against the
// store's current newest version. Returns ValidationFailed naming the
// first changed key. Writes by txnID itself do not invalidate it.
func (v *Validator) ValidateReadSet(txnID uint64, store *VersionStore) error {
	v.mu.Lock()
	keys := make(map[string]readObservation, len(v.reads[txnID]))
	for k, obs := range v.reads[txnID] {
		keys[k] = obs
	}
	v.mu.Unlock()

	for key, obs := range keys {
		current, ok := store.NewestVersion(key)
		if !ok {
			if obs != (readObservation{}) {
				return &Error{Kind: KindValidationFailed, Txn: txnID, Key: key}
			}
			continue
		}
		if current.TxnID == txnID {
			continue
		}
		if current.TxnID != obs.owner || current.LSN != obs.lsn {
			return &Error{Kind: KindValidationFailed, Txn: txnID, Key: key}
		}
	}
	return nil
}

// Forget drops the tracked reads once the transaction finalizes.
func (v *Validator) Forget(txnID uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.reads, txnID)
}
