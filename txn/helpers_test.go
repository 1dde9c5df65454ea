package txn

import (
	"github.com/quarrydb/quarry/hlc"
)

// timestampAt builds a timestamp with the given wall time, so tests
// can order versions deterministically.
func timestampAt(wall int64) hlc.Timestamp {
	return hlc.Timestamp{WallTime: wall}
}

// versionAt builds a plain version for store tests.
func versionAt(txnID uint64, wall int64, data string) *Version {
	return &Version{TxnID: txnID, Timestamp: timestampAt(wall), Data: []byte(data)}
}
