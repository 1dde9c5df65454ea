package txn

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/quarrydb/quarry/telemetry"
)

// CommitLogEntry is the durable record of one terminal transition.
// The active registry evicts on commit/abort, so this log is the only
// post-finalization history.
type CommitLogEntry struct {
	TxnID     uint64         `msgpack:"txn_id"`
	State     State          `msgpack:"state"`
	Isolation IsolationLevel `msgpack:"isolation"`
	ReadOnly  bool           `msgpack:"read_only"`
	StartTime time.Time      `msgpack:"start_time"`
	EndTime   time.Time      `msgpack:"end_time"`
	Reads     []string       `msgpack:"reads"`
	Writes    []string       `msgpack:"writes"`
}

// CommitLog is an append-only file of msgpack entries, each prefixed
// with its length, with an LRU cache over recent entries for lookups.
type CommitLog struct {
	mu    sync.Mutex
	file  *os.File
	cache *lru.Cache[uint64, *CommitLogEntry]
}

// OpenCommitLog opens (or creates) the log at path. cacheSize bounds
// the in-memory lookup cache.
func OpenCommitLog(path string, cacheSize int) (*CommitLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &Error{Kind: KindWALWrite, Cause: err}
	}
	cache, err := lru.New[uint64, *CommitLogEntry](cacheSize)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &CommitLog{file: file, cache: cache}, nil
}

// Append writes one entry and caches it.
func (l *CommitLog) Append(entry *CommitLogEntry) error {
	payload, err := msgpack.Marshal(entry)
	if err != nil {
		return &Error{Kind: KindSerialization, Txn: entry.TxnID, Cause: err}
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(header[:]); err != nil {
		return &Error{Kind: KindWALWrite, Txn: entry.TxnID, Cause: err}
	}
	if _, err := l.file.Write(payload); err != nil {
		return &Error{Kind: KindWALWrite, Txn: entry.TxnID, Cause: err}
	}

	l.cache.Add(entry.TxnID, entry)
	telemetry.CommitLogEntries.Inc()
	return nil
}

// Lookup returns the cached entry for a finalized transaction. Cache
// only: entries evicted from the LRU require a Replay scan.
func (l *CommitLog) Lookup(txnID uint64) (*CommitLogEntry, bool) {
	entry, ok := l.cache.Get(txnID)
	if ok {
		telemetry.CommitLogCacheHit.Inc()
	}
	return entry, ok
}

// Replay reads the whole log from disk and invokes fn per entry in
// append order. fn returning false stops the scan.
func (l *CommitLog) Replay(fn func(*CommitLogEntry) bool) error {
	l.mu.Lock()
	path := l.file.Name()
	l.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return &Error{Kind: KindWALRead, Cause: err}
	}
	defer f.Close()

	var header [4]byte
	for {
		if _, err := io.ReadFull(f, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// A torn trailing record ends the scan.
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return &Error{Kind: KindWALRead, Cause: err}
		}
		payload := make([]byte, binary.BigEndian.Uint32(header[:]))
		if _, err := io.ReadFull(f, payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return nil
			}
			return &Error{Kind: KindWALRead, Cause: err}
		}
		var entry CommitLogEntry
		if err := msgpack.Unmarshal(payload, &entry); err != nil {
			return &Error{Kind: KindDeserialization, Cause: err}
		}
		if !fn(&entry) {
			return nil
		}
	}
}

// Sync flushes the log file to stable storage.
func (l *CommitLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return &Error{Kind: KindWALWrite, Cause: err}
	}
	return nil
}

func (l *CommitLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
