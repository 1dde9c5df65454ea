package txn

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/quarrydb/quarry/hlc"
	"github.com/quarrydb/quarry/telemetry"
)

// RecordType tags a WAL record.
type RecordType uint8

const (
	RecordBegin RecordType = iota
	RecordWrite
	RecordCommit
	RecordAbort
	RecordCheckpoint
	RecordSavepoint
)

// Record is one WAL entry, encoded as length-prefixed msgpack.
type Record struct {
	LSN       uint64        `msgpack:"lsn"`
	Type      RecordType    `msgpack:"type"`
	TxnID     uint64        `msgpack:"txn_id"`
	Key       string        `msgpack:"key,omitempty"`
	Data      []byte        `msgpack:"data,omitempty"`
	Deleted   bool          `msgpack:"deleted,omitempty"`
	Timestamp hlc.Timestamp `msgpack:"timestamp"`
	Savepoint string        `msgpack:"savepoint,omitempty"`
}

// WAL is the write-ahead log: buffered appends, explicit Flush, and
// optional fsync on commit records.
type WAL struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	path string

	nextLSN      atomic.Uint64
	syncOnCommit bool
}

// OpenWAL opens (or creates) the log at path, scanning any existing
// records to continue the LSN sequence.
func OpenWAL(path string, bufferKB int, syncOnCommit bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &Error{Kind: KindWALWrite, Cause: err}
	}

	w := &WAL{
		file:         file,
		w:            bufio.NewWriterSize(file, bufferKB*1024),
		path:         path,
		syncOnCommit: syncOnCommit,
	}

	var maxLSN uint64
	if err := w.Replay(func(rec *Record) bool {
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		return true
	}); err != nil {
		file.Close()
		return nil, err
	}
	w.nextLSN.Store(maxLSN)
	return w, nil
}

// NextLSN allocates the next log sequence number.
func (w *WAL) NextLSN() uint64 {
	return w.nextLSN.Add(1)
}

// Append assigns rec an LSN if it has none, encodes it, and buffers
// the write. Commit records flush and sync when sync-on-commit is
// configured. Returns the record's LSN.
func (w *WAL) Append(rec *Record) (uint64, error) {
	if rec.LSN == 0 {
		rec.LSN = w.NextLSN()
	}

	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return 0, &Error{Kind: KindSerialization, Txn: rec.TxnID, Cause: err}
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(header[:]); err != nil {
		return 0, &Error{Kind: KindWALWrite, Txn: rec.TxnID, Cause: err}
	}
	if _, err := w.w.Write(payload); err != nil {
		return 0, &Error{Kind: KindWALWrite, Txn: rec.TxnID, Cause: err}
	}

	telemetry.WALRecordsWritten.Inc()
	telemetry.WALBytesWritten.Add(float64(len(header) + len(payload)))

	if rec.Type == RecordCommit && w.syncOnCommit {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return rec.LSN, nil
}

// Flush drains the buffer and syncs the file.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	if err := w.w.Flush(); err != nil {
		return &Error{Kind: KindWALWrite, Cause: err}
	}
	start := time.Now()
	if err := w.file.Sync(); err != nil {
		return &Error{Kind: KindWALWrite, Cause: err}
	}
	telemetry.WALSyncDuration.Observe(time.Since(start).Seconds())
	return nil
}

// Replay scans the log from the start, invoking fn per record in
// append order. A torn trailing record ends the scan cleanly.
func (w *WAL) Replay(fn func(*Record) bool) error {
	f, err := os.Open(w.path)
	if err != nil {
		return &Error{Kind: KindWALRead, Cause: err}
	}
	defer f.Close()

	var header [4]byte
	for {
		if _, err := io.ReadFull(f, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return &Error{Kind: KindWALRead, Cause: err}
		}
		payload := make([]byte, binary.BigEndian.Uint32(header[:]))
		if _, err := io.ReadFull(f, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return &Error{Kind: KindWALRead, Cause: err}
		}
		var rec Record
		if err := msgpack.Unmarshal(payload, &rec); err != nil {
			return &Error{Kind: KindDeserialization, Cause: err}
		}
		if !fn(&rec) {
			return nil
		}
	}
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		w.file.Close()
		return &Error{Kind: KindWALWrite, Cause: err}
	}
	return w.file.Close()
}

// checkpointImage is the serialized form of a version store snapshot,
// compressed with s2 on disk. Active lists the transactions still in
// flight when the snapshot was taken; their versions are uncommitted
// and recovery only keeps them when a later commit record proves them
// durable.
type checkpointImage struct {
	LSN    uint64                `msgpack:"lsn"`
	Keys   map[string][]*Version `msgpack:"keys"`
	Active []uint64              `msgpack:"active,omitempty"`
}

func checkpointPath(walPath string) string {
	return walPath + ".ckpt"
}

// Checkpoint snapshots the version store to a compressed sidecar file
// and appends a checkpoint record. Recovery applies the sidecar and
// replays only records past its LSN. active names the transactions
// still in flight at snapshot time so recovery can tell their
// uncommitted versions apart from committed state.
func (w *WAL) Checkpoint(store *VersionStore, active []uint64) error {
	if err := w.Flush(); err != nil {
		return &Error{Kind: KindCheckpointFailed, Cause: err}
	}

	lsn := w.NextLSN()
	image := checkpointImage{LSN: lsn, Keys: store.Snapshot(), Active: active}

	raw, err := msgpack.Marshal(&image)
	if err != nil {
		return &Error{Kind: KindCheckpointFailed, Cause: err}
	}
	compressed := s2.Encode(nil, raw)

	// Write sidecar atomically: tmp then rename.
	target := checkpointPath(w.path)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return &Error{Kind: KindCheckpointFailed, Cause: err}
	}
	if err := os.Rename(tmp, target); err != nil {
		return &Error{Kind: KindCheckpointFailed, Cause: err}
	}

	if _, err := w.Append(&Record{LSN: lsn, Type: RecordCheckpoint}); err != nil {
		return &Error{Kind: KindCheckpointFailed, Cause: err}
	}
	if err := w.Flush(); err != nil {
		return &Error{Kind: KindCheckpointFailed, Cause: err}
	}

	telemetry.CheckpointsTaken.Inc()
	log.Info().Uint64("lsn", lsn).Int("keys", len(image.Keys)).
		Int("compressed_bytes", len(compressed)).Msg("checkpoint written")
	return nil
}

// loadCheckpoint reads the sidecar next to walPath. ok is false when
// no checkpoint exists.
func loadCheckpoint(walPath string) (*checkpointImage, bool, error) {
	compressed, err := os.ReadFile(checkpointPath(walPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, &Error{Kind: KindRecoveryFailed, Cause: err}
	}
	raw, err := s2.Decode(nil, compressed)
	if err != nil {
		return nil, false, &Error{Kind: KindRecoveryFailed, Cause: err}
	}
	var image checkpointImage
	if err := msgpack.Unmarshal(raw, &image); err != nil {
		return nil, false, &Error{Kind: KindDeserialization, Cause: err}
	}
	return &image, true, nil
}
