// Package wal implements the per-collection write-ahead log.
//
// Entry framing: [crc32: u32 LE][payload_len: u32 LE][payload], where
// payload = [op: u8][tx_id: u64 LE][doc_id: u64 LE][doc bytes...]. Doc bytes
// are encrypted before framing when a key is configured; the CRC covers the
// final payload. tx_id 0 marks a non-transactional mutation.
//
// Replay is idempotent: reapplying an already-applied entry is a no-op. That
// property is what makes the hot path safe — WAL appends skip fsync because
// the following storage fsync is the durability boundary, and the trailing
// checkpoint skips fsync because a lost checkpoint only means harmless
// re-replay.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/oxidb/oxidb/codec"
	"github.com/oxidb/oxidb/security"
	"github.com/oxidb/oxidb/storage"
)

// Op identifies the mutation type of a WAL entry.
type Op byte

const (
	OpInsert Op = 1
	OpUpdate Op = 2
	OpDelete Op = 3
)

// Entry is one pending mutation. DocBytes is always plaintext; Delete
// entries carry none.
type Entry struct {
	Op       Op
	TxID     uint64
	DocID    uint64
	DocBytes []byte
}

// Insert builds a non-transactional insert entry.
func Insert(docID uint64, docBytes []byte) Entry {
	return Entry{Op: OpInsert, DocID: docID, DocBytes: docBytes}
}

// Update builds a non-transactional update entry.
func Update(docID uint64, docBytes []byte) Entry {
	return Entry{Op: OpUpdate, DocID: docID, DocBytes: docBytes}
}

// Delete builds a non-transactional delete entry.
func Delete(docID uint64) Entry {
	return Entry{Op: OpDelete, DocID: docID}
}

// Wal is a single append-only log file. All file operations serialize on an
// internal mutex.
type Wal struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	encryption *security.Key
}

// Open creates or opens a WAL file without encryption.
func Open(path string) (*Wal, error) {
	return OpenWithEncryption(path, nil)
}

// OpenWithEncryption creates or opens a WAL file.
func OpenWithEncryption(path string, key *security.Key) (*Wal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}
	return &Wal{file: file, path: path, encryption: key}, nil
}

// Close closes the log file.
func (w *Wal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Log appends one entry and fsyncs.
func (w *Wal) Log(entry Entry) error {
	return w.logEntries([]Entry{entry}, true)
}

// LogNoSync appends one entry without fsync. Used when a following
// storage fsync provides the durability boundary.
func (w *Wal) LogNoSync(entry Entry) error {
	return w.logEntries([]Entry{entry}, false)
}

// LogBatch appends entries with a single fsync after the group.
func (w *Wal) LogBatch(entries []Entry) error {
	return w.logEntries(entries, true)
}

// LogBatchNoSync appends entries without fsync.
func (w *Wal) LogBatchNoSync(entries []Entry) error {
	return w.logEntries(entries, false)
}

func (w *Wal) logEntries(entries []Entry, sync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	for _, entry := range entries {
		payload, err := w.serializeEntry(entry)
		if err != nil {
			return err
		}
		var header [8]byte
		binary.LittleEndian.PutUint32(header[0:], crc32.ChecksumIEEE(payload))
		binary.LittleEndian.PutUint32(header[4:], uint32(len(payload)))
		if _, err := w.file.Write(header[:]); err != nil {
			return err
		}
		if _, err := w.file.Write(payload); err != nil {
			return err
		}
	}
	if sync {
		return w.file.Sync()
	}
	return nil
}

// Checkpoint truncates the log to zero length and fsyncs.
func (w *Wal) Checkpoint() error {
	return w.checkpoint(true)
}

// CheckpointNoSync truncates without fsync. Safe because stale entries
// replay idempotently if the truncate is lost.
func (w *Wal) CheckpointNoSync() error {
	return w.checkpoint(false)
}

func (w *Wal) checkpoint(sync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if sync {
		return w.file.Sync()
	}
	return nil
}

// RemoveFile deletes the log file from disk.
func (w *Wal) RemoveFile() error {
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Recover replays all valid entries against storage and the in-memory
// indexes, then checkpoints.
//
// Transactional entries (tx_id != 0) whose id is not in committed are
// skipped — their transaction aborted or crashed before its commit marker
// landed. Inserts already present in the primary index are skipped; updates
// whose bytes already match on disk are skipped. A CRC mismatch or truncated
// entry terminates replay at that point.
func (w *Wal) Recover(
	st *storage.Storage,
	primary map[uint64]storage.DocLocation,
	nextID *uint64,
	committed map[uint64]struct{},
	versions map[uint64]uint64,
) error {
	entries, err := w.readEntries()
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.TxID != 0 {
			if _, ok := committed[entry.TxID]; !ok {
				continue
			}
		}

		switch entry.Op {
		case OpInsert:
			if _, exists := primary[entry.DocID]; exists {
				continue
			}
			versions[entry.DocID] = docVersion(entry.DocBytes)
			loc, err := st.Append(entry.DocBytes)
			if err != nil {
				return err
			}
			primary[entry.DocID] = loc
			if entry.DocID >= *nextID {
				*nextID = entry.DocID + 1
			}
		case OpUpdate:
			if oldLoc, exists := primary[entry.DocID]; exists {
				current, err := st.Read(oldLoc)
				if err != nil {
					return err
				}
				if !bytesEqual(current, entry.DocBytes) {
					newLoc, err := st.Append(entry.DocBytes)
					if err != nil {
						return err
					}
					if err := st.MarkDeleted(oldLoc); err != nil {
						return err
					}
					primary[entry.DocID] = newLoc
				}
			}
			versions[entry.DocID] = docVersion(entry.DocBytes)
		case OpDelete:
			if loc, exists := primary[entry.DocID]; exists {
				if err := st.MarkDeleted(loc); err != nil {
					return err
				}
				delete(primary, entry.DocID)
			}
			delete(versions, entry.DocID)
		}
	}

	return w.Checkpoint()
}

func docVersion(docBytes []byte) uint64 {
	decoded, err := codec.Decode(docBytes)
	if err != nil {
		return 0
	}
	doc, ok := decoded.(map[string]any)
	if !ok {
		return 0
	}
	if v, ok := doc["_version"].(int64); ok && v >= 0 {
		return uint64(v)
	}
	return 0
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// serializeEntry builds [op][tx_id][doc_id][doc bytes], sealing doc bytes
// first when encryption is configured.
func (w *Wal) serializeEntry(entry Entry) ([]byte, error) {
	docBytes := entry.DocBytes
	if entry.Op == OpDelete {
		docBytes = nil
	} else if w.encryption != nil {
		sealed, err := w.encryption.Encrypt(docBytes)
		if err != nil {
			return nil, err
		}
		docBytes = sealed
	}

	payload := make([]byte, 0, 17+len(docBytes))
	payload = append(payload, byte(entry.Op))
	payload = binary.LittleEndian.AppendUint64(payload, entry.TxID)
	payload = binary.LittleEndian.AppendUint64(payload, entry.DocID)
	payload = append(payload, docBytes...)
	return payload, nil
}

// readEntries walks the log from the start, stopping at the first truncated
// or corrupt entry.
func (w *Wal) readEntries() ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := w.file.Stat()
	if err != nil {
		return nil, err
	}
	fileLen := uint64(info.Size())

	var entries []Entry
	var pos uint64
	var header [8]byte

	for pos+8 <= fileLen {
		if _, err := w.file.ReadAt(header[:], int64(pos)); err != nil {
			break
		}
		storedCRC := binary.LittleEndian.Uint32(header[0:])
		payloadLen := uint64(binary.LittleEndian.Uint32(header[4:]))

		if pos+8+payloadLen > fileLen {
			break // truncated payload
		}
		payload := make([]byte, payloadLen)
		if _, err := w.file.ReadAt(payload, int64(pos)+8); err != nil {
			break
		}
		if crc32.ChecksumIEEE(payload) != storedCRC {
			break // corrupt entry terminates replay
		}

		entry, ok := w.parsePayload(payload)
		if !ok {
			break
		}
		entries = append(entries, entry)
		pos += 8 + payloadLen
	}

	return entries, nil
}

func (w *Wal) parsePayload(payload []byte) (Entry, bool) {
	if len(payload) < 17 {
		return Entry{}, false
	}
	op := Op(payload[0])
	txID := binary.LittleEndian.Uint64(payload[1:9])
	docID := binary.LittleEndian.Uint64(payload[9:17])

	switch op {
	case OpInsert, OpUpdate:
		docBytes := payload[17:]
		if w.encryption != nil {
			plain, err := w.encryption.Decrypt(docBytes)
			if err != nil {
				return Entry{}, false
			}
			docBytes = plain
		}
		return Entry{Op: op, TxID: txID, DocID: docID, DocBytes: docBytes}, true
	case OpDelete:
		return Entry{Op: OpDelete, TxID: txID, DocID: docID}, true
	default:
		return Entry{}, false
	}
}
