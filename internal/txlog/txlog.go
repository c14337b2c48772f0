// Package txlog implements the global transaction commit log: a packed
// sequence of little-endian u64 transaction ids at <data_dir>/_tx_commit_log.
//
// Presence of a tx_id means the transaction committed; absence means it
// aborted or crashed mid-commit. The fsync in MarkCommitted is the commit
// point for multi-collection transactions.
package txlog

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileName is the commit log's name under the data directory.
const FileName = "_tx_commit_log"

// CommitLog is the append-mostly commit marker file. Rewriting is allowed
// for GC of applied transactions.
type CommitLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open creates or opens the commit log under dataDir.
func Open(dataDir string) (*CommitLog, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dataDir, FileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &CommitLog{file: file, path: path}, nil
}

// Close closes the log file.
func (l *CommitLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// MarkCommitted appends tx_id and fsyncs. This is THE commit point: after it
// returns, recovery will replay every one of the transaction's WAL entries.
func (l *CommitLog) MarkCommitted(txID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], txID)
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if _, err := l.file.Write(buf[:]); err != nil {
		return err
	}
	return l.file.Sync()
}

// ReadCommitted returns the set of committed transaction ids.
func (l *CommitLog) ReadCommitted() (map[uint64]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := l.file.Stat()
	if err != nil {
		return nil, err
	}
	count := info.Size() / 8

	set := make(map[uint64]struct{}, count)
	var buf [8]byte
	for i := int64(0); i < count; i++ {
		if _, err := l.file.ReadAt(buf[:], i*8); err != nil {
			break
		}
		set[binary.LittleEndian.Uint64(buf[:])] = struct{}{}
	}
	return set, nil
}

// RemoveCommitted rewrites the log without tx_id (GC after a transaction's
// effects are fully applied and checkpointed).
func (l *CommitLog) RemoveCommitted(txID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := l.file.Stat()
	if err != nil {
		return err
	}
	count := info.Size() / 8

	kept := make([]uint64, 0, count)
	var buf [8]byte
	for i := int64(0); i < count; i++ {
		if _, err := l.file.ReadAt(buf[:], i*8); err != nil {
			break
		}
		id := binary.LittleEndian.Uint64(buf[:])
		if id != txID {
			kept = append(kept, id)
		}
	}

	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	for _, id := range kept {
		binary.LittleEndian.PutUint64(buf[:], id)
		if _, err := l.file.Write(buf[:]); err != nil {
			return err
		}
	}
	return l.file.Sync()
}

// Clear truncates the log. Called after recovery has applied every named
// transaction.
func (l *CommitLog) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return l.file.Sync()
}
