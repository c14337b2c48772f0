// Package storage implements the append-only record file backing a
// collection.
//
// Record format on disk: [status: u8][length: u32 LE][payload]
//   - status 0 = active, 1 = soft-deleted
//   - payload is the encoded document, or a sealed buffer when encryption
//     is enabled
//
// Records are never rewritten in place except for the one-byte status flip
// of a soft delete; space is reclaimed by collection compaction.
package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/oxidb/oxidb/security"
)

const (
	recordActive  byte = 0
	recordDeleted byte = 1

	headerSize = 5 // status (1) + length (4)
)

// DocLocation identifies a record's payload span inside the data file.
// Length is the on-disk payload length, which differs from the plaintext
// length when encryption is enabled.
type DocLocation struct {
	Offset uint64
	Length uint32
}

// Storage is an append-only file of framed records.
//
// All operations on the shared file handle serialize on an internal mutex so
// concurrent callers never corrupt the seek cursor. ScanReadonlyWhile opens
// its own handle and takes no lock.
type Storage struct {
	path       string
	mu         sync.Mutex
	file       *os.File
	offset     uint64
	encryption *security.Key
}

// Open creates or opens a data file without encryption.
func Open(path string) (*Storage, error) {
	return OpenWithEncryption(path, nil)
}

// OpenWithEncryption creates or opens a data file, sealing payloads with the
// given key when it is non-nil.
func OpenWithEncryption(path string, key *security.Key) (*Storage, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Storage{
		path:       path,
		file:       file,
		offset:     uint64(info.Size()),
		encryption: key,
	}, nil
}

// Close closes the underlying file handle.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Path returns the path this storage was opened with.
func (s *Storage) Path() string {
	return s.path
}

func (s *Storage) maybeEncrypt(docBytes []byte) ([]byte, error) {
	if s.encryption == nil {
		return docBytes, nil
	}
	return s.encryption.Encrypt(docBytes)
}

func (s *Storage) maybeDecrypt(payload []byte) ([]byte, error) {
	if s.encryption == nil {
		return payload, nil
	}
	return s.encryption.Decrypt(payload)
}

// Append writes a record and fsyncs. Returns the record's location.
func (s *Storage) Append(docBytes []byte) (DocLocation, error) {
	return s.append(docBytes, true)
}

// AppendNoSync writes a record without fsync. The caller must call Sync
// after the batch to establish the durability boundary.
func (s *Storage) AppendNoSync(docBytes []byte) (DocLocation, error) {
	return s.append(docBytes, false)
}

func (s *Storage) append(docBytes []byte, sync bool) (DocLocation, error) {
	payload, err := s.maybeEncrypt(docBytes)
	if err != nil {
		return DocLocation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offset := s.offset
	length := uint32(len(payload))

	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return DocLocation{}, err
	}
	var header [headerSize]byte
	header[0] = recordActive
	binary.LittleEndian.PutUint32(header[1:], length)
	if _, err := s.file.Write(header[:]); err != nil {
		return DocLocation{}, err
	}
	if _, err := s.file.Write(payload); err != nil {
		return DocLocation{}, err
	}
	if sync {
		if err := s.file.Sync(); err != nil {
			return DocLocation{}, err
		}
	}

	s.offset += headerSize + uint64(length)
	return DocLocation{Offset: offset, Length: length}, nil
}

// Read returns the plaintext payload of the record at loc.
func (s *Storage) Read(loc DocLocation) ([]byte, error) {
	s.mu.Lock()
	buf := make([]byte, loc.Length)
	_, err := s.file.ReadAt(buf, int64(loc.Offset)+headerSize)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.maybeDecrypt(buf)
}

// MarkDeleted flips the record's status byte to deleted and fsyncs.
func (s *Storage) MarkDeleted(loc DocLocation) error {
	return s.markDeleted(loc, true)
}

// MarkDeletedNoSync flips the status byte without fsync.
func (s *Storage) MarkDeletedNoSync(loc DocLocation) error {
	return s.markDeleted(loc, false)
}

func (s *Storage) markDeleted(loc DocLocation, sync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.WriteAt([]byte{recordDeleted}, int64(loc.Offset)); err != nil {
		return err
	}
	if sync {
		return s.file.Sync()
	}
	return nil
}

// Sync fsyncs the data file. After it returns, every prior write to this
// storage is durable.
func (s *Storage) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

// FileSize returns the total file size in bytes.
func (s *Storage) FileSize() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// IterActive scans the whole file and returns (location, plaintext) for
// every active record. A truncated final record terminates the scan without
// error; everything before it is returned.
func (s *Storage) IterActive() ([]DocLocation, [][]byte, error) {
	var locs []DocLocation
	var payloads [][]byte
	err := s.ForEachActive(func(loc DocLocation, plaintext []byte) error {
		locs = append(locs, loc)
		payloads = append(payloads, plaintext)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return locs, payloads, nil
}

// ForEachActive streams active records one at a time, avoiding the slice
// allocation of IterActive. The callback receives plaintext bytes that it
// must not retain past the call.
func (s *Storage) ForEachActive(fn func(loc DocLocation, plaintext []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fileLen := s.offset
	var pos uint64
	var header [headerSize]byte

	for pos < fileLen {
		if pos+headerSize > fileLen {
			break // truncated header from a crash mid-write
		}
		if _, err := s.file.ReadAt(header[:], int64(pos)); err != nil {
			return err
		}
		status := header[0]
		length := binary.LittleEndian.Uint32(header[1:])
		if pos+headerSize+uint64(length) > fileLen {
			break // truncated payload from a crash mid-write
		}

		if status == recordActive {
			data := make([]byte, length)
			if _, err := s.file.ReadAt(data, int64(pos)+headerSize); err != nil {
				return err
			}
			plaintext, err := s.maybeDecrypt(data)
			if err != nil {
				return err
			}
			if err := fn(DocLocation{Offset: pos, Length: length}, plaintext); err != nil {
				return err
			}
		}

		pos += headerSize + uint64(length)
	}
	return nil
}

// ScanReadonlyWhile scans the file sequentially through an independent
// read-only handle with a large buffered reader, so other reads and writes
// proceed concurrently. The callback returns true to continue or false to
// stop early.
func (s *Storage) ScanReadonlyWhile(fn func(plaintext []byte) (bool, error)) error {
	file, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	fileLen := uint64(info.Size())

	reader := bufio.NewReaderSize(file, 256*1024)
	var pos uint64
	var header [headerSize]byte
	buf := make([]byte, 0, 4096)

	for pos < fileLen {
		if pos+headerSize > fileLen {
			break
		}
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			break
		}
		status := header[0]
		length := binary.LittleEndian.Uint32(header[1:])
		if pos+headerSize+uint64(length) > fileLen {
			break
		}

		if status == recordActive {
			if cap(buf) < int(length) {
				buf = make([]byte, length)
			}
			buf = buf[:length]
			if _, err := io.ReadFull(reader, buf); err != nil {
				break
			}
			plaintext, err := s.maybeDecrypt(buf)
			if err != nil {
				return err
			}
			cont, err := fn(plaintext)
			if err != nil {
				return err
			}
			if !cont {
				break
			}
		} else {
			if _, err := reader.Discard(int(length)); err != nil {
				break
			}
		}

		pos += headerSize + uint64(length)
	}
	return nil
}
