package index

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/natefinch/atomic"

	"github.com/oxidb/oxidb/vector"
)

// Index cache files let a collection skip index rebuild on warm start.
// Framing: [magic "OXIX"][version u32][doc_count u64][next_id u64]
// [body_crc u32][body_len u64][body]. Any mismatch invalidates the cache and
// the collection rebuilds from its document cache.

var cacheMagic = []byte("OXIX")

const (
	cacheVersion    uint32 = 1
	cacheHeaderSize        = 36
)

// SaveFieldIndexes writes field indexes to a .fidx file atomically. An empty
// index list removes any stale cache file instead.
func SaveFieldIndexes(path string, indexes []*FieldIndex, docCount, nextID uint64) error {
	if len(indexes) == 0 {
		os.Remove(path)
		return nil
	}
	var body bytes.Buffer
	writeU32(&body, uint32(len(indexes)))
	for _, idx := range indexes {
		if err := idx.WriteTo(&body); err != nil {
			return err
		}
	}
	return writeCacheFile(path, body.Bytes(), docCount, nextID)
}

// LoadFieldIndexes reads a .fidx file. Returns nil if the file is missing,
// corrupt, or stale relative to (docCount, nextID).
func LoadFieldIndexes(path string, docCount, nextID uint64) []*FieldIndex {
	body, ok := loadCacheBody(path, docCount, nextID)
	if !ok {
		return nil
	}
	r := bytes.NewReader(body)
	count, err := readU32(r)
	if err != nil {
		return nil
	}
	indexes := make([]*FieldIndex, 0, count)
	for i := uint32(0); i < count; i++ {
		idx, err := ReadFieldIndex(r)
		if err != nil {
			return nil
		}
		indexes = append(indexes, idx)
	}
	return indexes
}

// SaveCompositeIndexes writes composite indexes to a .cidx file atomically.
func SaveCompositeIndexes(path string, indexes []*CompositeIndex, docCount, nextID uint64) error {
	if len(indexes) == 0 {
		os.Remove(path)
		return nil
	}
	var body bytes.Buffer
	writeU32(&body, uint32(len(indexes)))
	for _, idx := range indexes {
		if err := idx.WriteTo(&body); err != nil {
			return err
		}
	}
	return writeCacheFile(path, body.Bytes(), docCount, nextID)
}

// LoadCompositeIndexes reads a .cidx file; nil on any mismatch.
func LoadCompositeIndexes(path string, docCount, nextID uint64) []*CompositeIndex {
	body, ok := loadCacheBody(path, docCount, nextID)
	if !ok {
		return nil
	}
	r := bytes.NewReader(body)
	count, err := readU32(r)
	if err != nil {
		return nil
	}
	indexes := make([]*CompositeIndex, 0, count)
	for i := uint32(0); i < count; i++ {
		idx, err := ReadCompositeIndex(r)
		if err != nil {
			return nil
		}
		indexes = append(indexes, idx)
	}
	return indexes
}

// SaveVectorIndexes writes vector indexes to a .vidx file atomically.
func SaveVectorIndexes(path string, indexes []*vector.Index, docCount, nextID uint64) error {
	if len(indexes) == 0 {
		os.Remove(path)
		return nil
	}
	var body bytes.Buffer
	writeU32(&body, uint32(len(indexes)))
	for _, idx := range indexes {
		if err := idx.WriteTo(&body); err != nil {
			return err
		}
	}
	return writeCacheFile(path, body.Bytes(), docCount, nextID)
}

// LoadVectorIndexes reads a .vidx file; nil on any mismatch. A loaded index
// rebuilds its proximity graph during the read if it holds at least the
// build threshold of vectors.
func LoadVectorIndexes(path string, docCount, nextID uint64) []*vector.Index {
	body, ok := loadCacheBody(path, docCount, nextID)
	if !ok {
		return nil
	}
	r := bytes.NewReader(body)
	count, err := readU32(r)
	if err != nil {
		return nil
	}
	indexes := make([]*vector.Index, 0, count)
	for i := uint32(0); i < count; i++ {
		idx, err := vector.ReadIndex(r)
		if err != nil {
			return nil
		}
		indexes = append(indexes, idx)
	}
	return indexes
}

// writeCacheFile frames the body and writes it atomically (temp + rename).
func writeCacheFile(path string, body []byte, docCount, nextID uint64) error {
	header := make([]byte, 0, cacheHeaderSize)
	header = append(header, cacheMagic...)
	header = binary.LittleEndian.AppendUint32(header, cacheVersion)
	header = binary.LittleEndian.AppendUint64(header, docCount)
	header = binary.LittleEndian.AppendUint64(header, nextID)
	header = binary.LittleEndian.AppendUint32(header, crc32.ChecksumIEEE(body))
	header = binary.LittleEndian.AppendUint64(header, uint64(len(body)))

	return atomic.WriteFile(path, io.MultiReader(bytes.NewReader(header), bytes.NewReader(body)))
}

// loadCacheBody validates the header and CRC; returns the body on success.
func loadCacheBody(path string, docCount, nextID uint64) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if len(data) < cacheHeaderSize {
		return nil, false
	}
	if !bytes.Equal(data[0:4], cacheMagic) {
		return nil, false
	}
	if binary.LittleEndian.Uint32(data[4:8]) != cacheVersion {
		return nil, false
	}
	if binary.LittleEndian.Uint64(data[8:16]) != docCount {
		return nil, false
	}
	if binary.LittleEndian.Uint64(data[16:24]) != nextID {
		return nil, false
	}
	storedCRC := binary.LittleEndian.Uint32(data[24:28])
	bodyLen := binary.LittleEndian.Uint64(data[28:36])
	if uint64(len(data)) < cacheHeaderSize+bodyLen {
		return nil, false
	}
	body := data[cacheHeaderSize : cacheHeaderSize+bodyLen]
	if crc32.ChecksumIEEE(body) != storedCRC {
		return nil, false
	}
	return body, true
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
