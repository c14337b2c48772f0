// Package blob implements the per-bucket object store. Each object is two
// files under <data_dir>/_blobs/<bucket>/: <id>.data holding the payload and
// <id>.meta holding serialized metadata. Ids are opaque, increasing, and
// survive restarts with gaps preserved.
package blob

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/oxidb/oxidb/internal/log"
	"github.com/oxidb/oxidb/security"
)

// BucketNotFoundError reports an operation against an unknown bucket.
type BucketNotFoundError struct {
	Bucket string
}

func (e *BucketNotFoundError) Error() string {
	return "bucket not found: " + e.Bucket
}

// NotFoundError reports a missing object key within an existing bucket.
type NotFoundError struct {
	Bucket string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("blob not found: %s/%s", e.Bucket, e.Key)
}

// ObjectMeta is the metadata stored alongside each object payload.
type ObjectMeta struct {
	Key         string            `json:"key"`
	Bucket      string            `json:"bucket"`
	Size        uint64            `json:"size"`
	ContentType string            `json:"content_type"`
	ETag        string            `json:"etag"`
	CreatedAt   string            `json:"created_at"`
	Metadata    map[string]string `json:"metadata"`
}

type bucketState struct {
	keys   map[string]uint64
	nextID uint64
}

// Store is the blob store rooted at <data_dir>/_blobs.
type Store struct {
	baseDir    string
	mu         sync.RWMutex
	buckets    map[string]*bucketState
	encryption *security.Key
	logger     zerolog.Logger
}

// Open opens the blob store without encryption.
func Open(dataDir string) (*Store, error) {
	return OpenWithEncryption(dataDir, nil)
}

// OpenWithEncryption opens the blob store, scanning every bucket directory
// to rebuild the key→id maps from the .meta files.
func OpenWithEncryption(dataDir string, key *security.Key) (*Store, error) {
	baseDir := filepath.Join(dataDir, "_blobs")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}

	store := &Store{
		baseDir:    baseDir,
		buckets:    make(map[string]*bucketState),
		encryption: key,
		logger:     log.WithComponent("blobstore"),
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		state, err := store.scanBucket(filepath.Join(baseDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to scan bucket %s: %w", entry.Name(), err)
		}
		store.buckets[entry.Name()] = state
	}

	store.logger.Debug().Int("buckets", len(store.buckets)).Msg("blob store opened")
	return store, nil
}

// scanBucket rebuilds one bucket's key→id map from its .meta files and takes
// next_id = max(id)+1, preserving id gaps across restarts.
func (s *Store) scanBucket(bucketPath string) (*bucketState, error) {
	state := &bucketState{keys: make(map[string]uint64)}

	entries, err := os.ReadDir(bucketPath)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		name := entry.Name()
		idStr, isMeta := strings.CutSuffix(name, ".meta")
		if !isMeta {
			continue
		}
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		meta, err := s.readMeta(filepath.Join(bucketPath, name))
		if err != nil {
			return nil, err
		}
		state.keys[meta.Key] = id
		if id >= state.nextID {
			state.nextID = id + 1
		}
	}
	return state, nil
}

func (s *Store) readMeta(path string) (*ObjectMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if s.encryption != nil {
		raw, err = s.encryption.Decrypt(raw)
		if err != nil {
			return nil, err
		}
	}
	var meta ObjectMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *Store) bucketPath(bucket string) string {
	return filepath.Join(s.baseDir, bucket)
}

func (s *Store) dataPath(bucket string, id uint64) string {
	return filepath.Join(s.baseDir, bucket, fmt.Sprintf("%d.data", id))
}

func (s *Store) metaPath(bucket string, id uint64) string {
	return filepath.Join(s.baseDir, bucket, fmt.Sprintf("%d.meta", id))
}

// CreateBucket creates a bucket directory; existing buckets are untouched.
func (s *Store) CreateBucket(name string) error {
	if err := os.MkdirAll(s.bucketPath(name), 0o755); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		s.buckets[name] = &bucketState{keys: make(map[string]uint64)}
	}
	return nil
}

// ListBuckets returns bucket names sorted lexicographically.
func (s *Store) ListBuckets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeleteBucket evicts the bucket and removes its directory.
func (s *Store) DeleteBucket(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		return &BucketNotFoundError{Bucket: name}
	}
	if err := os.RemoveAll(s.bucketPath(name)); err != nil {
		return err
	}
	delete(s.buckets, name)
	return nil
}

// PutObject stores an object, auto-creating the bucket. Re-putting an
// existing key reuses its id; a new key allocates the next id. The etag is
// the CRC32 of the plaintext payload.
func (s *Store) PutObject(bucket, key string, data []byte, contentType string, metadata map[string]string) (*ObjectMeta, error) {
	if err := os.MkdirAll(s.bucketPath(bucket), 0o755); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.buckets[bucket]
	if !ok {
		state = &bucketState{keys: make(map[string]uint64)}
		s.buckets[bucket] = state
	}

	id, exists := state.keys[key]
	if !exists {
		id = state.nextID
		state.nextID++
		state.keys[key] = id
	}

	if metadata == nil {
		metadata = map[string]string{}
	}
	meta := &ObjectMeta{
		Key:         key,
		Bucket:      bucket,
		Size:        uint64(len(data)),
		ContentType: contentType,
		ETag:        fmt.Sprintf("%08x", crc32.ChecksumIEEE(data)),
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		Metadata:    metadata,
	}

	payload := data
	if s.encryption != nil {
		sealed, err := s.encryption.Encrypt(data)
		if err != nil {
			return nil, err
		}
		payload = sealed
	}
	if err := os.WriteFile(s.dataPath(bucket, id), payload, 0o644); err != nil {
		return nil, err
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if s.encryption != nil {
		metaJSON, err = s.encryption.Encrypt(metaJSON)
		if err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(s.metaPath(bucket, id), metaJSON, 0o644); err != nil {
		return nil, err
	}

	return meta, nil
}

// GetObject returns an object's plaintext payload and metadata.
func (s *Store) GetObject(bucket, key string) ([]byte, *ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, err := s.lookup(bucket, key)
	if err != nil {
		return nil, nil, err
	}

	data, err := os.ReadFile(s.dataPath(bucket, id))
	if err != nil {
		return nil, nil, err
	}
	if s.encryption != nil {
		data, err = s.encryption.Decrypt(data)
		if err != nil {
			return nil, nil, err
		}
	}
	meta, err := s.readMeta(s.metaPath(bucket, id))
	if err != nil {
		return nil, nil, err
	}
	return data, meta, nil
}

// HeadObject returns an object's metadata without reading the payload.
func (s *Store) HeadObject(bucket, key string) (*ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, err := s.lookup(bucket, key)
	if err != nil {
		return nil, err
	}
	return s.readMeta(s.metaPath(bucket, id))
}

// DeleteObject removes an object's files and its key mapping.
func (s *Store) DeleteObject(bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.buckets[bucket]
	if !ok {
		return &BucketNotFoundError{Bucket: bucket}
	}
	id, ok := state.keys[key]
	if !ok {
		return &NotFoundError{Bucket: bucket, Key: key}
	}
	delete(state.keys, key)

	if err := os.Remove(s.dataPath(bucket, id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.metaPath(bucket, id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListObjects returns object metadata sorted by key, optionally restricted
// to a key prefix. limit <= 0 defaults to 1000.
func (s *Store) ListObjects(bucket, prefix string, limit int) ([]*ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.buckets[bucket]
	if !ok {
		return nil, &BucketNotFoundError{Bucket: bucket}
	}

	type keyID struct {
		key string
		id  uint64
	}
	matching := make([]keyID, 0, len(state.keys))
	for key, id := range state.keys {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		matching = append(matching, keyID{key, id})
	}
	sort.Slice(matching, func(i, j int) bool { return matching[i].key < matching[j].key })

	if limit <= 0 {
		limit = 1000
	}
	if len(matching) > limit {
		matching = matching[:limit]
	}

	results := make([]*ObjectMeta, 0, len(matching))
	for _, kv := range matching {
		meta, err := s.readMeta(s.metaPath(bucket, kv.id))
		if err != nil {
			return nil, err
		}
		results = append(results, meta)
	}
	return results, nil
}

func (s *Store) lookup(bucket, key string) (uint64, error) {
	state, ok := s.buckets[bucket]
	if !ok {
		return 0, &BucketNotFoundError{Bucket: bucket}
	}
	id, ok := state.keys[key]
	if !ok {
		return 0, &NotFoundError{Bucket: bucket, Key: key}
	}
	return id, nil
}
