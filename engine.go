// Package oxidb implements an embedded document database engine: per
// collection an append-only data file with soft deletes, a write-ahead log
// with idempotent replay, and an in-memory index set (B-tree field indexes,
// composite indexes, full-text postings, flat/HNSW vector indexes); plus a
// query executor with index planning, an aggregation pipeline, optimistic
// multi-collection transactions anchored on a global commit log, and an
// append-only blob store with its own inverted index.
package oxidb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/oxidb/oxidb/blob"
	"github.com/oxidb/oxidb/fts"
	"github.com/oxidb/oxidb/internal/log"
	"github.com/oxidb/oxidb/internal/txlog"
	"github.com/oxidb/oxidb/security"
	"github.com/oxidb/oxidb/vector"
)

// collHandle wraps a collection behind its own reader/writer lock so reads
// on different collections never contend and reads on the same collection
// run concurrently.
type collHandle struct {
	mu  sync.RWMutex
	col *Collection
}

// Procedure is a named callable the scheduler (or a host) can invoke.
type Procedure func(e *Engine, params Document) error

// Engine is the multi-collection database instance rooted at one data
// directory.
type Engine struct {
	dataDir string
	opts    Options

	mu          sync.RWMutex
	collections map[string]*collHandle
	closed      bool

	encryption *security.Key
	commitLog  *txlog.CommitLog
	blobs      *blob.Store
	blobFTS    *fts.BlobIndex
	broker     *ChangeStreamBroker
	dirLock    *flock.Flock

	nextTxID atomic.Uint64
	txMu     sync.Mutex
	activeTx map[uint64]*Transaction

	procMu     sync.RWMutex
	procedures map[string]Procedure
	schedStop  chan struct{}
	schedDone  chan struct{}

	logger zerolog.Logger
}

// Open opens or creates a database at the given directory with default
// options.
func Open(dataDir string) (*Engine, error) {
	return OpenWithOptions(dataDir, Options{})
}

// OpenWithOptions opens or creates a database. Crash recovery runs here:
// the commit log is read first, each existing collection replays its WAL
// filtered by the committed set, and the commit log is cleared once every
// named transaction is fully applied.
func OpenWithOptions(dataDir string, opts Options) (*Engine, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	if opts.LogLevel != nil {
		log.Logger = log.Logger.Level(*opts.LogLevel)
	}

	dirLock := flock.New(filepath.Join(dataDir, "LOCK"))
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("data directory %s is locked by another process", dataDir)
	}

	var key *security.Key
	switch {
	case len(opts.EncryptionKey) > 0:
		key, err = security.NewKey(opts.EncryptionKey)
	case opts.EncryptionKeyPath != "":
		key, err = security.LoadKeyFromFile(opts.EncryptionKeyPath)
	}
	if err != nil {
		dirLock.Unlock()
		return nil, err
	}

	commitLog, err := txlog.Open(dataDir)
	if err != nil {
		dirLock.Unlock()
		return nil, err
	}
	committed, err := commitLog.ReadCommitted()
	if err != nil {
		commitLog.Close()
		dirLock.Unlock()
		return nil, err
	}

	e := &Engine{
		dataDir:     dataDir,
		opts:        opts,
		collections: make(map[string]*collHandle),
		encryption:  key,
		commitLog:   commitLog,
		broker:      NewChangeStreamBroker(),
		dirLock:     dirLock,
		activeTx:    make(map[uint64]*Transaction),
		procedures:  make(map[string]Procedure),
		logger:      log.WithComponent("engine"),
	}

	// Open every existing collection so its WAL replays against the
	// committed-transaction set.
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		e.closeOnOpenFailure()
		return nil, err
	}
	for _, entry := range entries {
		name, isDat := strings.CutSuffix(entry.Name(), ".dat")
		if !isDat || entry.IsDir() {
			continue
		}
		col, err := openCollection(name, dataDir, committed, key, e.broker, !opts.DisableIndexCaches)
		if err != nil {
			e.closeOnOpenFailure()
			return nil, fmt.Errorf("failed to open collection %s: %w", name, err)
		}
		e.collections[name] = &collHandle{col: col}
	}

	// Every committed transaction the log named is now fully applied.
	if err := commitLog.Clear(); err != nil {
		e.closeOnOpenFailure()
		return nil, err
	}

	e.blobs, err = blob.OpenWithEncryption(dataDir, key)
	if err != nil {
		e.closeOnOpenFailure()
		return nil, err
	}
	e.blobFTS, err = fts.OpenBlobIndex(dataDir)
	if err != nil {
		e.closeOnOpenFailure()
		return nil, err
	}

	e.logger.Info().
		Str("data_dir", dataDir).
		Int("collections", len(e.collections)).
		Int("recovered_txs", len(committed)).
		Msg("engine opened")
	return e, nil
}

func (e *Engine) closeOnOpenFailure() {
	for _, handle := range e.collections {
		handle.col.Close()
	}
	e.commitLog.Close()
	e.dirLock.Unlock()
}

// Close stops the scheduler, persists index caches, and releases every file
// handle and the directory lock.
func (e *Engine) Close() error {
	e.StopScheduler()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	for name, handle := range e.collections {
		handle.mu.Lock()
		if !e.opts.DisableIndexCaches {
			if err := handle.col.saveIndexCaches(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to save index caches for %s: %w", name, err)
			}
		}
		if err := handle.col.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		handle.mu.Unlock()
	}
	if err := e.commitLog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.dirLock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// -- Collection registry -----------------------------------------------------

func (e *Engine) getOrCreateCollection(name string) (*collHandle, error) {
	e.mu.RLock()
	if handle, ok := e.collections[name]; ok {
		e.mu.RUnlock()
		return handle, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if handle, ok := e.collections[name]; ok {
		return handle, nil
	}
	col, err := openCollection(name, e.dataDir, nil, e.encryption, e.broker, !e.opts.DisableIndexCaches)
	if err != nil {
		return nil, err
	}
	handle := &collHandle{col: col}
	e.collections[name] = handle
	return handle, nil
}

// CreateCollection registers a new, empty collection.
func (e *Engine) CreateCollection(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.collections[name]; exists {
		return &CollectionExistsError{Name: name}
	}
	col, err := openCollection(name, e.dataDir, nil, e.encryption, e.broker, !e.opts.DisableIndexCaches)
	if err != nil {
		return err
	}
	e.collections[name] = &collHandle{col: col}
	return nil
}

// ListCollections returns the names of registered collections.
func (e *Engine) ListCollections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	return names
}

// DropCollection unregisters a collection and deletes its files.
func (e *Engine) DropCollection(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if handle, ok := e.collections[name]; ok {
		handle.mu.Lock()
		handle.col.Close()
		handle.mu.Unlock()
		delete(e.collections, name)
	}
	for _, ext := range []string{".dat", ".wal", ".fidx", ".cidx", ".vidx"} {
		path := filepath.Join(e.dataDir, name+ext)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// -- Document operations -----------------------------------------------------

// Insert adds a document to a collection (auto-created on first use) and
// returns its id.
func (e *Engine) Insert(collection string, doc Document) (uint64, error) {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return 0, err
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.col.Insert(doc)
}

// InsertMany inserts a batch atomically.
func (e *Engine) InsertMany(collection string, docs []Document) ([]uint64, error) {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return nil, err
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.col.InsertMany(docs)
}

// Find returns documents matching the query.
func (e *Engine) Find(collection string, queryDoc Document) ([]Document, error) {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return nil, err
	}
	handle.mu.RLock()
	defer handle.mu.RUnlock()
	return handle.col.Find(queryDoc)
}

// FindWithOptions returns matching documents with sort/skip/limit applied.
func (e *Engine) FindWithOptions(collection string, queryDoc Document, opts FindOptions) ([]Document, error) {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return nil, err
	}
	handle.mu.RLock()
	defer handle.mu.RUnlock()
	return handle.col.FindWithOptions(queryDoc, opts)
}

// FindOne returns the first matching document, or nil.
func (e *Engine) FindOne(collection string, queryDoc Document) (Document, error) {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return nil, err
	}
	handle.mu.RLock()
	defer handle.mu.RUnlock()
	return handle.col.FindOne(queryDoc)
}

// Get returns a document by id, failing with NotFoundError when absent.
func (e *Engine) Get(collection string, id uint64) (Document, error) {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return nil, err
	}
	handle.mu.RLock()
	defer handle.mu.RUnlock()
	doc, err := handle.col.Get(id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, &NotFoundError{ID: id}
	}
	return doc, nil
}

// Count counts documents matching the query.
func (e *Engine) Count(collection string, queryDoc Document) (int, error) {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return 0, err
	}
	handle.mu.RLock()
	defer handle.mu.RUnlock()
	return handle.col.CountMatching(queryDoc)
}

// Update applies update operators to every matching document. limit 0 means
// all matches; 1 gives update-one semantics.
func (e *Engine) Update(collection string, queryDoc, updateDoc Document, limit int) (uint64, error) {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return 0, err
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.col.Update(queryDoc, updateDoc, limit)
}

// Delete removes matching documents. limit 0 means all matches.
func (e *Engine) Delete(collection string, queryDoc Document, limit int) (uint64, error) {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return 0, err
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.col.Delete(queryDoc, limit)
}

// Compact rewrites a collection's data file, dropping soft-deleted records.
func (e *Engine) Compact(collection string) (CompactStats, error) {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return CompactStats{}, err
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.col.Compact()
}

// -- Index operations --------------------------------------------------------

// CreateIndex creates a single-field index.
func (e *Engine) CreateIndex(collection, field string) error {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return err
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.col.CreateIndex(field)
}

// CreateUniqueIndex creates a unique single-field index.
func (e *Engine) CreateUniqueIndex(collection, field string) error {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return err
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.col.CreateUniqueIndex(field)
}

// CreateCompositeIndex creates a multi-field index and returns its name.
func (e *Engine) CreateCompositeIndex(collection string, fields []string) (string, error) {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return "", err
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.col.CreateCompositeIndex(fields)
}

// CreateTextIndex creates the collection's full-text index.
func (e *Engine) CreateTextIndex(collection string, fields []string) error {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return err
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.col.CreateTextIndex(fields)
}

// CreateVectorIndex creates a vector index on a field. metric is one of
// "cosine", "euclidean", "dotproduct".
func (e *Engine) CreateVectorIndex(collection, field string, dimension int, metric string) error {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return err
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.col.CreateVectorIndex(field, dimension, vector.ParseMetric(metric))
}

// DropIndex removes an index by name.
func (e *Engine) DropIndex(collection, name string) error {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return err
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.col.DropIndex(name)
}

// ListIndexes lists a collection's indexes.
func (e *Engine) ListIndexes(collection string) ([]IndexInfo, error) {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return nil, err
	}
	handle.mu.RLock()
	defer handle.mu.RUnlock()
	return handle.col.ListIndexes(), nil
}

// TextSearch ranks a collection's documents against its text index.
func (e *Engine) TextSearch(collection, queryText string, limit int) ([]Document, error) {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return nil, err
	}
	handle.mu.RLock()
	defer handle.mu.RUnlock()
	return handle.col.TextSearch(queryText, limit)
}

// VectorSearch returns the k nearest documents by a vector index.
// efSearch <= 0 uses the default search width.
func (e *Engine) VectorSearch(collection, field string, queryVec []float32, k, efSearch int) ([]Document, error) {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return nil, err
	}
	handle.mu.RLock()
	defer handle.mu.RUnlock()
	return handle.col.VectorSearch(field, queryVec, k, efSearch)
}

// SetSchema installs a JSON schema on a collection.
func (e *Engine) SetSchema(collection, schemaStr string) error {
	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return err
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.col.SetSchema(schemaStr)
}

// -- Aggregation -------------------------------------------------------------

// Aggregate runs a pipeline over a collection. A leading $match is pushed
// down into the collection read so indexes apply before pipeline execution.
func (e *Engine) Aggregate(collection string, stages []Document) ([]Document, error) {
	p, err := parsePipeline(stages)
	if err != nil {
		return nil, err
	}
	leadingMatch, startIdx := p.takeLeadingMatch()

	initial, err := e.Find(collection, leadingMatch)
	if err != nil {
		return nil, err
	}

	lookup := func(foreign string, q Document) ([]Document, error) {
		return e.Find(foreign, q)
	}
	return p.executeFrom(startIdx, initial, lookup)
}

// -- Change streams ----------------------------------------------------------

// Watch subscribes to mutation events. buffer sizes the subscriber channel;
// resumeAfter > 0 replays buffered events after that token.
func (e *Engine) Watch(filter WatchFilter, buffer int, resumeAfter uint64) (*WatchHandle, error) {
	return e.broker.Subscribe(filter, buffer, resumeAfter)
}

// -- Blob store --------------------------------------------------------------

// CreateBucket creates a blob bucket.
func (e *Engine) CreateBucket(name string) error { return e.blobs.CreateBucket(name) }

// ListBuckets lists blob buckets.
func (e *Engine) ListBuckets() []string { return e.blobs.ListBuckets() }

// DeleteBucket removes a bucket and its objects.
func (e *Engine) DeleteBucket(name string) error { return e.blobs.DeleteBucket(name) }

// PutObject stores a blob and feeds the blob text index when the payload's
// content type is extractable.
func (e *Engine) PutObject(bucket, key string, data []byte, contentType string, metadata map[string]string) (*blob.ObjectMeta, error) {
	meta, err := e.blobs.PutObject(bucket, key, data, contentType, metadata)
	if err != nil {
		return nil, err
	}
	if text, ok := fts.ExtractText(data, contentType); ok {
		if err := e.blobFTS.IndexDocument(bucket, key, text); err != nil {
			e.logger.Warn().Err(err).Str("bucket", bucket).Str("key", key).Msg("blob text indexing failed")
		}
	}
	return meta, nil
}

// GetObject returns a blob's payload and metadata.
func (e *Engine) GetObject(bucket, key string) ([]byte, *blob.ObjectMeta, error) {
	return e.blobs.GetObject(bucket, key)
}

// HeadObject returns a blob's metadata.
func (e *Engine) HeadObject(bucket, key string) (*blob.ObjectMeta, error) {
	return e.blobs.HeadObject(bucket, key)
}

// DeleteObject removes a blob and its text-index entry.
func (e *Engine) DeleteObject(bucket, key string) error {
	if err := e.blobs.DeleteObject(bucket, key); err != nil {
		return err
	}
	if err := e.blobFTS.RemoveDocument(bucket, key); err != nil {
		e.logger.Warn().Err(err).Str("bucket", bucket).Str("key", key).Msg("blob text unindexing failed")
	}
	return nil
}

// ListObjects lists blob metadata by key order, optionally under a prefix.
func (e *Engine) ListObjects(bucket, prefix string, limit int) ([]*blob.ObjectMeta, error) {
	return e.blobs.ListObjects(bucket, prefix, limit)
}

// SearchObjects ranks blobs against the blob text index. bucket "" searches
// all buckets.
func (e *Engine) SearchObjects(queryText, bucket string, limit int) []fts.BlobResult {
	return e.blobFTS.Search(bucket, queryText, limit)
}
