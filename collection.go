package oxidb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/oxidb/oxidb/codec"
	"github.com/oxidb/oxidb/fts"
	"github.com/oxidb/oxidb/index"
	"github.com/oxidb/oxidb/internal/log"
	"github.com/oxidb/oxidb/internal/wal"
	"github.com/oxidb/oxidb/security"
	"github.com/oxidb/oxidb/storage"
	"github.com/oxidb/oxidb/vector"
)

// IndexInfo describes one index on a collection.
type IndexInfo struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Fields []string `json:"fields"`
	Unique bool     `json:"unique"`
}

// CompactStats reports the outcome of a compaction run.
type CompactStats struct {
	OldSize  uint64
	NewSize  uint64
	DocsKept int
}

// preparedMutation is one transactional mutation built by the prepare
// phase. The WAL entry carries the transaction id; storage and in-memory
// application happen later under the commit orchestration.
type preparedMutation struct {
	walEntry wal.Entry
	docID    uint64
	newBytes []byte
	oldLoc   *storage.DocLocation
	oldData  Document
	newData  Document
	isDelete bool
}

// Collection is the unit of locking: a data file, its WAL, and the full
// in-memory index set. Mutations become durable in a fixed order: validate →
// WAL log (no fsync) → storage append/mark (no fsync) → storage sync (the
// one fsync) → WAL checkpoint (no fsync) → in-memory apply. The caller (the
// engine's per-collection handle) provides exclusive/shared locking.
type Collection struct {
	name    string
	dataDir string
	storage *storage.Storage
	wal     *wal.Wal

	primary          map[uint64]storage.DocLocation
	versions         map[uint64]uint64
	cache            map[uint64]Document // authoritative for reads; entries are shared-immutable
	fieldIndexes     map[string]*index.FieldIndex
	compositeIndexes []*index.CompositeIndex
	textIndex        *fts.TextIndex
	vectorIndexes    map[string]*vector.Index
	nextID           uint64

	encryption *security.Key
	schema     *gojsonschema.Schema
	broker     *ChangeStreamBroker
	logger     zerolog.Logger
}

// OpenCollection opens a standalone collection without encryption or
// transaction recovery context.
func OpenCollection(name, dataDir string) (*Collection, error) {
	return openCollection(name, dataDir, nil, nil, nil, true)
}

func openCollection(
	name, dataDir string,
	committedTxIDs map[uint64]struct{},
	key *security.Key,
	broker *ChangeStreamBroker,
	useIndexCaches bool,
) (*Collection, error) {
	dataPath := filepath.Join(dataDir, name+".dat")
	walPath := filepath.Join(dataDir, name+".wal")

	st, err := storage.OpenWithEncryption(dataPath, key)
	if err != nil {
		return nil, err
	}
	w, err := wal.OpenWithEncryption(walPath, key)
	if err != nil {
		st.Close()
		return nil, err
	}

	c := &Collection{
		name:          name,
		dataDir:       dataDir,
		storage:       st,
		wal:           w,
		primary:       make(map[uint64]storage.DocLocation),
		versions:      make(map[uint64]uint64),
		cache:         make(map[uint64]Document),
		fieldIndexes:  make(map[string]*index.FieldIndex),
		vectorIndexes: make(map[string]*vector.Index),
		nextID:        1,
		encryption:    key,
		broker:        broker,
		logger:        log.WithCollection(name),
	}

	// Rebuild primary index, version index and document cache from the data
	// file.
	err = st.ForEachActive(func(loc storage.DocLocation, plaintext []byte) error {
		decoded, err := codec.Decode(plaintext)
		if err != nil {
			return err
		}
		doc, ok := decoded.(map[string]any)
		if !ok {
			return nil
		}
		id, ok := docID(doc)
		if !ok {
			return nil
		}
		c.primary[id] = loc
		c.versions[id] = docVersionOf(doc)
		c.cache[id] = doc
		if id >= c.nextID {
			c.nextID = id + 1
		}
		return nil
	})
	if err != nil {
		c.closeFiles()
		return nil, err
	}

	// Replay pending WAL entries, then bring the cache back in line with
	// whatever replay changed.
	if err := w.Recover(st, c.primary, &c.nextID, committedTxIDs, c.versions); err != nil {
		c.closeFiles()
		return nil, err
	}
	if err := c.syncCacheAfterRecovery(); err != nil {
		c.closeFiles()
		return nil, err
	}

	if useIndexCaches {
		c.loadIndexCaches()
	}

	c.logger.Debug().Int("docs", len(c.primary)).Uint64("next_id", c.nextID).Msg("collection opened")
	return c, nil
}

// syncCacheAfterRecovery refreshes cache entries whose version or presence
// changed during WAL replay (the initial scan ran before replay).
func (c *Collection) syncCacheAfterRecovery() error {
	for id := range c.cache {
		if _, live := c.primary[id]; !live {
			delete(c.cache, id)
		}
	}
	for id, loc := range c.primary {
		cached, ok := c.cache[id]
		if ok && docVersionOf(cached) == c.versions[id] {
			continue
		}
		plaintext, err := c.storage.Read(loc)
		if err != nil {
			return err
		}
		decoded, err := codec.Decode(plaintext)
		if err != nil {
			return err
		}
		if doc, ok := decoded.(map[string]any); ok {
			c.cache[id] = doc
		}
	}
	return nil
}

func (c *Collection) closeFiles() {
	c.storage.Close()
	c.wal.Close()
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Count returns the number of live documents.
func (c *Collection) Count() int { return len(c.primary) }

// getVersion returns a document's current version (0 if absent).
func (c *Collection) getVersion(id uint64) uint64 { return c.versions[id] }

// -- Schema -----------------------------------------------------------------

// SetSchema compiles and installs a JSON schema validated on insert and
// update. An empty string clears it.
func (c *Collection) SetSchema(schemaStr string) error {
	if schemaStr == "" {
		c.schema = nil
		return nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaStr))
	if err != nil {
		return fmt.Errorf("invalid json schema: %w", err)
	}
	c.schema = schema
	return nil
}

func (c *Collection) validateSchema(doc Document) error {
	if c.schema == nil {
		return nil
	}
	result, err := c.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return invalidQueryf("document invalid against schema: %v", msgs)
	}
	return nil
}

// -- Index management --------------------------------------------------------

// CreateIndex creates a single-field index, backfilled from the cache.
func (c *Collection) CreateIndex(field string) error {
	if _, exists := c.fieldIndexes[field]; exists {
		return &IndexExistsError{Name: field}
	}
	idx := index.NewFieldIndex(field)
	for id, doc := range c.cache {
		idx.InsertValue(id, doc)
	}
	c.fieldIndexes[field] = idx
	return nil
}

// CreateUniqueIndex creates a unique single-field index; existing data
// violating uniqueness fails the creation.
func (c *Collection) CreateUniqueIndex(field string) error {
	if _, exists := c.fieldIndexes[field]; exists {
		return &IndexExistsError{Name: field}
	}
	idx := index.NewUniqueFieldIndex(field)
	for id, doc := range c.cache {
		if v, ok := index.ResolveField(doc, field); ok {
			if idx.CheckUnique(index.FromAny(v), 0, false) {
				return &UniqueViolationError{Field: field}
			}
		}
		idx.InsertValue(id, doc)
	}
	c.fieldIndexes[field] = idx
	return nil
}

// CreateCompositeIndex creates a multi-field index and returns its name.
func (c *Collection) CreateCompositeIndex(fields []string) (string, error) {
	idx := index.NewCompositeIndex(fields)
	name := idx.Name()
	for _, existing := range c.compositeIndexes {
		if existing.Name() == name {
			return "", &IndexExistsError{Name: name}
		}
	}
	for id, doc := range c.cache {
		idx.InsertValue(id, doc)
	}
	c.compositeIndexes = append(c.compositeIndexes, idx)
	return name, nil
}

// CreateTextIndex creates the collection's full-text index over the given
// fields. A collection has at most one.
func (c *Collection) CreateTextIndex(fields []string) error {
	if c.textIndex != nil {
		return &IndexExistsError{Name: "_text"}
	}
	idx := fts.NewTextIndex(fields)
	for id, doc := range c.cache {
		idx.IndexDoc(id, doc)
	}
	c.textIndex = idx
	return nil
}

// CreateVectorIndex creates a vector index on a field with a fixed
// dimension and metric, backfilled from the cache.
func (c *Collection) CreateVectorIndex(field string, dimension int, metric vector.Metric) error {
	if _, exists := c.vectorIndexes[field]; exists {
		return &IndexExistsError{Name: field}
	}
	idx := vector.New(field, dimension, metric)
	for id, doc := range c.cache {
		if err := idx.Insert(id, doc); err != nil {
			return invalidQueryf("existing document %d: %v", id, err)
		}
	}
	c.vectorIndexes[field] = idx
	return nil
}

// ListIndexes lists every index on the collection.
func (c *Collection) ListIndexes() []IndexInfo {
	var infos []IndexInfo
	for _, idx := range c.fieldIndexes {
		typ := "field"
		if idx.Unique {
			typ = "unique"
		}
		infos = append(infos, IndexInfo{Name: idx.Field, Type: typ, Fields: []string{idx.Field}, Unique: idx.Unique})
	}
	for _, idx := range c.compositeIndexes {
		infos = append(infos, IndexInfo{Name: idx.Name(), Type: "composite", Fields: idx.Fields})
	}
	if c.textIndex != nil {
		infos = append(infos, IndexInfo{Name: "_text", Type: "text", Fields: c.textIndex.Fields()})
	}
	for field, idx := range c.vectorIndexes {
		infos = append(infos, IndexInfo{
			Name: field, Type: "vector",
			Fields: []string{fmt.Sprintf("%s(dim=%d,%s)", field, idx.Dimension, idx.Metric)},
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// DropIndex removes an index by name: a field path, a composite name, the
// "_text" index, or a vector index's field.
func (c *Collection) DropIndex(name string) error {
	if _, ok := c.fieldIndexes[name]; ok {
		delete(c.fieldIndexes, name)
		return nil
	}
	for i, idx := range c.compositeIndexes {
		if idx.Name() == name {
			c.compositeIndexes = append(c.compositeIndexes[:i], c.compositeIndexes[i+1:]...)
			return nil
		}
	}
	if name == "_text" && c.textIndex != nil {
		c.textIndex = nil
		return nil
	}
	if _, ok := c.vectorIndexes[name]; ok {
		delete(c.vectorIndexes, name)
		return nil
	}
	return &IndexNotFoundError{Name: name}
}

// TextSearch ranks documents against the text index. Results are cloned
// cache documents with a _score field added.
func (c *Collection) TextSearch(queryText string, limit int) ([]Document, error) {
	if c.textIndex == nil {
		return nil, invalidQueryf("no text index on this collection; create one with CreateTextIndex")
	}
	hits := c.textIndex.Search(queryText, limit)
	docs := make([]Document, 0, len(hits))
	for _, hit := range hits {
		if cached, ok := c.cache[hit.DocID]; ok {
			doc := CloneDocument(cached)
			doc["_score"] = hit.Score
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// VectorSearch returns the k nearest documents by the named vector index,
// as cloned documents with _distance and _similarity fields added, ordered
// by ascending distance.
func (c *Collection) VectorSearch(field string, queryVec []float32, k, efSearch int) ([]Document, error) {
	idx, ok := c.vectorIndexes[field]
	if !ok {
		return nil, &IndexNotFoundError{Name: field}
	}
	hits, err := idx.Search(queryVec, k, efSearch)
	if err != nil {
		return nil, invalidQueryf("%v", err)
	}
	docs := make([]Document, 0, len(hits))
	for _, hit := range hits {
		if cached, ok := c.cache[hit.DocID]; ok {
			doc := CloneDocument(cached)
			doc["_distance"] = float64(hit.Distance)
			doc["_similarity"] = float64(hit.Similarity)
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// -- Constraint checks -------------------------------------------------------

func (c *Collection) checkUniqueConstraints(data Document, excludeID uint64, hasExclude bool) error {
	for _, idx := range c.fieldIndexes {
		if !idx.Unique {
			continue
		}
		if v, ok := index.ResolveField(data, idx.Field); ok {
			if idx.CheckUnique(index.FromAny(v), excludeID, hasExclude) {
				return &UniqueViolationError{Field: idx.Field}
			}
		}
	}
	return nil
}

// validateVectors checks every vector index's dimension before any durable
// write so a mismatch cannot leave partial state.
func (c *Collection) validateVectors(data Document) error {
	for _, idx := range c.vectorIndexes {
		if vec, ok := vector.ExtractVector(data, idx.Field); ok {
			if len(vec) != idx.Dimension {
				return invalidQueryf("vector dimension mismatch on field '%s': expected %d, got %d",
					idx.Field, idx.Dimension, len(vec))
			}
		}
	}
	return nil
}

// indexDoc adds a document to every secondary index. Vector dimensions were
// validated before the durable write.
func (c *Collection) indexDoc(id uint64, doc Document) {
	for _, idx := range c.fieldIndexes {
		idx.InsertValue(id, doc)
	}
	for _, idx := range c.compositeIndexes {
		idx.InsertValue(id, doc)
	}
	if c.textIndex != nil {
		c.textIndex.IndexDoc(id, doc)
	}
	for _, idx := range c.vectorIndexes {
		_ = idx.Insert(id, doc)
	}
}

// unindexDoc removes a document from every secondary index.
func (c *Collection) unindexDoc(id uint64, doc Document) {
	for _, idx := range c.fieldIndexes {
		idx.RemoveValue(id, doc)
	}
	for _, idx := range c.compositeIndexes {
		idx.RemoveValue(id, doc)
	}
	if c.textIndex != nil {
		c.textIndex.RemoveDoc(id)
	}
	for _, idx := range c.vectorIndexes {
		idx.Remove(id)
	}
}

func (c *Collection) emit(op OperationType, id uint64, doc Document, txID uint64) {
	if c.broker == nil || !c.broker.HasSubscribers() {
		return
	}
	c.broker.emit(ChangeEvent{
		Operation:  op,
		Collection: c.name,
		DocID:      id,
		Document:   doc,
		TxID:       txID,
	})
}

// -- CRUD --------------------------------------------------------------------

// Insert adds a document and returns its assigned id.
func (c *Collection) Insert(data Document) (uint64, error) {
	if data == nil {
		return 0, ErrNotAnObject
	}
	if err := c.validateSchema(data); err != nil {
		return 0, err
	}

	id := c.nextID
	data = CloneDocument(data)
	data["_id"] = int64(id)
	data["_version"] = int64(1)

	// All validation happens before any disk write.
	if err := c.checkUniqueConstraints(data, 0, false); err != nil {
		return 0, err
	}
	if err := c.validateVectors(data); err != nil {
		return 0, err
	}

	c.nextID++

	bytes, err := codec.Encode(data)
	if err != nil {
		return 0, err
	}

	// WAL first (no fsync — the storage append fsyncs), then a lazy
	// checkpoint (stale entries replay idempotently).
	if err := c.wal.LogNoSync(wal.Insert(id, bytes)); err != nil {
		return 0, err
	}
	loc, err := c.storage.Append(bytes)
	if err != nil {
		return 0, err
	}
	if err := c.wal.CheckpointNoSync(); err != nil {
		return 0, err
	}

	c.primary[id] = loc
	c.versions[id] = 1
	c.cache[id] = data
	c.indexDoc(id, data)
	c.emit(OpTypeInsert, id, data, 0)

	return id, nil
}

// InsertMany inserts a batch atomically: every document is validated —
// including intra-batch uniqueness — before any durable write, and the whole
// batch shares one WAL group and one storage fsync.
func (c *Collection) InsertMany(docs []Document) ([]uint64, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	type prepared struct {
		id    uint64
		data  Document
		bytes []byte
	}
	preparedDocs := make([]prepared, 0, len(docs))
	pendingUnique := make(map[string]map[index.Value]uint64)

	for _, data := range docs {
		if data == nil {
			return nil, ErrNotAnObject
		}
		if err := c.validateSchema(data); err != nil {
			return nil, err
		}
		id := c.nextID + uint64(len(preparedDocs))
		data = CloneDocument(data)
		data["_id"] = int64(id)
		data["_version"] = int64(1)

		if err := c.checkUniqueConstraints(data, 0, false); err != nil {
			return nil, err
		}
		if err := c.validateVectors(data); err != nil {
			return nil, err
		}
		for _, idx := range c.fieldIndexes {
			if !idx.Unique {
				continue
			}
			if v, ok := index.ResolveField(data, idx.Field); ok {
				iv := index.FromAny(v)
				fieldMap := pendingUnique[idx.Field]
				if fieldMap == nil {
					fieldMap = make(map[index.Value]uint64)
					pendingUnique[idx.Field] = fieldMap
				}
				if _, dup := fieldMap[iv]; dup {
					return nil, &UniqueViolationError{Field: idx.Field}
				}
				fieldMap[iv] = id
			}
		}

		bytes, err := codec.Encode(data)
		if err != nil {
			return nil, err
		}
		preparedDocs = append(preparedDocs, prepared{id: id, data: data, bytes: bytes})
	}

	entries := make([]wal.Entry, len(preparedDocs))
	for i, p := range preparedDocs {
		entries[i] = wal.Insert(p.id, p.bytes)
	}
	if err := c.wal.LogBatchNoSync(entries); err != nil {
		return nil, err
	}

	locs := make([]storage.DocLocation, len(preparedDocs))
	for i, p := range preparedDocs {
		loc, err := c.storage.AppendNoSync(p.bytes)
		if err != nil {
			return nil, err
		}
		locs[i] = loc
	}
	if err := c.storage.Sync(); err != nil {
		return nil, err
	}
	if err := c.wal.CheckpointNoSync(); err != nil {
		return nil, err
	}

	c.nextID += uint64(len(preparedDocs))
	ids := make([]uint64, len(preparedDocs))
	for i, p := range preparedDocs {
		ids[i] = p.id
		c.primary[p.id] = locs[i]
		c.versions[p.id] = 1
		c.cache[p.id] = p.data
		c.indexDoc(p.id, p.data)
		c.emit(OpTypeInsert, p.id, p.data, 0)
	}
	return ids, nil
}

// Find returns documents matching the query.
func (c *Collection) Find(queryDoc Document) ([]Document, error) {
	return c.FindWithOptions(queryDoc, FindOptions{})
}

// FindWithOptions returns documents matching the query with sort/skip/limit
// applied. Results are shared references into the cache.
func (c *Collection) FindWithOptions(queryDoc Document, opts FindOptions) ([]Document, error) {
	q, err := parseQuery(queryDoc)
	if err != nil {
		return nil, err
	}

	// Fast path: match-all with no sort.
	if q.kind == queryAll && len(opts.Sort) == 0 {
		results := make([]Document, 0, len(c.cache))
		skipped := 0
		for _, doc := range c.cache {
			if skipped < opts.Skip {
				skipped++
				continue
			}
			results = append(results, doc)
			if opts.Limit > 0 && len(results) >= opts.Limit {
				break
			}
		}
		return results, nil
	}

	// Fast path: single-field sort backed by an index. Stream the index in
	// order, filter on the fly, and stop once skip+limit rows are collected
	// — index-backed ORDER BY + LIMIT in bounded memory.
	if len(opts.Sort) == 1 {
		sf := opts.Sort[0]
		if fieldIdx, ok := c.fieldIndexes[sf.Field]; ok {
			need := 0
			if opts.Limit > 0 {
				need = opts.Skip + opts.Limit
			}
			var results []Document
			collect := func(_ index.Value, ids *roaring64.Bitmap) bool {
				iter := ids.Iterator()
				for iter.HasNext() {
					id := iter.Next()
					doc, ok := c.cache[id]
					if !ok || !matchesDoc(q, doc) {
						continue
					}
					results = append(results, doc)
					if need > 0 && len(results) >= need {
						return false
					}
				}
				return true
			}
			if sf.Order == SortAsc {
				fieldIdx.IterAsc(collect)
			} else {
				fieldIdx.IterDesc(collect)
			}
			return applySkipLimit(results, opts.Skip, opts.Limit), nil
		}
	}

	// Standard path: index-accelerated candidates, then post-filter.
	candidates, usedIndex := executeIndexed(q, c.fieldIndexes, c.compositeIndexes)
	skipPostFilter := isFullyIndexed(q, c.fieldIndexes)

	earlyLimit := 0
	if len(opts.Sort) == 0 && opts.Skip == 0 {
		earlyLimit = opts.Limit
	}

	var results []Document
	if usedIndex {
		iter := candidates.Iterator()
		for iter.HasNext() {
			id := iter.Next()
			doc, ok := c.cache[id]
			if !ok {
				continue
			}
			if skipPostFilter || matchesDoc(q, doc) {
				results = append(results, doc)
				if earlyLimit > 0 && len(results) >= earlyLimit {
					break
				}
			}
		}
	} else {
		for _, doc := range c.cache {
			if matchesDoc(q, doc) {
				results = append(results, doc)
				if earlyLimit > 0 && len(results) >= earlyLimit {
					break
				}
			}
		}
	}

	if len(opts.Sort) > 0 {
		results = execSort(results, opts.Sort)
	}
	return applySkipLimit(results, opts.Skip, opts.Limit), nil
}

func applySkipLimit(results []Document, skip, limit int) []Document {
	if skip > 0 {
		if skip >= len(results) {
			return nil
		}
		results = results[skip:]
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// FindOne returns the first matching document, or nil.
func (c *Collection) FindOne(queryDoc Document) (Document, error) {
	q, err := parseQuery(queryDoc)
	if err != nil {
		return nil, err
	}

	if q.kind != queryAll {
		candidates, usedIndex := executeIndexed(q, c.fieldIndexes, c.compositeIndexes)
		if usedIndex {
			skipPostFilter := isFullyIndexed(q, c.fieldIndexes)
			iter := candidates.Iterator()
			for iter.HasNext() {
				id := iter.Next()
				doc, ok := c.cache[id]
				if !ok {
					continue
				}
				if skipPostFilter || matchesDoc(q, doc) {
					return doc, nil
				}
			}
			return nil, nil
		}
	}

	for _, doc := range c.cache {
		if matchesDoc(q, doc) {
			return doc, nil
		}
	}
	return nil, nil
}

// Get returns a document by id, or nil if absent.
func (c *Collection) Get(id uint64) (Document, error) {
	if doc, ok := c.cache[id]; ok {
		return doc, nil
	}
	return nil, nil
}

// Update applies the update operators to every matching document (or the
// first limit matches when limit > 0). If any preparation step fails —
// operator parsing or a unique check — nothing is applied. Returns the
// number updated.
func (c *Collection) Update(queryDoc, updateDoc Document, limit int) (uint64, error) {
	if len(updateDoc) == 0 {
		return 0, invalidQueryf("update must contain at least one operator")
	}

	q, err := parseQuery(queryDoc)
	if err != nil {
		return 0, err
	}

	type updateOp struct {
		id       uint64
		oldLoc   storage.DocLocation
		oldData  Document
		newData  Document
		newBytes []byte
	}

	// Phase 1: collect matches.
	var matches []updateOp
	appendMatch := func(id uint64, doc Document) bool {
		loc, ok := c.primary[id]
		if !ok {
			return true
		}
		matches = append(matches, updateOp{id: id, oldLoc: loc, oldData: doc})
		return limit <= 0 || len(matches) < limit
	}
	candidates, usedIndex := executeIndexed(q, c.fieldIndexes, c.compositeIndexes)
	if usedIndex {
		iter := candidates.Iterator()
		for iter.HasNext() {
			id := iter.Next()
			if doc, ok := c.cache[id]; ok && matchesDoc(q, doc) {
				if !appendMatch(id, doc) {
					break
				}
			}
		}
	} else {
		for id, doc := range c.cache {
			if matchesDoc(q, doc) {
				if !appendMatch(id, doc) {
					break
				}
			}
		}
	}
	if len(matches) == 0 {
		return 0, nil
	}

	// Phase 2: prepare every mutation and validate constraints upfront.
	for i := range matches {
		op := &matches[i]
		newData := CloneDocument(op.oldData)
		if err := applyUpdate(newData, updateDoc); err != nil {
			return 0, err
		}
		newData["_version"] = int64(docVersionOf(newData) + 1)

		if err := c.validateSchema(newData); err != nil {
			return 0, err
		}
		if err := c.checkUniqueConstraints(newData, op.id, true); err != nil {
			return 0, err
		}
		if err := c.validateVectors(newData); err != nil {
			return 0, err
		}
		bytes, err := codec.Encode(newData)
		if err != nil {
			return 0, err
		}
		op.newData = newData
		op.newBytes = bytes
	}

	// Phase 3: WAL the whole group (no fsync), apply to storage, one fsync.
	entries := make([]wal.Entry, len(matches))
	for i, op := range matches {
		entries[i] = wal.Update(op.id, op.newBytes)
	}
	if err := c.wal.LogBatchNoSync(entries); err != nil {
		return 0, err
	}

	newLocs := make([]storage.DocLocation, len(matches))
	for i, op := range matches {
		loc, err := c.storage.AppendNoSync(op.newBytes)
		if err != nil {
			return 0, err
		}
		if err := c.storage.MarkDeletedNoSync(op.oldLoc); err != nil {
			return 0, err
		}
		newLocs[i] = loc
	}
	if err := c.storage.Sync(); err != nil {
		return 0, err
	}
	if err := c.wal.CheckpointNoSync(); err != nil {
		return 0, err
	}

	// Phase 4: in-memory apply.
	for i, op := range matches {
		c.primary[op.id] = newLocs[i]
		c.versions[op.id] = docVersionOf(op.newData)
		c.cache[op.id] = op.newData
		c.unindexDoc(op.id, op.oldData)
		c.indexDoc(op.id, op.newData)
		c.emit(OpTypeUpdate, op.id, nil, 0)
	}
	return uint64(len(matches)), nil
}

// Delete removes every matching document (or the first limit matches),
// soft-deleting their records. Returns the number deleted.
func (c *Collection) Delete(queryDoc Document, limit int) (uint64, error) {
	q, err := parseQuery(queryDoc)
	if err != nil {
		return 0, err
	}

	type deleteOp struct {
		id   uint64
		loc  storage.DocLocation
		data Document
	}
	var ops []deleteOp
	appendMatch := func(id uint64, doc Document) bool {
		loc, ok := c.primary[id]
		if !ok {
			return true
		}
		ops = append(ops, deleteOp{id: id, loc: loc, data: doc})
		return limit <= 0 || len(ops) < limit
	}
	candidates, usedIndex := executeIndexed(q, c.fieldIndexes, c.compositeIndexes)
	if usedIndex {
		iter := candidates.Iterator()
		for iter.HasNext() {
			id := iter.Next()
			if doc, ok := c.cache[id]; ok && matchesDoc(q, doc) {
				if !appendMatch(id, doc) {
					break
				}
			}
		}
	} else {
		for id, doc := range c.cache {
			if matchesDoc(q, doc) {
				if !appendMatch(id, doc) {
					break
				}
			}
		}
	}
	if len(ops) == 0 {
		return 0, nil
	}

	entries := make([]wal.Entry, len(ops))
	for i, op := range ops {
		entries[i] = wal.Delete(op.id)
	}
	if err := c.wal.LogBatchNoSync(entries); err != nil {
		return 0, err
	}
	for _, op := range ops {
		if err := c.storage.MarkDeletedNoSync(op.loc); err != nil {
			return 0, err
		}
	}
	if err := c.storage.Sync(); err != nil {
		return 0, err
	}
	if err := c.wal.CheckpointNoSync(); err != nil {
		return 0, err
	}

	for _, op := range ops {
		delete(c.primary, op.id)
		delete(c.versions, op.id)
		delete(c.cache, op.id)
		c.unindexDoc(op.id, op.data)
		c.emit(OpTypeDelete, op.id, nil, 0)
	}
	return uint64(len(ops)), nil
}

// CountMatching counts documents matching the query, answering from index
// cardinality alone when the predicate maps to a single indexed
// range/equality/IN.
func (c *Collection) CountMatching(queryDoc Document) (int, error) {
	q, err := parseQuery(queryDoc)
	if err != nil {
		return 0, err
	}
	if q.kind == queryAll {
		return len(c.primary), nil
	}

	if count, ok := countIndexed(q, c.fieldIndexes); ok {
		return count, nil
	}

	candidates, usedIndex := executeIndexed(q, c.fieldIndexes, c.compositeIndexes)
	if usedIndex {
		if isFullyIndexed(q, c.fieldIndexes) {
			return int(candidates.GetCardinality()), nil
		}
		count := 0
		iter := candidates.Iterator()
		for iter.HasNext() {
			if doc, ok := c.cache[iter.Next()]; ok && matchesDoc(q, doc) {
				count++
			}
		}
		return count, nil
	}

	count := 0
	for _, doc := range c.cache {
		if matchesDoc(q, doc) {
			count++
		}
	}
	return count, nil
}

// Compact rewrites every active record into a fresh file at new offsets,
// re-encoding through the current codec, renames it over the live file
// atomically, and rebuilds all in-memory state.
func (c *Collection) Compact() (CompactStats, error) {
	if err := c.wal.Checkpoint(); err != nil {
		return CompactStats{}, err
	}

	oldSize := c.storage.FileSize()

	tmpPath := filepath.Join(c.dataDir, c.name+".dat.tmp")
	newStorage, err := storage.OpenWithEncryption(tmpPath, c.encryption)
	if err != nil {
		return CompactStats{}, err
	}

	newPrimary := make(map[uint64]storage.DocLocation)
	var nextID uint64 = 1
	err = c.storage.ForEachActive(func(_ storage.DocLocation, plaintext []byte) error {
		decoded, err := codec.Decode(plaintext)
		if err != nil {
			return err
		}
		doc, ok := decoded.(map[string]any)
		if !ok {
			return invalidQueryf("non-object record during compaction")
		}
		id, ok := docID(doc)
		if !ok {
			return invalidQueryf("document missing _id during compaction")
		}
		newBytes, err := codec.Encode(doc)
		if err != nil {
			return err
		}
		loc, err := newStorage.AppendNoSync(newBytes)
		if err != nil {
			return err
		}
		newPrimary[id] = loc
		if id >= nextID {
			nextID = id + 1
		}
		return nil
	})
	if err != nil {
		newStorage.Close()
		os.Remove(tmpPath)
		return CompactStats{}, err
	}
	if err := newStorage.Sync(); err != nil {
		newStorage.Close()
		os.Remove(tmpPath)
		return CompactStats{}, err
	}

	docsKept := len(newPrimary)
	newSize := newStorage.FileSize()

	datPath := filepath.Join(c.dataDir, c.name+".dat")
	newStorage.Close()
	if err := os.Rename(tmpPath, datPath); err != nil {
		return CompactStats{}, err
	}

	c.storage.Close()
	reopened, err := storage.OpenWithEncryption(datPath, c.encryption)
	if err != nil {
		return CompactStats{}, err
	}
	c.storage = reopened
	c.primary = newPrimary
	c.nextID = nextID

	// Rebuild versions, cache and every secondary index from the new file.
	c.versions = make(map[uint64]uint64, docsKept)
	c.cache = make(map[uint64]Document, docsKept)
	for _, idx := range c.fieldIndexes {
		idx.Clear()
	}
	for _, idx := range c.compositeIndexes {
		idx.Clear()
	}
	if c.textIndex != nil {
		c.textIndex.Clear()
	}
	for _, idx := range c.vectorIndexes {
		idx.Clear()
	}
	for id, loc := range c.primary {
		plaintext, err := c.storage.Read(loc)
		if err != nil {
			return CompactStats{}, err
		}
		decoded, err := codec.Decode(plaintext)
		if err != nil {
			return CompactStats{}, err
		}
		doc, ok := decoded.(map[string]any)
		if !ok {
			continue
		}
		c.versions[id] = docVersionOf(doc)
		c.cache[id] = doc
		c.indexDoc(id, doc)
	}

	if err := c.wal.Checkpoint(); err != nil {
		return CompactStats{}, err
	}

	stats := CompactStats{OldSize: oldSize, NewSize: newSize, DocsKept: docsKept}
	c.logger.Info().
		Uint64("old_size", stats.OldSize).
		Uint64("new_size", stats.NewSize).
		Int("docs_kept", stats.DocsKept).
		Msg("compaction finished")
	return stats, nil
}

// -- Transactional prepare/apply hooks ---------------------------------------

// logWALBatch writes entries with a group fsync (used during transactional
// commit, before the commit-log marker lands).
func (c *Collection) logWALBatch(entries []wal.Entry) error {
	return c.wal.LogBatch(entries)
}

// checkpointWAL truncates the WAL with fsync (after transactional apply).
func (c *Collection) checkpointWAL() error {
	return c.wal.Checkpoint()
}

// prepareTxInsert validates and serializes a transactional insert without
// touching WAL or storage.
func (c *Collection) prepareTxInsert(data Document, txID uint64) (*preparedMutation, error) {
	if data == nil {
		return nil, ErrNotAnObject
	}
	if err := c.validateSchema(data); err != nil {
		return nil, err
	}

	id := c.nextID
	data = CloneDocument(data)
	data["_id"] = int64(id)
	data["_version"] = int64(1)

	if err := c.checkUniqueConstraints(data, 0, false); err != nil {
		return nil, err
	}
	if err := c.validateVectors(data); err != nil {
		return nil, err
	}
	c.nextID++

	bytes, err := codec.Encode(data)
	if err != nil {
		return nil, err
	}
	return &preparedMutation{
		walEntry: wal.Entry{Op: wal.OpInsert, TxID: txID, DocID: id, DocBytes: bytes},
		docID:    id,
		newBytes: bytes,
		newData:  data,
	}, nil
}

// prepareTxUpdate builds prepared mutations for every matching document.
func (c *Collection) prepareTxUpdate(queryDoc, updateDoc Document, txID uint64) ([]*preparedMutation, error) {
	if len(updateDoc) == 0 {
		return nil, invalidQueryf("update must contain at least one operator")
	}
	q, err := parseQuery(queryDoc)
	if err != nil {
		return nil, err
	}

	var mutations []*preparedMutation
	process := func(id uint64, cached Document, oldLoc storage.DocLocation) error {
		if !matchesDoc(q, cached) {
			return nil
		}
		newData := CloneDocument(cached)
		if err := applyUpdate(newData, updateDoc); err != nil {
			return err
		}
		newData["_version"] = int64(docVersionOf(newData) + 1)
		if err := c.validateSchema(newData); err != nil {
			return err
		}
		if err := c.checkUniqueConstraints(newData, id, true); err != nil {
			return err
		}
		if err := c.validateVectors(newData); err != nil {
			return err
		}
		newBytes, err := codec.Encode(newData)
		if err != nil {
			return err
		}
		loc := oldLoc
		mutations = append(mutations, &preparedMutation{
			walEntry: wal.Entry{Op: wal.OpUpdate, TxID: txID, DocID: id, DocBytes: newBytes},
			docID:    id,
			newBytes: newBytes,
			oldLoc:   &loc,
			oldData:  cached,
			newData:  newData,
		})
		return nil
	}

	if err := c.forEachCandidate(q, process); err != nil {
		return nil, err
	}
	return mutations, nil
}

// prepareTxDelete builds prepared deletes for every matching document.
func (c *Collection) prepareTxDelete(queryDoc Document, txID uint64) ([]*preparedMutation, error) {
	q, err := parseQuery(queryDoc)
	if err != nil {
		return nil, err
	}

	var mutations []*preparedMutation
	process := func(id uint64, cached Document, loc storage.DocLocation) error {
		if !matchesDoc(q, cached) {
			return nil
		}
		l := loc
		mutations = append(mutations, &preparedMutation{
			walEntry: wal.Entry{Op: wal.OpDelete, TxID: txID, DocID: id},
			docID:    id,
			oldLoc:   &l,
			oldData:  cached,
			isDelete: true,
		})
		return nil
	}
	if err := c.forEachCandidate(q, process); err != nil {
		return nil, err
	}
	return mutations, nil
}

func (c *Collection) forEachCandidate(q query, fn func(id uint64, doc Document, loc storage.DocLocation) error) error {
	candidates, usedIndex := executeIndexed(q, c.fieldIndexes, c.compositeIndexes)
	if usedIndex {
		iter := candidates.Iterator()
		for iter.HasNext() {
			id := iter.Next()
			loc, ok := c.primary[id]
			if !ok {
				continue
			}
			doc, ok := c.cache[id]
			if !ok {
				continue
			}
			if err := fn(id, doc, loc); err != nil {
				return err
			}
		}
		return nil
	}
	for id, doc := range c.cache {
		loc, ok := c.primary[id]
		if !ok {
			continue
		}
		if err := fn(id, doc, loc); err != nil {
			return err
		}
	}
	return nil
}

// applyPrepared applies a batch of prepared mutations to storage (one fsync)
// and to the in-memory state. WAL entries and the commit marker were already
// written by the caller.
func (c *Collection) applyPrepared(mutations []*preparedMutation) error {
	for _, m := range mutations {
		if m.oldLoc != nil {
			if err := c.storage.MarkDeletedNoSync(*m.oldLoc); err != nil {
				return err
			}
		}
	}
	newLocs := make([]*storage.DocLocation, len(mutations))
	for i, m := range mutations {
		if m.isDelete {
			continue
		}
		loc, err := c.storage.AppendNoSync(m.newBytes)
		if err != nil {
			return err
		}
		newLocs[i] = &loc
	}
	if err := c.storage.Sync(); err != nil {
		return err
	}

	for i, m := range mutations {
		if m.isDelete {
			delete(c.primary, m.docID)
			delete(c.versions, m.docID)
			delete(c.cache, m.docID)
			if m.oldData != nil {
				c.unindexDoc(m.docID, m.oldData)
			}
			c.emit(OpTypeDelete, m.docID, nil, m.walEntry.TxID)
			continue
		}
		if newLocs[i] == nil {
			continue
		}
		c.primary[m.docID] = *newLocs[i]
		c.versions[m.docID] = docVersionOf(m.newData)
		c.cache[m.docID] = m.newData
		if m.oldData != nil {
			c.unindexDoc(m.docID, m.oldData)
			c.emit(OpTypeUpdate, m.docID, nil, m.walEntry.TxID)
		} else {
			c.emit(OpTypeInsert, m.docID, m.newData, m.walEntry.TxID)
		}
		c.indexDoc(m.docID, m.newData)
	}
	return nil
}

// -- Index cache persistence -------------------------------------------------

func (c *Collection) cachePath(ext string) string {
	return filepath.Join(c.dataDir, c.name+ext)
}

// saveIndexCaches writes .fidx/.cidx/.vidx files so a warm start can skip
// index rebuild.
func (c *Collection) saveIndexCaches() error {
	docCount := uint64(len(c.primary))

	names := make([]string, 0, len(c.fieldIndexes))
	for name := range c.fieldIndexes {
		names = append(names, name)
	}
	sort.Strings(names)
	fields := make([]*index.FieldIndex, 0, len(names))
	for _, name := range names {
		fields = append(fields, c.fieldIndexes[name])
	}
	if err := index.SaveFieldIndexes(c.cachePath(".fidx"), fields, docCount, c.nextID); err != nil {
		return err
	}

	if err := index.SaveCompositeIndexes(c.cachePath(".cidx"), c.compositeIndexes, docCount, c.nextID); err != nil {
		return err
	}

	vnames := make([]string, 0, len(c.vectorIndexes))
	for name := range c.vectorIndexes {
		vnames = append(vnames, name)
	}
	sort.Strings(vnames)
	vectors := make([]*vector.Index, 0, len(vnames))
	for _, name := range vnames {
		vectors = append(vectors, c.vectorIndexes[name])
	}
	return index.SaveVectorIndexes(c.cachePath(".vidx"), vectors, docCount, c.nextID)
}

// loadIndexCaches restores indexes from cache files when they validate
// against the current (doc count, next id); stale caches are ignored.
func (c *Collection) loadIndexCaches() {
	docCount := uint64(len(c.primary))

	if loaded := index.LoadFieldIndexes(c.cachePath(".fidx"), docCount, c.nextID); loaded != nil {
		for _, idx := range loaded {
			c.fieldIndexes[idx.Field] = idx
		}
	}
	if loaded := index.LoadCompositeIndexes(c.cachePath(".cidx"), docCount, c.nextID); loaded != nil {
		c.compositeIndexes = loaded
	}
	if loaded := index.LoadVectorIndexes(c.cachePath(".vidx"), docCount, c.nextID); loaded != nil {
		for _, idx := range loaded {
			c.vectorIndexes[idx.Field] = idx
		}
	}
}

// Close releases the collection's file handles. Index cache saves are
// driven by the engine before it closes collections.
func (c *Collection) Close() error {
	if err := c.wal.Close(); err != nil {
		return err
	}
	return c.storage.Close()
}
