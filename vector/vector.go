// Package vector implements the per-collection vector index: exhaustive
// flat search for small sets and a hierarchical navigable small-world graph
// once the set grows past a threshold.
package vector

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// Metric selects the distance function for a vector index.
type Metric uint8

const (
	// Cosine distance: 1 - cos(a, b). Range [0, 2], 0 = identical.
	Cosine Metric = iota
	// Euclidean L2 distance.
	Euclidean
	// DotProduct uses negative dot product so lower = more similar.
	DotProduct
)

// ParseMetric parses a metric name, defaulting to Cosine.
func ParseMetric(s string) Metric {
	switch strings.ToLower(s) {
	case "euclidean":
		return Euclidean
	case "dotproduct", "dot_product":
		return DotProduct
	default:
		return Cosine
	}
}

func (m Metric) String() string {
	switch m {
	case Euclidean:
		return "euclidean"
	case DotProduct:
		return "dotproduct"
	default:
		return "cosine"
	}
}

// Similarity converts a raw distance to a score in [0, 1].
func (m Metric) Similarity(distance float32) float32 {
	switch m {
	case Cosine:
		return 1 - distance/2
	case Euclidean:
		return 1 / (1 + distance)
	default:
		// distance is -dot, so similarity = sigmoid(dot).
		return float32(1 / (1 + math.Exp(float64(distance))))
	}
}

// DimensionError reports a vector whose length does not match the index.
type DimensionError struct {
	Expected int
	Got      int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("vector dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// Result is one vector search hit.
type Result struct {
	DocID      uint64
	Distance   float32
	Similarity float32
}

func computeDistance(a, b []float32, metric Metric) float32 {
	switch metric {
	case Cosine:
		var dot, normA, normB float32
		for i := range a {
			dot += a[i] * b[i]
			normA += a[i] * a[i]
			normB += b[i] * b[i]
		}
		denom := float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB)))
		if denom == 0 {
			return 1
		}
		return 1 - dot/denom
	case Euclidean:
		var sum float32
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return float32(math.Sqrt(float64(sum)))
	default:
		var dot float32
		for i := range a {
			dot += a[i] * b[i]
		}
		return -dot
	}
}

// ExtractVector pulls a float array out of a document at a dot-notation
// field path. Returns false if the field is absent or not a numeric array.
func ExtractVector(doc map[string]any, field string) ([]float32, bool) {
	var current any = doc
	for _, part := range strings.Split(field, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	arr, ok := current.([]any)
	if !ok {
		return nil, false
	}
	vec := make([]float32, len(arr))
	for i, v := range arr {
		switch n := v.(type) {
		case float64:
			vec[i] = float32(n)
		case int64:
			vec[i] = float32(n)
		case int:
			vec[i] = float32(n)
		case float32:
			vec[i] = n
		default:
			return nil, false
		}
	}
	return vec, true
}

// Index is a vector index on one collection field. The flat id→vector map
// is always maintained; the HNSW graph is built once the set reaches
// flatThreshold and dropped when it shrinks below half of it.
type Index struct {
	Field     string
	Dimension int
	Metric    Metric

	vectors       map[uint64][]float32
	hnsw          *hnswGraph
	flatThreshold int
	config        hnswConfig
}

// New creates an empty vector index.
func New(field string, dimension int, metric Metric) *Index {
	return &Index{
		Field:         field,
		Dimension:     dimension,
		Metric:        metric,
		vectors:       make(map[uint64][]float32),
		flatThreshold: 1000,
		config:        defaultHnswConfig(),
	}
}

// Len returns the number of indexed vectors.
func (idx *Index) Len() int { return len(idx.vectors) }

// HasGraph reports whether the HNSW graph is currently built.
func (idx *Index) HasGraph() bool { return idx.hnsw != nil }

// Insert extracts the document's vector and indexes it. A document without
// the field (or with a non-numeric array) is skipped; a wrong-length vector
// fails the insert.
func (idx *Index) Insert(docID uint64, doc map[string]any) error {
	vec, ok := ExtractVector(doc, idx.Field)
	if !ok {
		return nil
	}
	if len(vec) != idx.Dimension {
		return &DimensionError{Expected: idx.Dimension, Got: len(vec)}
	}

	idx.vectors[docID] = vec

	if len(idx.vectors) >= idx.flatThreshold {
		if idx.hnsw == nil {
			idx.rebuildGraph()
		} else {
			idx.hnsw.insert(docID, idx.vectors, idx.Metric)
		}
	}
	return nil
}

// Remove drops a document from the index. The graph uses lazy deletion and
// is rebuilt once more than 20% of its nodes are dead; it is dropped
// entirely when the set shrinks below half the build threshold.
func (idx *Index) Remove(docID uint64) {
	delete(idx.vectors, docID)
	if idx.hnsw != nil {
		idx.hnsw.remove(docID)
		if idx.hnsw.needsRebuild() {
			idx.rebuildGraph()
		}
	}
	if len(idx.vectors) < idx.flatThreshold/2 {
		idx.hnsw = nil
	}
}

// Clear empties the index (used during compaction before a rebuild).
func (idx *Index) Clear() {
	idx.vectors = make(map[uint64][]float32)
	idx.hnsw = nil
}

// Search returns the k nearest neighbors of query ordered by ascending
// distance. efSearch <= 0 uses the default of 50; it is clamped to >= k.
func (idx *Index) Search(query []float32, k, efSearch int) ([]Result, error) {
	if len(query) != idx.Dimension {
		return nil, &DimensionError{Expected: idx.Dimension, Got: len(query)}
	}
	if len(idx.vectors) == 0 {
		return nil, nil
	}

	if len(idx.vectors) < idx.flatThreshold || idx.hnsw == nil {
		return idx.flatSearch(query, k), nil
	}
	if efSearch <= 0 {
		efSearch = 50
	}
	if efSearch < k {
		efSearch = k
	}
	return idx.graphSearch(query, k, efSearch), nil
}

// flatSearch does exact KNN with a bounded max-heap of size k.
func (idx *Index) flatSearch(query []float32, k int) []Result {
	h := make(distHeap, 0, k)
	for docID, vec := range idx.vectors {
		dist := computeDistance(query, vec, idx.Metric)
		if len(h) < k {
			h.push(scoredID{dist: dist, id: docID})
		} else if len(h) > 0 && dist < h[0].dist {
			h.pop()
			h.push(scoredID{dist: dist, id: docID})
		}
	}
	results := make([]Result, 0, len(h))
	for len(h) > 0 {
		s := h.pop()
		results = append(results, Result{DocID: s.id, Distance: s.dist, Similarity: idx.Metric.Similarity(s.dist)})
	}
	// Heap pops furthest-first; reverse for ascending distance.
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results
}

func (idx *Index) graphSearch(query []float32, k, efSearch int) []Result {
	hits := idx.hnsw.search(query, k, efSearch, idx.vectors, idx.Metric)
	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{DocID: h.id, Distance: h.dist, Similarity: idx.Metric.Similarity(h.dist)}
	}
	return results
}

func (idx *Index) rebuildGraph() {
	graph := newHnswGraph(idx.config)
	for docID := range idx.vectors {
		graph.insert(docID, idx.vectors, idx.Metric)
	}
	idx.hnsw = graph
}

// -- Binary persistence (.vidx body) ----------------------------------------

// WriteTo serializes the flat id→vector map. The graph is not persisted; it
// is rebuilt after load if the index crosses the build threshold.
func (idx *Index) WriteTo(w io.Writer) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(idx.Field)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte(idx.Field)); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(idx.Dimension))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(idx.Metric)}); err != nil {
		return err
	}
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(len(idx.vectors)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return err
	}

	entry := make([]byte, 8+4*idx.Dimension)
	for docID, vec := range idx.vectors {
		binary.LittleEndian.PutUint64(entry[:8], docID)
		for i, v := range vec {
			binary.LittleEndian.PutUint32(entry[8+4*i:], math.Float32bits(v))
		}
		if _, err := w.Write(entry); err != nil {
			return err
		}
	}
	return nil
}

// ReadIndex deserializes an index written by WriteTo and rebuilds the graph
// if the vector count crosses the build threshold.
func ReadIndex(r io.Reader) (*Index, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	fieldBytes := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, fieldBytes); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	dimension := int(binary.LittleEndian.Uint32(lenBuf[:]))

	var metricBuf [1]byte
	if _, err := io.ReadFull(r, metricBuf[:]); err != nil {
		return nil, err
	}
	if metricBuf[0] > byte(DotProduct) {
		return nil, fmt.Errorf("invalid metric tag: %d", metricBuf[0])
	}

	var countBuf [8]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint64(countBuf[:])

	idx := New(string(fieldBytes), dimension, Metric(metricBuf[0]))
	entry := make([]byte, 8+4*dimension)
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, entry); err != nil {
			return nil, err
		}
		docID := binary.LittleEndian.Uint64(entry[:8])
		vec := make([]float32, dimension)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(entry[8+4*j:]))
		}
		idx.vectors[docID] = vec
	}

	if len(idx.vectors) >= idx.flatThreshold {
		idx.rebuildGraph()
	}
	return idx, nil
}

// scoredID pairs a distance with a document id for heap use.
type scoredID struct {
	dist float32
	id   uint64
}

// distHeap is a max-heap by distance (furthest at the root) used to keep the
// k nearest candidates during flat search.
type distHeap []scoredID

func (h *distHeap) push(s scoredID) {
	*h = append(*h, s)
	i := len(*h) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if (*h)[parent].dist >= (*h)[i].dist {
			break
		}
		(*h)[parent], (*h)[i] = (*h)[i], (*h)[parent]
		i = parent
	}
}

func (h *distHeap) pop() scoredID {
	old := *h
	top := old[0]
	n := len(old) - 1
	old[0] = old[n]
	*h = old[:n]
	i := 0
	for {
		left, right := 2*i+1, 2*i+2
		largest := i
		if left < n && (*h)[left].dist > (*h)[largest].dist {
			largest = left
		}
		if right < n && (*h)[right].dist > (*h)[largest].dist {
			largest = right
		}
		if largest == i {
			break
		}
		(*h)[i], (*h)[largest] = (*h)[largest], (*h)[i]
		i = largest
	}
	return top
}
