package vector

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCosineDistance(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	require.InDelta(t, 1.0, computeDistance(a, b, Cosine), 1e-6, "orthogonal vectors")
	require.InDelta(t, 0.0, computeDistance(a, []float32{1, 0, 0}, Cosine), 1e-6, "identical vectors")
}

func TestEuclideanDistance(t *testing.T) {
	d := computeDistance([]float32{0, 0}, []float32{3, 4}, Euclidean)
	require.InDelta(t, 5.0, d, 1e-6)
}

func TestDotProductDistance(t *testing.T) {
	d := computeDistance([]float32{1, 2, 3}, []float32{4, 5, 6}, DotProduct)
	require.InDelta(t, -32.0, d, 1e-6)
}

func TestSimilarityConversion(t *testing.T) {
	require.InDelta(t, 1.0, Cosine.Similarity(0), 1e-6)
	require.InDelta(t, 1.0, Euclidean.Similarity(0), 1e-6)
	require.InDelta(t, 0.5, DotProduct.Similarity(0), 1e-6)
}

func TestParseMetric(t *testing.T) {
	require.Equal(t, Cosine, ParseMetric("cosine"))
	require.Equal(t, Euclidean, ParseMetric("euclidean"))
	require.Equal(t, DotProduct, ParseMetric("dotproduct"))
	require.Equal(t, DotProduct, ParseMetric("dot_product"))
	require.Equal(t, Cosine, ParseMetric("unknown"))
}

func TestFlatSearchExactTopK(t *testing.T) {
	idx := New("embedding", 2, Euclidean)
	for i := uint64(0); i < 20; i++ {
		doc := map[string]any{"embedding": []any{float64(i), 0.0}}
		require.NoError(t, idx.Insert(i, doc))
	}

	results, err := idx.Search([]float32{5, 0}, 3, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)
	// True top-3 around 5.0 are docs 5, 4/6.
	require.EqualValues(t, 5, results[0].DocID)
	require.InDelta(t, 0.0, results[0].Distance, 1e-6)
	for i := 1; i < len(results); i++ {
		require.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
	}
}

func TestDimensionMismatch(t *testing.T) {
	idx := New("vec", 3, Cosine)
	err := idx.Insert(1, map[string]any{"vec": []any{1.0, 2.0}})
	require.Error(t, err)
	var dimErr *DimensionError
	require.ErrorAs(t, err, &dimErr)
	require.Equal(t, 3, dimErr.Expected)
	require.Equal(t, 2, dimErr.Got)

	_, err = idx.Search([]float32{1, 2}, 5, 0)
	require.Error(t, err)
}

func TestMissingFieldSkipped(t *testing.T) {
	idx := New("embedding", 3, Cosine)
	require.NoError(t, idx.Insert(1, map[string]any{"name": "Alice"}))
	require.Equal(t, 0, idx.Len())
}

func TestInsertRemoveLifecycle(t *testing.T) {
	idx := New("vec", 2, Euclidean)
	require.NoError(t, idx.Insert(1, map[string]any{"vec": []any{1.0, 0.0}}))
	require.NoError(t, idx.Insert(2, map[string]any{"vec": []any{0.0, 1.0}}))
	require.Equal(t, 2, idx.Len())

	idx.Remove(1)
	require.Equal(t, 1, idx.Len())

	results, err := idx.Search([]float32{0, 1}, 5, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.EqualValues(t, 2, results[0].DocID)
}

func TestExtractVectorNested(t *testing.T) {
	doc := map[string]any{"data": map[string]any{"embedding": []any{1.0, 2.0, 3.0}}}
	v, ok := ExtractVector(doc, "data.embedding")
	require.True(t, ok)
	require.Equal(t, []float32{1, 2, 3}, v)
}

func TestBinaryRoundtrip(t *testing.T) {
	idx := New("embedding", 3, Euclidean)
	for i := uint64(0); i < 50; i++ {
		doc := map[string]any{"embedding": []any{float64(i) * 0.1, float64(i) * 0.2, float64(i) * 0.3}}
		require.NoError(t, idx.Insert(i, doc))
	}

	var buf bytes.Buffer
	require.NoError(t, idx.WriteTo(&buf))

	idx2, err := ReadIndex(&buf)
	require.NoError(t, err)
	require.Equal(t, "embedding", idx2.Field)
	require.Equal(t, 3, idx2.Dimension)
	require.Equal(t, Euclidean, idx2.Metric)
	require.Equal(t, 50, idx2.Len())

	query := []float32{2.5, 5.0, 7.5}
	r1, err := idx.Search(query, 3, 0)
	require.NoError(t, err)
	r2, err := idx2.Search(query, 3, 0)
	require.NoError(t, err)
	require.Equal(t, len(r1), len(r2))
	for i := range r1 {
		require.Equal(t, r1[i].DocID, r2[i].DocID)
		require.InDelta(t, r1[i].Distance, r2[i].Distance, 1e-6)
	}
}

func buildLargeIndex(t *testing.T, n int, dim int) *Index {
	t.Helper()
	idx := New("vec", dim, Euclidean)
	for i := 0; i < n; i++ {
		vec := make([]any, dim)
		for d := 0; d < dim; d++ {
			vec[d] = float64(i) + float64(d)*0.01
		}
		require.NoError(t, idx.Insert(uint64(i), map[string]any{"vec": vec}))
	}
	return idx
}

func TestHnswBuiltAboveThreshold(t *testing.T) {
	idx := buildLargeIndex(t, 1500, 8)
	require.True(t, idx.HasGraph(), "graph should exist above the build threshold")
	require.Equal(t, 1500, idx.Len())

	query := make([]float32, 8)
	for d := range query {
		query[d] = 500 + float32(d)*0.01
	}
	results, err := idx.Search(query, 10, 200)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.LessOrEqual(t, len(results), 10)

	for i := 1; i < len(results); i++ {
		require.LessOrEqual(t, results[i-1].Distance, results[i].Distance,
			"results must be sorted by distance")
	}
	require.Less(t, results[0].Distance, float32(10.0), "closest result should be near the query")
}

func TestHnswTop1MatchesFlat(t *testing.T) {
	idx := buildLargeIndex(t, 2000, 4)
	require.True(t, idx.HasGraph())

	flat := New("vec", 4, Euclidean)
	flat.flatThreshold = 1 << 30 // force flat mode
	for id, vec := range idx.vectors {
		doc := map[string]any{"vec": toAnySlice(vec)}
		require.NoError(t, flat.Insert(id, doc))
	}

	for _, target := range []float32{17, 421, 998, 1500.2} {
		query := []float32{target, target + 0.01, target + 0.02, target + 0.03}
		hr, err := idx.Search(query, 1, 200)
		require.NoError(t, err)
		fr, err := flat.Search(query, 1, 0)
		require.NoError(t, err)
		require.NotEmpty(t, hr)
		require.NotEmpty(t, fr)
		require.InDelta(t, fr[0].Distance, hr[0].Distance, 1e-4,
			fmt.Sprintf("top-1 distance must match flat search for target %v", target))
	}
}

func TestHnswDroppedBelowHalfThreshold(t *testing.T) {
	idx := buildLargeIndex(t, 1100, 4)
	require.True(t, idx.HasGraph())

	for i := 0; i < 700; i++ {
		idx.Remove(uint64(i))
	}
	require.False(t, idx.HasGraph(), "graph should be dropped below half the threshold")

	// Flat search still works on the survivors.
	results, err := idx.Search([]float32{900, 900.01, 900.02, 900.03}, 5, 0)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results {
		require.GreaterOrEqual(t, r.DocID, uint64(700))
	}
}

func TestLazyDeletionFiltersResults(t *testing.T) {
	idx := buildLargeIndex(t, 1200, 4)
	require.True(t, idx.HasGraph())

	// Remove a handful (below the rebuild threshold).
	for i := 0; i < 50; i++ {
		idx.Remove(uint64(i * 2))
	}
	query := []float32{40, 40.01, 40.02, 40.03}
	results, err := idx.Search(query, 20, 200)
	require.NoError(t, err)
	for _, r := range results {
		require.NotZero(t, r.DocID%2, "deleted even ids must not appear in results")
	}
}

func toAnySlice(v []float32) []any {
	out := make([]any, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
