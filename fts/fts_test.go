package fts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenizeBasic(t *testing.T) {
	tokens := Tokenize("Hello, World! This is a test.")
	require.Contains(t, tokens, "hello")
	require.Contains(t, tokens, "world")
	require.Contains(t, tokens, "test")
	// Stop words removed.
	require.NotContains(t, tokens, "this")
	require.NotContains(t, tokens, "is")
	require.NotContains(t, tokens, "a")
}

func TestTokenizeRemovesSingleChars(t *testing.T) {
	tokens := Tokenize("I am a b c word")
	require.NotContains(t, tokens, "i")
	require.NotContains(t, tokens, "b")
	require.NotContains(t, tokens, "c")
	require.Contains(t, tokens, "am")
	require.Contains(t, tokens, "word")
}

func TestTextIndexSearchSingleDoc(t *testing.T) {
	idx := NewTextIndex([]string{"title", "body"})
	idx.IndexDoc(1, map[string]any{"title": "Hello world", "body": "database engine"})

	results := idx.Search("database", 10)
	require.Len(t, results, 1)
	require.EqualValues(t, 1, results[0].DocID)
	require.Greater(t, results[0].Score, 0.0)
}

func TestTextIndexRanking(t *testing.T) {
	idx := NewTextIndex([]string{"body"})
	// A higher share of query-term occurrences ranks higher (3 of 4 tokens
	// against 1 of 5).
	idx.IndexDoc(1, map[string]any{"body": "database database database performance"})
	idx.IndexDoc(2, map[string]any{"body": "quick brown fox saw database"})

	results := idx.Search("database", 10)
	require.Len(t, results, 2)
	require.EqualValues(t, 1, results[0].DocID)
	require.EqualValues(t, 2, results[1].DocID)
	require.Greater(t, results[0].Score, results[1].Score)
}

func TestTextIndexTiesBreakOnDocID(t *testing.T) {
	idx := NewTextIndex([]string{"body"})
	idx.IndexDoc(9, map[string]any{"body": "alpha beta"})
	idx.IndexDoc(3, map[string]any{"body": "alpha beta"})

	results := idx.Search("alpha", 10)
	require.Len(t, results, 2)
	require.EqualValues(t, 3, results[0].DocID)
	require.EqualValues(t, 9, results[1].DocID)
}

func TestTextIndexReindexReplacesPostings(t *testing.T) {
	idx := NewTextIndex([]string{"body"})
	idx.IndexDoc(1, map[string]any{"body": "old content about cats"})
	idx.IndexDoc(1, map[string]any{"body": "new content about dogs"})

	require.Empty(t, idx.Search("cats", 10))
	require.Len(t, idx.Search("dogs", 10), 1)
}

func TestTextIndexRemoveDoc(t *testing.T) {
	idx := NewTextIndex([]string{"body"})
	idx.IndexDoc(1, map[string]any{"body": "hello world"})
	idx.RemoveDoc(1)
	require.Empty(t, idx.Search("hello", 10))
	require.Equal(t, 0, idx.Len())
}

func TestTextIndexNestedFieldPath(t *testing.T) {
	idx := NewTextIndex([]string{"meta.description"})
	idx.IndexDoc(1, map[string]any{"meta": map[string]any{"description": "embedded database"}})
	require.Len(t, idx.Search("embedded", 10), 1)
}

func TestTextIndexLimit(t *testing.T) {
	idx := NewTextIndex([]string{"body"})
	for i := uint64(1); i <= 10; i++ {
		idx.IndexDoc(i, map[string]any{"body": "shared term document"})
	}
	require.Len(t, idx.Search("shared", 3), 3)
}

func TestBlobIndexSearchAndPersist(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenBlobIndex(dir)
	require.NoError(t, err)
	require.NoError(t, idx.IndexDocument("docs", "a.txt", "database database database performance"))
	require.NoError(t, idx.IndexDocument("docs", "b.txt", "quick brown fox saw database"))

	results := idx.Search("", "database", 10)
	require.Len(t, results, 2)
	require.Equal(t, "a.txt", results[0].Key)
	require.Greater(t, results[0].Score, results[1].Score)

	// Reopen from disk — the index is persistent.
	idx2, err := OpenBlobIndex(dir)
	require.NoError(t, err)
	results = idx2.Search("", "database", 10)
	require.Len(t, results, 2)
	require.Equal(t, "a.txt", results[0].Key)
}

func TestBlobIndexBucketFilter(t *testing.T) {
	idx, err := OpenBlobIndex(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, idx.IndexDocument("docs", "a.txt", "database engine"))
	require.NoError(t, idx.IndexDocument("images", "b.txt", "database image"))

	results := idx.Search("docs", "database", 10)
	require.Len(t, results, 1)
	require.Equal(t, "docs", results[0].Bucket)
}

func TestBlobIndexRemove(t *testing.T) {
	idx, err := OpenBlobIndex(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, idx.IndexDocument("docs", "a.txt", "hello world"))
	require.NoError(t, idx.RemoveDocument("docs", "a.txt"))
	require.Empty(t, idx.Search("", "hello", 10))
}

func TestExtractTextPlain(t *testing.T) {
	text, ok := ExtractText([]byte("Hello World"), "text/plain")
	require.True(t, ok)
	require.Equal(t, "Hello World", text)
}

func TestExtractTextHTML(t *testing.T) {
	html := []byte("<html><body><p>Hello</p><b>World</b></body></html>")
	text, ok := ExtractText(html, "text/html")
	require.True(t, ok)
	require.Contains(t, text, "Hello")
	require.Contains(t, text, "World")
	require.NotContains(t, text, "<p>")
}

func TestExtractTextJSON(t *testing.T) {
	raw := []byte(`{"title": "Report", "items": ["alpha", "beta"], "count": 5}`)
	text, ok := ExtractText(raw, "application/json")
	require.True(t, ok)
	require.Contains(t, text, "Report")
	require.Contains(t, text, "alpha")
	require.Contains(t, text, "beta")
}

func TestExtractTextBinary(t *testing.T) {
	_, ok := ExtractText([]byte{0x00, 0x01, 0x02}, "application/octet-stream")
	require.False(t, ok)
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := NewTextIndex([]string{"body"})
	require.Empty(t, idx.Search("anything", 10))
}
