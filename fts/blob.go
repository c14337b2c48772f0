package fts

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/natefinch/atomic"
)

// BlobIndex is the standalone inverted index that ranks blob objects. Unlike
// the collection text index it is persistent: the whole index lives in
// <data_dir>/_fts/index.json and is rewritten after every mutation.
type BlobIndex struct {
	indexPath string
	data      blobIndexData
}

type blobPosting struct {
	DocID     string   `json:"doc_id"`
	Frequency uint32   `json:"frequency"`
	Positions []uint32 `json:"positions"`
}

type blobDocInfo struct {
	Bucket     string `json:"bucket"`
	Key        string `json:"key"`
	TotalTerms uint32 `json:"total_terms"`
}

type blobIndexData struct {
	Postings map[string][]blobPosting `json:"postings"`
	Docs     map[string]blobDocInfo   `json:"docs"`
}

// BlobResult is one ranked hit from a blob search.
type BlobResult struct {
	Bucket string
	Key    string
	Score  float64
}

func makeBlobDocID(bucket, key string) string {
	return bucket + "\t" + key
}

// OpenBlobIndex loads (or initializes) the blob index under dataDir.
func OpenBlobIndex(dataDir string) (*BlobIndex, error) {
	ftsDir := filepath.Join(dataDir, "_fts")
	if err := os.MkdirAll(ftsDir, 0o755); err != nil {
		return nil, err
	}
	indexPath := filepath.Join(ftsDir, "index.json")

	idx := &BlobIndex{
		indexPath: indexPath,
		data: blobIndexData{
			Postings: make(map[string][]blobPosting),
			Docs:     make(map[string]blobDocInfo),
		},
	}

	raw, err := os.ReadFile(indexPath)
	if err == nil {
		if err := json.Unmarshal(raw, &idx.data); err != nil {
			return nil, err
		}
		if idx.data.Postings == nil {
			idx.data.Postings = make(map[string][]blobPosting)
		}
		if idx.data.Docs == nil {
			idx.data.Docs = make(map[string]blobDocInfo)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	return idx, nil
}

// IndexDocument indexes a blob's extracted text, replacing any previous
// entry, and persists the index.
func (b *BlobIndex) IndexDocument(bucket, key, text string) error {
	docID := makeBlobDocID(bucket, key)
	b.removePostings(docID)

	tokens := Tokenize(text)
	if len(tokens) == 0 {
		delete(b.data.Docs, docID)
		return b.persist()
	}

	type freqEntry struct {
		count     uint32
		positions []uint32
	}
	termFreq := make(map[string]*freqEntry)
	for pos, token := range tokens {
		entry := termFreq[token]
		if entry == nil {
			entry = &freqEntry{}
			termFreq[token] = entry
		}
		entry.count++
		entry.positions = append(entry.positions, uint32(pos))
	}

	for term, entry := range termFreq {
		b.data.Postings[term] = append(b.data.Postings[term], blobPosting{
			DocID:     docID,
			Frequency: entry.count,
			Positions: entry.positions,
		})
	}
	b.data.Docs[docID] = blobDocInfo{
		Bucket:     bucket,
		Key:        key,
		TotalTerms: uint32(len(tokens)),
	}

	return b.persist()
}

// RemoveDocument drops a blob from the index and persists.
func (b *BlobIndex) RemoveDocument(bucket, key string) error {
	docID := makeBlobDocID(bucket, key)
	b.removePostings(docID)
	delete(b.data.Docs, docID)
	return b.persist()
}

func (b *BlobIndex) removePostings(docID string) {
	for term, postings := range b.data.Postings {
		kept := postings[:0]
		for _, p := range postings {
			if p.DocID != docID {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(b.data.Postings, term)
		} else {
			b.data.Postings[term] = kept
		}
	}
}

// Search ranks blobs by summed tf·idf; bucket != "" restricts results to one
// bucket. Ties break on ascending bucket/key.
func (b *BlobIndex) Search(bucket, query string, limit int) []BlobResult {
	queryTerms := Tokenize(query)
	if len(queryTerms) == 0 || len(b.data.Docs) == 0 {
		return nil
	}

	totalDocs := float64(len(b.data.Docs))
	scores := make(map[string]float64)

	for _, term := range queryTerms {
		postings, ok := b.data.Postings[term]
		if !ok {
			continue
		}
		idf := math.Log(totalDocs/float64(len(postings))) + 1
		for _, posting := range postings {
			info, ok := b.data.Docs[posting.DocID]
			if !ok || info.TotalTerms == 0 {
				continue
			}
			if bucket != "" && info.Bucket != bucket {
				continue
			}
			tf := float64(posting.Frequency) / float64(info.TotalTerms)
			scores[posting.DocID] += tf * idf
		}
	}

	results := make([]BlobResult, 0, len(scores))
	for docID, score := range scores {
		info := b.data.Docs[docID]
		results = append(results, BlobResult{Bucket: info.Bucket, Key: info.Key, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Bucket != results[j].Bucket {
			return results[i].Bucket < results[j].Bucket
		}
		return results[i].Key < results[j].Key
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (b *BlobIndex) persist() error {
	raw, err := json.Marshal(&b.data)
	if err != nil {
		return err
	}
	return atomic.WriteFile(b.indexPath, bytes.NewReader(raw))
}

// ExtractText pulls indexable text out of a blob payload based on its
// content type: plain text as-is, HTML with tags stripped, JSON as its
// string leaves. Returns false for binary or undecodable content.
func ExtractText(data []byte, contentType string) (string, bool) {
	ct := strings.ToLower(contentType)

	switch {
	case strings.HasPrefix(ct, "text/html"):
		return stripHTMLTags(string(data)), true
	case strings.HasPrefix(ct, "text/"):
		return string(data), true
	case ct == "application/json":
		var val any
		if err := json.Unmarshal(data, &val); err != nil {
			return "", false
		}
		var parts []string
		collectJSONStrings(val, &parts)
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, " "), true
	default:
		return "", false
	}
}

func stripHTMLTags(html string) string {
	var sb strings.Builder
	sb.Grow(len(html))
	inTag := false
	for _, c := range html {
		switch {
		case c == '<':
			inTag = true
		case c == '>':
			inTag = false
			sb.WriteByte(' ')
		case !inTag:
			sb.WriteRune(c)
		}
	}
	return sb.String()
}

func collectJSONStrings(val any, out *[]string) {
	switch v := val.(type) {
	case string:
		*out = append(*out, v)
	case []any:
		for _, item := range v {
			collectJSONStrings(item, out)
		}
	case map[string]any:
		for _, item := range v {
			collectJSONStrings(item, out)
		}
	}
}
