// Package fts implements full-text search: an in-memory text index over
// collection documents and a persistent inverted index used to rank blob
// objects.
package fts

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/oxidb/oxidb/index"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "had": {}, "has": {},
	"have": {}, "he": {}, "her": {}, "his": {}, "if": {}, "in": {},
	"into": {}, "is": {}, "it": {}, "its": {}, "no": {}, "not": {},
	"of": {}, "on": {}, "or": {}, "she": {}, "so": {}, "that": {},
	"the": {}, "this": {}, "to": {}, "was": {}, "we": {}, "with": {},
	"you": {},
}

// Tokenize lowercases, splits on non-alphanumerics, and drops single-char
// tokens and English stop words.
func Tokenize(text string) []string {
	lowered := strings.ToLower(text)
	raw := strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(raw))
	for _, w := range raw {
		if len(w) <= 1 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		tokens = append(tokens, w)
	}
	return tokens
}

type docPosting struct {
	docID     uint64
	frequency uint32
	positions []uint32
}

// TextResult is one ranked hit from a collection text search.
type TextResult struct {
	DocID uint64
	Score float64
}

// TextIndex is the per-collection full-text index: an ordered field list and
// inverted posting lists with term frequencies and positions.
type TextIndex struct {
	fields   []string
	postings map[string][]docPosting
	docs     map[uint64]uint32 // docID → total terms
}

// NewTextIndex creates a text index over an ordered list of source fields.
func NewTextIndex(fields []string) *TextIndex {
	return &TextIndex{
		fields:   fields,
		postings: make(map[string][]docPosting),
		docs:     make(map[uint64]uint32),
	}
}

// Fields returns the indexed field paths.
func (t *TextIndex) Fields() []string { return t.fields }

// Len returns the number of indexed documents.
func (t *TextIndex) Len() int { return len(t.docs) }

// IndexDoc indexes a document, replacing any previous postings for it. The
// indexed text is the concatenation of the string values at the configured
// field paths.
func (t *TextIndex) IndexDoc(docID uint64, doc map[string]any) {
	t.RemoveDoc(docID)

	var parts []string
	for _, field := range t.fields {
		if v, ok := index.ResolveField(doc, field); ok {
			if s, ok := v.(string); ok {
				parts = append(parts, s)
			}
		}
	}
	tokens := Tokenize(strings.Join(parts, " "))
	if len(tokens) == 0 {
		return
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
		t.postings[term] = append(t.postings[term], docPosting{
			docID:     docID,
			frequency: entry.count,
			positions: entry.positions,
		})
	}
	t.docs[docID] = uint32(len(tokens))
}

// RemoveDoc drops a document's postings.
func (t *TextIndex) RemoveDoc(docID uint64) {
	if _, present := t.docs[docID]; !present {
		return
	}
	for term, list := range t.postings {
		kept := list[:0]
		for _, p := range list {
			if p.docID != docID {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(t.postings, term)
		} else {
			t.postings[term] = kept
		}
	}
	delete(t.docs, docID)
}

// Clear drops every posting while keeping the field list.
func (t *TextIndex) Clear() {
	t.postings = make(map[string][]docPosting)
	t.docs = make(map[uint64]uint32)
}

// Search tokenizes the query and ranks documents by summed tf·idf, where
// idf = ln(N/df)+1 and tf = frequency/total_terms. Ties break on ascending
// document id.
func (t *TextIndex) Search(query string, limit int) []TextResult {
	terms := Tokenize(query)
	if len(terms) == 0 || len(t.docs) == 0 {
		return nil
	}

	totalDocs := float64(len(t.docs))
	scores := make(map[uint64]float64)

	for _, term := range terms {
		list, ok := t.postings[term]
		if !ok {
			continue
		}
		idf := math.Log(totalDocs/float64(len(list))) + 1
		for _, p := range list {
			total, ok := t.docs[p.docID]
			if !ok || total == 0 {
				continue
			}
			tf := float64(p.frequency) / float64(total)
			scores[p.docID] += tf * idf
		}
	}

	results := make([]TextResult, 0, len(scores))
	for docID, score := range scores {
		results = append(results, TextResult{DocID: docID, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
