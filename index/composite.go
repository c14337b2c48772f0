package index

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/btree"
)

// CompositeKey is an ordered sequence of values compared lexicographically;
// a shorter key that is a prefix of a longer one sorts before it.
type CompositeKey []Value

// CompareComposite orders composite keys lexicographically.
func CompareComposite(a, b CompositeKey) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// HasPrefix reports whether key starts with prefix.
func (k CompositeKey) HasPrefix(prefix []Value) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if !Equal(k[i], p) {
			return false
		}
	}
	return true
}

type compositeEntry struct {
	key CompositeKey
	ids *roaring64.Bitmap
}

func compositeEntryLess(a, b *compositeEntry) bool {
	return CompareComposite(a.key, b.key) < 0
}

// CompositeIndex maps an ordered field list to an ordered map of
// CompositeKey → set of document ids.
type CompositeIndex struct {
	Fields []string
	tree   *btree.BTreeG[*compositeEntry]
}

// NewCompositeIndex creates an index over an ordered field list.
func NewCompositeIndex(fields []string) *CompositeIndex {
	return &CompositeIndex{
		Fields: fields,
		tree:   btree.NewG(btreeDegree, compositeEntryLess),
	}
}

// Name returns the index name derived from its fields.
func (idx *CompositeIndex) Name() string {
	return strings.Join(idx.Fields, "_")
}

// ExtractKey builds the composite key for a document; missing fields become
// Null so every document has a key.
func (idx *CompositeIndex) ExtractKey(doc map[string]any) CompositeKey {
	key := make(CompositeKey, len(idx.Fields))
	for i, field := range idx.Fields {
		if v, ok := ResolveField(doc, field); ok {
			key[i] = FromAny(v)
		} else {
			key[i] = Null()
		}
	}
	return key
}

// InsertValue indexes a document.
func (idx *CompositeIndex) InsertValue(id uint64, doc map[string]any) {
	key := idx.ExtractKey(doc)
	if entry, found := idx.tree.Get(&compositeEntry{key: key}); found {
		entry.ids.Add(id)
		return
	}
	ids := roaring64.New()
	ids.Add(id)
	idx.tree.ReplaceOrInsert(&compositeEntry{key: key, ids: ids})
}

// RemoveValue unindexes a document.
func (idx *CompositeIndex) RemoveValue(id uint64, doc map[string]any) {
	key := idx.ExtractKey(doc)
	entry, found := idx.tree.Get(&compositeEntry{key: key})
	if !found {
		return
	}
	entry.ids.Remove(id)
	if entry.ids.IsEmpty() {
		idx.tree.Delete(entry)
	}
}

// Clear drops all entries.
func (idx *CompositeIndex) Clear() {
	idx.tree.Clear(false)
}

// FindExact returns the ids stored under exactly key.
func (idx *CompositeIndex) FindExact(key CompositeKey) *roaring64.Bitmap {
	if entry, found := idx.tree.Get(&compositeEntry{key: key}); found {
		return entry.ids.Clone()
	}
	return roaring64.New()
}

// FindPrefix scans every key sharing the given prefix — e.g. for an index on
// [status, priority], a query on status alone. Keys sharing a prefix are
// contiguous under lexicographic ordering, so the scan stops at the first
// non-matching key.
func (idx *CompositeIndex) FindPrefix(prefix []Value) *roaring64.Bitmap {
	result := roaring64.New()
	idx.tree.AscendGreaterOrEqual(&compositeEntry{key: CompositeKey(prefix)}, func(entry *compositeEntry) bool {
		if !entry.key.HasPrefix(prefix) {
			return false
		}
		result.Or(entry.ids)
		return true
	})
	return result
}

// FindPrefixRange scans keys sharing the prefix with a range constraint on
// the field immediately after it. Example: index [status, created_at],
// query status="active" AND created_at > X.
func (idx *CompositeIndex) FindPrefixRange(prefix []Value, lo, hi Bound) *roaring64.Bitmap {
	result := roaring64.New()
	rangeIdx := len(prefix)
	idx.tree.AscendGreaterOrEqual(&compositeEntry{key: CompositeKey(prefix)}, func(entry *compositeEntry) bool {
		if len(entry.key) <= rangeIdx || !entry.key.HasPrefix(prefix) {
			return false
		}
		v := entry.key[rangeIdx]
		if lo.admits(v, true) && hi.admits(v, false) {
			result.Or(entry.ids)
		}
		return true
	})
	return result
}

// -- Binary serialization ---------------------------------------------------

// WriteTo serializes the index: field list, then each key with its id set.
func (idx *CompositeIndex) WriteTo(w io.Writer) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(len(idx.Fields)))
	if err := writeBytes(w, buf[:]); err != nil {
		return err
	}
	for _, field := range idx.Fields {
		if err := writeLenPrefixed(w, field); err != nil {
			return err
		}
	}
	binary.LittleEndian.PutUint32(buf[:], uint32(idx.tree.Len()))
	if err := writeBytes(w, buf[:]); err != nil {
		return err
	}
	var outerErr error
	idx.tree.Ascend(func(entry *compositeEntry) bool {
		binary.LittleEndian.PutUint32(buf[:], uint32(len(entry.key)))
		if err := writeBytes(w, buf[:]); err != nil {
			outerErr = err
			return false
		}
		for _, v := range entry.key {
			if err := v.WriteTo(w); err != nil {
				outerErr = err
				return false
			}
		}
		if _, err := entry.ids.WriteTo(w); err != nil {
			outerErr = err
			return false
		}
		return true
	})
	return outerErr
}

// ReadCompositeIndex deserializes an index written by WriteTo.
func ReadCompositeIndex(r io.Reader) (*CompositeIndex, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	fieldCount := binary.LittleEndian.Uint32(buf[:])
	fields := make([]string, fieldCount)
	for i := range fields {
		field, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		fields[i] = field
	}

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	keyCount := binary.LittleEndian.Uint32(buf[:])

	idx := NewCompositeIndex(fields)
	for i := uint32(0); i < keyCount; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		keyLen := binary.LittleEndian.Uint32(buf[:])
		key := make(CompositeKey, keyLen)
		for j := range key {
			v, err := ReadValue(r)
			if err != nil {
				return nil, err
			}
			key[j] = v
		}
		ids := roaring64.New()
		if _, err := ids.ReadFrom(r); err != nil {
			return nil, err
		}
		idx.tree.ReplaceOrInsert(&compositeEntry{key: key, ids: ids})
	}
	return idx, nil
}
