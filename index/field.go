package index

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/btree"
)

const btreeDegree = 32

// ResolveField walks a dot-notation path ("user.address.city") through
// nested objects. Returns false if any segment is missing or not an object.
func ResolveField(doc map[string]any, path string) (any, bool) {
	var current any = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Bound is one end of a range query over index values.
type Bound struct {
	value     Value
	inclusive bool
	unbounded bool
}

func Included(v Value) Bound { return Bound{value: v, inclusive: true} }
func Excluded(v Value) Bound { return Bound{value: v} }
func Unbounded() Bound       { return Bound{unbounded: true} }

// admits reports whether v satisfies the bound as a lower (loSide) or upper
// bound.
func (b Bound) admits(v Value, loSide bool) bool {
	if b.unbounded {
		return true
	}
	c := Compare(v, b.value)
	if c == 0 {
		return b.inclusive
	}
	if loSide {
		return c > 0
	}
	return c < 0
}

type fieldEntry struct {
	key Value
	ids *roaring64.Bitmap
}

func fieldEntryLess(a, b *fieldEntry) bool { return Compare(a.key, b.key) < 0 }

// FieldIndex maps one field path to an ordered map of Value → set of
// document ids. When Unique is set the collection rejects a second live
// document with the same value.
type FieldIndex struct {
	Field  string
	Unique bool
	tree   *btree.BTreeG[*fieldEntry]
}

// NewFieldIndex creates a non-unique index on a field path.
func NewFieldIndex(field string) *FieldIndex {
	return &FieldIndex{
		Field: field,
		tree:  btree.NewG(btreeDegree, fieldEntryLess),
	}
}

// NewUniqueFieldIndex creates a unique index on a field path.
func NewUniqueFieldIndex(field string) *FieldIndex {
	idx := NewFieldIndex(field)
	idx.Unique = true
	return idx
}

// InsertValue indexes a document. Absent field is a no-op.
func (idx *FieldIndex) InsertValue(id uint64, doc map[string]any) {
	if v, ok := ResolveField(doc, idx.Field); ok {
		idx.Add(id, FromAny(v))
	}
}

// Add inserts id under key.
func (idx *FieldIndex) Add(id uint64, key Value) {
	if entry, found := idx.tree.Get(&fieldEntry{key: key}); found {
		entry.ids.Add(id)
		return
	}
	ids := roaring64.New()
	ids.Add(id)
	idx.tree.ReplaceOrInsert(&fieldEntry{key: key, ids: ids})
}

// RemoveValue unindexes a document. Absent field is a no-op.
func (idx *FieldIndex) RemoveValue(id uint64, doc map[string]any) {
	if v, ok := ResolveField(doc, idx.Field); ok {
		idx.Remove(id, FromAny(v))
	}
}

// Remove deletes id from under key, dropping the key when its set empties.
func (idx *FieldIndex) Remove(id uint64, key Value) {
	entry, found := idx.tree.Get(&fieldEntry{key: key})
	if !found {
		return
	}
	entry.ids.Remove(id)
	if entry.ids.IsEmpty() {
		idx.tree.Delete(entry)
	}
}

// CheckUnique reports whether key is already held by a document other than
// excludeID (pass hasExclude=false to consider every holder).
func (idx *FieldIndex) CheckUnique(key Value, excludeID uint64, hasExclude bool) bool {
	entry, found := idx.tree.Get(&fieldEntry{key: key})
	if !found {
		return false
	}
	if !hasExclude {
		return !entry.ids.IsEmpty()
	}
	card := entry.ids.GetCardinality()
	if card == 0 {
		return false
	}
	if card == 1 && entry.ids.Contains(excludeID) {
		return false
	}
	return true
}

// FindEq returns the ids whose value equals key.
func (idx *FieldIndex) FindEq(key Value) *roaring64.Bitmap {
	if entry, found := idx.tree.Get(&fieldEntry{key: key}); found {
		return entry.ids.Clone()
	}
	return roaring64.New()
}

// CountEq returns the cardinality under key without copying the set.
func (idx *FieldIndex) CountEq(key Value) int {
	if entry, found := idx.tree.Get(&fieldEntry{key: key}); found {
		return int(entry.ids.GetCardinality())
	}
	return 0
}

// FindNe returns the ids of every document whose value differs from key.
func (idx *FieldIndex) FindNe(key Value) *roaring64.Bitmap {
	result := roaring64.New()
	idx.tree.Ascend(func(entry *fieldEntry) bool {
		if !Equal(entry.key, key) {
			result.Or(entry.ids)
		}
		return true
	})
	return result
}

// FindRange returns the ids whose value lies within [lo, hi] per the bounds'
// inclusivity.
func (idx *FieldIndex) FindRange(lo, hi Bound) *roaring64.Bitmap {
	result := roaring64.New()
	idx.ascendRange(lo, hi, func(entry *fieldEntry) bool {
		result.Or(entry.ids)
		return true
	})
	return result
}

// CountRange returns the cardinality of FindRange without building a set.
func (idx *FieldIndex) CountRange(lo, hi Bound) int {
	count := 0
	idx.ascendRange(lo, hi, func(entry *fieldEntry) bool {
		count += int(entry.ids.GetCardinality())
		return true
	})
	return count
}

func (idx *FieldIndex) ascendRange(lo, hi Bound, fn func(*fieldEntry) bool) {
	iter := func(entry *fieldEntry) bool {
		if !lo.admits(entry.key, true) {
			return true // excluded lower bound: skip the pivot itself
		}
		if !hi.admits(entry.key, false) {
			return false
		}
		return fn(entry)
	}
	if lo.unbounded {
		idx.tree.Ascend(iter)
		return
	}
	idx.tree.AscendGreaterOrEqual(&fieldEntry{key: lo.value}, iter)
}

// FindIn returns the union of FindEq over values.
func (idx *FieldIndex) FindIn(values []Value) *roaring64.Bitmap {
	result := roaring64.New()
	for _, v := range values {
		if entry, found := idx.tree.Get(&fieldEntry{key: v}); found {
			result.Or(entry.ids)
		}
	}
	return result
}

// CountIn returns the summed cardinality over values.
func (idx *FieldIndex) CountIn(values []Value) int {
	count := 0
	for _, v := range values {
		count += idx.CountEq(v)
	}
	return count
}

// CountAll returns the total number of indexed (value, id) postings.
func (idx *FieldIndex) CountAll() int {
	count := 0
	idx.tree.Ascend(func(entry *fieldEntry) bool {
		count += int(entry.ids.GetCardinality())
		return true
	})
	return count
}

// AllIDs returns every indexed document id.
func (idx *FieldIndex) AllIDs() *roaring64.Bitmap {
	result := roaring64.New()
	idx.tree.Ascend(func(entry *fieldEntry) bool {
		result.Or(entry.ids)
		return true
	})
	return result
}

// IterAsc visits (value, ids) pairs in ascending value order. The bitmap is
// the live set; callers must not mutate it.
func (idx *FieldIndex) IterAsc(fn func(Value, *roaring64.Bitmap) bool) {
	idx.tree.Ascend(func(entry *fieldEntry) bool {
		return fn(entry.key, entry.ids)
	})
}

// IterDesc visits (value, ids) pairs in descending value order.
func (idx *FieldIndex) IterDesc(fn func(Value, *roaring64.Bitmap) bool) {
	idx.tree.Descend(func(entry *fieldEntry) bool {
		return fn(entry.key, entry.ids)
	})
}

// Clear drops all entries while keeping field/unique metadata.
func (idx *FieldIndex) Clear() {
	idx.tree.Clear(false)
}

// -- Binary serialization ---------------------------------------------------

// WriteTo serializes the index: field path, unique flag, then each key with
// its id set in roaring portable format.
func (idx *FieldIndex) WriteTo(w io.Writer) error {
	if err := writeLenPrefixed(w, idx.Field); err != nil {
		return err
	}
	unique := byte(0)
	if idx.Unique {
		unique = 1
	}
	if err := writeBytes(w, []byte{unique}); err != nil {
		return err
	}
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(idx.tree.Len()))
	if err := writeBytes(w, countBuf[:]); err != nil {
		return err
	}
	var outerErr error
	idx.tree.Ascend(func(entry *fieldEntry) bool {
		if err := entry.key.WriteTo(w); err != nil {
			outerErr = err
			return false
		}
		if _, err := entry.ids.WriteTo(w); err != nil {
			outerErr = err
			return false
		}
		return true
	})
	return outerErr
}

// ReadFieldIndex deserializes an index written by WriteTo.
func ReadFieldIndex(r io.Reader) (*FieldIndex, error) {
	field, err := readLenPrefixed(r)
	if err != nil {
		return nil, err
	}
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, err
	}
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	idx := NewFieldIndex(field)
	idx.Unique = flag[0] != 0
	for i := uint32(0); i < count; i++ {
		key, err := ReadValue(r)
		if err != nil {
			return nil, err
		}
		ids := roaring64.New()
		if _, err := ids.ReadFrom(r); err != nil {
			return nil, fmt.Errorf("failed to read id set: %w", err)
		}
		idx.tree.ReplaceOrInsert(&fieldEntry{key: key, ids: ids})
	}
	return idx, nil
}

func writeLenPrefixed(w io.Writer, s string) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	if err := writeBytes(w, lenBuf[:]); err != nil {
		return err
	}
	return writeBytes(w, []byte(s))
}

func readLenPrefixed(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
