package index

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/stretchr/testify/require"
)

func TestFieldIndexEq(t *testing.T) {
	idx := NewFieldIndex("status")
	idx.InsertValue(1, map[string]any{"status": "active"})
	idx.InsertValue(2, map[string]any{"status": "inactive"})
	idx.InsertValue(3, map[string]any{"status": "active"})

	result := idx.FindEq(StringValue("active"))
	require.Equal(t, []uint64{1, 3}, result.ToArray())
	require.Equal(t, 2, idx.CountEq(StringValue("active")))
}

func TestFieldIndexAbsentFieldIsNoop(t *testing.T) {
	idx := NewFieldIndex("status")
	idx.InsertValue(1, map[string]any{"other": "x"})
	require.Equal(t, 0, idx.CountAll())
}

func TestFieldIndexRemove(t *testing.T) {
	idx := NewFieldIndex("status")
	doc := map[string]any{"status": "active"}
	idx.InsertValue(1, doc)
	idx.InsertValue(2, doc)
	idx.RemoveValue(1, doc)

	require.Equal(t, []uint64{2}, idx.FindEq(StringValue("active")).ToArray())

	idx.RemoveValue(2, doc)
	require.Equal(t, 0, idx.CountAll())
}

func TestFieldIndexRangeDates(t *testing.T) {
	idx := NewFieldIndex("created_at")
	idx.InsertValue(1, map[string]any{"created_at": "2024-01-01"})
	idx.InsertValue(2, map[string]any{"created_at": "2024-06-15"})
	idx.InsertValue(3, map[string]any{"created_at": "2025-01-01"})

	lo := FromAny("2024-03-01")
	hi := FromAny("2024-12-31")
	result := idx.FindRange(Included(lo), Included(hi))
	require.Equal(t, []uint64{2}, result.ToArray())
	require.Equal(t, 1, idx.CountRange(Included(lo), Included(hi)))
}

func TestFieldIndexRangeBounds(t *testing.T) {
	idx := NewFieldIndex("n")
	for i := int64(1); i <= 5; i++ {
		idx.Add(uint64(i), IntValue(i*10))
	}

	// (20, 40] → 30, 40
	result := idx.FindRange(Excluded(IntValue(20)), Included(IntValue(40)))
	require.Equal(t, []uint64{3, 4}, result.ToArray())

	// [20, 40) → 20, 30
	result = idx.FindRange(Included(IntValue(20)), Excluded(IntValue(40)))
	require.Equal(t, []uint64{2, 3}, result.ToArray())

	// unbounded below, < 30 → 10, 20
	result = idx.FindRange(Unbounded(), Excluded(IntValue(30)))
	require.Equal(t, []uint64{1, 2}, result.ToArray())

	// >= 40, unbounded above → 40, 50
	result = idx.FindRange(Included(IntValue(40)), Unbounded())
	require.Equal(t, []uint64{4, 5}, result.ToArray())
}

func TestFieldIndexNe(t *testing.T) {
	idx := NewFieldIndex("status")
	idx.InsertValue(1, map[string]any{"status": "a"})
	idx.InsertValue(2, map[string]any{"status": "b"})
	idx.InsertValue(3, map[string]any{"status": "c"})

	result := idx.FindNe(StringValue("b"))
	require.Equal(t, []uint64{1, 3}, result.ToArray())
}

func TestFieldIndexIn(t *testing.T) {
	idx := NewFieldIndex("n")
	for i := int64(1); i <= 5; i++ {
		idx.Add(uint64(i), IntValue(i))
	}
	values := []Value{IntValue(2), IntValue(4), IntValue(99)}
	require.Equal(t, []uint64{2, 4}, idx.FindIn(values).ToArray())
	require.Equal(t, 2, idx.CountIn(values))
}

func TestCheckUnique(t *testing.T) {
	idx := NewUniqueFieldIndex("email")
	idx.InsertValue(1, map[string]any{"email": "a@b.c"})

	require.True(t, idx.CheckUnique(StringValue("a@b.c"), 0, false))
	require.False(t, idx.CheckUnique(StringValue("a@b.c"), 1, true),
		"the holder itself is excluded")
	require.True(t, idx.CheckUnique(StringValue("a@b.c"), 2, true))
	require.False(t, idx.CheckUnique(StringValue("x@y.z"), 0, false))
}

func TestIterAscDesc(t *testing.T) {
	idx := NewFieldIndex("n")
	idx.Add(1, IntValue(30))
	idx.Add(2, IntValue(10))
	idx.Add(3, IntValue(20))

	var asc []int64
	idx.IterAsc(func(v Value, _ *roaring64.Bitmap) bool {
		asc = append(asc, v.Int)
		return true
	})
	require.Equal(t, []int64{10, 20, 30}, asc)

	var desc []int64
	idx.IterDesc(func(v Value, _ *roaring64.Bitmap) bool {
		desc = append(desc, v.Int)
		return true
	})
	require.Equal(t, []int64{30, 20, 10}, desc)
}

func TestDotNotationTraversal(t *testing.T) {
	idx := NewFieldIndex("user.address.city")
	idx.InsertValue(1, map[string]any{
		"user": map[string]any{"address": map[string]any{"city": "Berlin"}},
	})
	require.Equal(t, []uint64{1}, idx.FindEq(StringValue("Berlin")).ToArray())
}

func TestCompositeIndexExactAndPrefix(t *testing.T) {
	idx := NewCompositeIndex([]string{"status", "priority"})
	idx.InsertValue(1, map[string]any{"status": "active", "priority": int64(1)})
	idx.InsertValue(2, map[string]any{"status": "active", "priority": int64(5)})
	idx.InsertValue(3, map[string]any{"status": "closed", "priority": int64(1)})

	require.Equal(t, "status_priority", idx.Name())

	exact := idx.FindExact(CompositeKey{StringValue("active"), IntValue(5)})
	require.Equal(t, []uint64{2}, exact.ToArray())

	prefix := idx.FindPrefix([]Value{StringValue("active")})
	require.Equal(t, []uint64{1, 2}, prefix.ToArray())
}

func TestCompositeIndexPrefixRange(t *testing.T) {
	idx := NewCompositeIndex([]string{"status", "created_at"})
	idx.InsertValue(1, map[string]any{"status": "active", "created_at": "2024-01-01"})
	idx.InsertValue(2, map[string]any{"status": "active", "created_at": "2024-06-15"})
	idx.InsertValue(3, map[string]any{"status": "active", "created_at": "2025-02-01"})
	idx.InsertValue(4, map[string]any{"status": "closed", "created_at": "2024-06-15"})

	result := idx.FindPrefixRange(
		[]Value{StringValue("active")},
		Included(FromAny("2024-03-01")),
		Excluded(FromAny("2025-01-01")),
	)
	require.Equal(t, []uint64{2}, result.ToArray())
}

func TestCompositeIndexMissingFieldIsNull(t *testing.T) {
	idx := NewCompositeIndex([]string{"a", "b"})
	idx.InsertValue(1, map[string]any{"a": "x"})
	exact := idx.FindExact(CompositeKey{StringValue("x"), Null()})
	require.Equal(t, []uint64{1}, exact.ToArray())
}

func TestCompositeKeyOrdering(t *testing.T) {
	a := CompositeKey{StringValue("a")}
	ab := CompositeKey{StringValue("a"), StringValue("b")}
	b := CompositeKey{StringValue("b")}
	require.Negative(t, CompareComposite(a, ab), "prefix sorts before extension")
	require.Negative(t, CompareComposite(ab, b))
	require.Zero(t, CompareComposite(ab, CompositeKey{StringValue("a"), StringValue("b")}))
}
