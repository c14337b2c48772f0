package oxidb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oxidb/oxidb/index"
	"github.com/oxidb/oxidb/vector"
)

func tempCollection(t *testing.T) *Collection {
	t.Helper()
	col, err := OpenCollection("test", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { col.Close() })
	return col
}

func TestInsertAndGet(t *testing.T) {
	col := tempCollection(t)
	id, err := col.Insert(Document{"name": "Alice", "age": 30})
	require.NoError(t, err)

	doc, err := col.Get(id)
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.Equal(t, "Alice", doc["name"])
	require.EqualValues(t, id, doc["_id"])
}

func TestInsertAssignsVersion1(t *testing.T) {
	col := tempCollection(t)
	id, err := col.Insert(Document{"name": "Alice"})
	require.NoError(t, err)
	doc, err := col.Get(id)
	require.NoError(t, err)
	require.EqualValues(t, 1, doc["_version"])
	require.EqualValues(t, 1, col.getVersion(id))
}

func TestInsertNilFails(t *testing.T) {
	col := tempCollection(t)
	_, err := col.Insert(nil)
	require.ErrorIs(t, err, ErrNotAnObject)
}

func TestIDsMonotonicAndNeverReused(t *testing.T) {
	col := tempCollection(t)
	id1, err := col.Insert(Document{"n": 1})
	require.NoError(t, err)
	id2, err := col.Insert(Document{"n": 2})
	require.NoError(t, err)
	require.Equal(t, id1+1, id2)

	_, err = col.Delete(Document{"n": 2}, 0)
	require.NoError(t, err)
	id3, err := col.Insert(Document{"n": 3})
	require.NoError(t, err)
	require.Equal(t, id2+1, id3, "a deleted id is never reassigned")
}

func TestUpdateIncrementsVersion(t *testing.T) {
	col := tempCollection(t)
	id, err := col.Insert(Document{"name": "Alice"})
	require.NoError(t, err)

	count, err := col.Update(Document{"_id": int64(id)}, Document{"$set": Document{"name": "Bob"}}, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	doc, err := col.Get(id)
	require.NoError(t, err)
	require.EqualValues(t, 2, doc["_version"])
	require.Equal(t, "Bob", doc["name"])
	require.EqualValues(t, 2, col.getVersion(id))
}

func TestUpdateEmptyOperatorFails(t *testing.T) {
	col := tempCollection(t)
	_, err := col.Update(Document{}, Document{}, 0)
	var iq *InvalidQueryError
	require.ErrorAs(t, err, &iq)
}

func TestUpdateLimitOne(t *testing.T) {
	col := tempCollection(t)
	for i := 0; i < 3; i++ {
		_, err := col.Insert(Document{"status": "draft"})
		require.NoError(t, err)
	}
	count, err := col.Update(Document{"status": "draft"}, Document{"$set": Document{"status": "done"}}, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	remaining, err := col.CountMatching(Document{"status": "draft"})
	require.NoError(t, err)
	require.Equal(t, 2, remaining)
}

func TestFindWithIndex(t *testing.T) {
	col := tempCollection(t)
	require.NoError(t, col.CreateIndex("status"))
	for _, s := range []string{"active", "inactive", "active"} {
		_, err := col.Insert(Document{"status": s})
		require.NoError(t, err)
	}
	results, err := col.Find(Document{"status": "active"})
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestDateRangeQuery(t *testing.T) {
	col := tempCollection(t)
	require.NoError(t, col.CreateIndex("created_at"))

	for _, d := range []string{"2024-01-01", "2024-06-15", "2025-01-15"} {
		_, err := col.Insert(Document{"created_at": d})
		require.NoError(t, err)
	}

	results, err := col.Find(Document{
		"created_at": Document{"$gte": "2024-03-01", "$lt": "2025-01-01"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "2024-06-15", results[0]["created_at"])
}

func TestDateRangeIndexMatchesScan(t *testing.T) {
	// The same predicate must return identical sets with and without an
	// index on the date field.
	dates := []string{
		"2023-12-31", "2024-01-01", "2024-03-01", "2024-06-15T10:30:00Z",
		"2024-12-31 23:59:59", "2025-01-01", "not a date",
	}
	q := Document{"d": Document{"$gte": "2024-01-01", "$lte": "2024-12-31 23:59:59"}}

	plain := tempCollection(t)
	for _, d := range dates {
		_, err := plain.Insert(Document{"d": d})
		require.NoError(t, err)
	}
	scanned, err := plain.Find(q)
	require.NoError(t, err)

	indexed, err := OpenCollection("test2", t.TempDir())
	require.NoError(t, err)
	defer indexed.Close()
	require.NoError(t, indexed.CreateIndex("d"))
	for _, d := range dates {
		_, err := indexed.Insert(Document{"d": d})
		require.NoError(t, err)
	}
	viaIndex, err := indexed.Find(q)
	require.NoError(t, err)

	require.Equal(t, len(scanned), len(viaIndex))
	require.Len(t, viaIndex, 4)
}

func TestDeleteDoc(t *testing.T) {
	col := tempCollection(t)
	_, err := col.Insert(Document{"name": "Alice"})
	require.NoError(t, err)
	_, err = col.Insert(Document{"name": "Bob"})
	require.NoError(t, err)

	count, err := col.Delete(Document{"name": "Alice"}, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	require.Equal(t, 1, col.Count())
}

func TestUniqueIndexEnforced(t *testing.T) {
	col := tempCollection(t)
	require.NoError(t, col.CreateUniqueIndex("email"))
	_, err := col.Insert(Document{"email": "alice@test.com", "name": "Alice"})
	require.NoError(t, err)

	_, err = col.Insert(Document{"email": "alice@test.com", "name": "Bob"})
	var uv *UniqueViolationError
	require.ErrorAs(t, err, &uv)
	require.Equal(t, "email", uv.Field)
	require.Equal(t, 1, col.Count(), "no partial write")
}

func TestUniqueIndexAllowsDifferentValues(t *testing.T) {
	col := tempCollection(t)
	require.NoError(t, col.CreateUniqueIndex("email"))
	_, err := col.Insert(Document{"email": "alice@test.com"})
	require.NoError(t, err)
	_, err = col.Insert(Document{"email": "bob@test.com"})
	require.NoError(t, err)
	require.Equal(t, 2, col.Count())
}

func TestUniqueIndexUpdateSameDocOK(t *testing.T) {
	col := tempCollection(t)
	require.NoError(t, col.CreateUniqueIndex("email"))
	_, err := col.Insert(Document{"email": "alice@test.com", "name": "Alice"})
	require.NoError(t, err)

	count, err := col.Update(
		Document{"email": "alice@test.com"},
		Document{"$set": Document{"name": "Alicia"}}, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestUniqueIndexUpdateConflict(t *testing.T) {
	col := tempCollection(t)
	require.NoError(t, col.CreateUniqueIndex("email"))
	_, err := col.Insert(Document{"email": "alice@test.com", "name": "Alice"})
	require.NoError(t, err)
	_, err = col.Insert(Document{"email": "bob@test.com", "name": "Bob"})
	require.NoError(t, err)

	_, err = col.Update(
		Document{"name": "Bob"},
		Document{"$set": Document{"email": "alice@test.com"}}, 0)
	var uv *UniqueViolationError
	require.ErrorAs(t, err, &uv)

	bob, err := col.FindOne(Document{"name": "Bob"})
	require.NoError(t, err)
	require.Equal(t, "bob@test.com", bob["email"], "failed update must not change the doc")
}

func TestInsertManyUniqueViolationRollsBack(t *testing.T) {
	col := tempCollection(t)
	require.NoError(t, col.CreateUniqueIndex("email"))
	_, err := col.Insert(Document{"email": "alice@test.com"})
	require.NoError(t, err)

	_, err = col.InsertMany([]Document{
		{"email": "charlie@test.com"},
		{"email": "alice@test.com"}, // conflict
		{"email": "dave@test.com"},
	})
	var uv *UniqueViolationError
	require.ErrorAs(t, err, &uv)
	require.Equal(t, 1, col.Count(), "batch is all-or-nothing")
}

func TestInsertManyIntraBatchUniqueness(t *testing.T) {
	col := tempCollection(t)
	require.NoError(t, col.CreateUniqueIndex("email"))

	_, err := col.InsertMany([]Document{
		{"email": "same@test.com"},
		{"email": "same@test.com"},
	})
	var uv *UniqueViolationError
	require.ErrorAs(t, err, &uv)
	require.Equal(t, 0, col.Count())
}

func TestAtomicMultiDocUpdate(t *testing.T) {
	col := tempCollection(t)
	_, err := col.Insert(Document{"status": "draft", "title": "A"})
	require.NoError(t, err)
	_, err = col.Insert(Document{"status": "draft", "title": "B"})
	require.NoError(t, err)

	count, err := col.Update(
		Document{"status": "draft"},
		Document{"$set": Document{"status": "published"}}, 0)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	published, err := col.Find(Document{"status": "published"})
	require.NoError(t, err)
	require.Len(t, published, 2)
	drafts, err := col.Find(Document{"status": "draft"})
	require.NoError(t, err)
	require.Empty(t, drafts)
}

func TestSortSkipLimit(t *testing.T) {
	col := tempCollection(t)
	for i := 0; i < 10; i++ {
		_, err := col.Insert(Document{"n": i})
		require.NoError(t, err)
	}

	results, err := col.FindWithOptions(Document{}, FindOptions{
		Sort: []SortField{{Field: "n", Order: SortAsc}}, Skip: 3, Limit: 4,
	})
	require.NoError(t, err)
	require.Len(t, results, 4)
	for i, want := range []int64{3, 4, 5, 6} {
		require.EqualValues(t, want, results[i]["n"])
	}
}

func TestSortDescending(t *testing.T) {
	col := tempCollection(t)
	for _, d := range []Document{
		{"name": "Charlie", "age": 35},
		{"name": "Alice", "age": 25},
		{"name": "Bob", "age": 30},
	} {
		_, err := col.Insert(d)
		require.NoError(t, err)
	}
	results, err := col.FindWithOptions(Document{}, FindOptions{
		Sort: []SortField{{Field: "age", Order: SortDesc}},
	})
	require.NoError(t, err)
	require.Equal(t, "Charlie", results[0]["name"])
	require.Equal(t, "Bob", results[1]["name"])
	require.Equal(t, "Alice", results[2]["name"])
}

func TestSortMultiField(t *testing.T) {
	col := tempCollection(t)
	for _, d := range []Document{
		{"dept": "eng", "age": 30, "name": "Bob"},
		{"dept": "eng", "age": 25, "name": "Alice"},
		{"dept": "sales", "age": 28, "name": "Charlie"},
		{"dept": "eng", "age": 35, "name": "Dave"},
	} {
		_, err := col.Insert(d)
		require.NoError(t, err)
	}
	results, err := col.FindWithOptions(Document{}, FindOptions{
		Sort: []SortField{
			{Field: "dept", Order: SortAsc},
			{Field: "age", Order: SortAsc},
		},
	})
	require.NoError(t, err)
	names := []string{}
	for _, r := range results {
		names = append(names, r["name"].(string))
	}
	require.Equal(t, []string{"Alice", "Bob", "Dave", "Charlie"}, names)
}

func TestIndexBackedSortStopsEarly(t *testing.T) {
	// With an index on the sort key and a limit, the scan stops once
	// skip+limit rows are collected instead of visiting every posting.
	col := tempCollection(t)
	require.NoError(t, col.CreateIndex("t"))
	for i := 0; i < 1000; i++ {
		_, err := col.Insert(Document{"t": i})
		require.NoError(t, err)
	}

	results, err := col.FindWithOptions(Document{}, FindOptions{
		Sort: []SortField{{Field: "t", Order: SortAsc}}, Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, want := range []int64{0, 1, 2, 3, 4} {
		require.EqualValues(t, want, results[i]["t"])
	}

	desc, err := col.FindWithOptions(Document{}, FindOptions{
		Sort: []SortField{{Field: "t", Order: SortDesc}}, Limit: 3,
	})
	require.NoError(t, err)
	require.Len(t, desc, 3)
	require.EqualValues(t, 999, desc[0]["t"])
}

func TestCountUsesIndexCardinality(t *testing.T) {
	col := tempCollection(t)
	require.NoError(t, col.CreateIndex("created_at"))
	for _, d := range []string{"2024-01-01", "2024-06-15", "2024-09-01", "2025-01-15"} {
		_, err := col.Insert(Document{"created_at": d})
		require.NoError(t, err)
	}

	count, err := col.CountMatching(Document{
		"created_at": Document{"$gte": "2024-03-01", "$lt": "2025-01-01"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	all, err := col.CountMatching(Document{})
	require.NoError(t, err)
	require.Equal(t, 4, all)
}

func TestCompactReclaimsSpace(t *testing.T) {
	col := tempCollection(t)
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = 'x'
	}
	for i := 0; i < 10; i++ {
		_, err := col.Insert(Document{"n": i, "payload": string(payload)})
		require.NoError(t, err)
	}

	sizeBefore := col.storage.FileSize()
	count, err := col.Delete(Document{"n": Document{"$lt": 7}}, 0)
	require.NoError(t, err)
	require.EqualValues(t, 7, count)
	require.Equal(t, 3, col.Count())

	// Soft delete does not shrink the file.
	require.GreaterOrEqual(t, col.storage.FileSize(), sizeBefore)

	stats, err := col.Compact()
	require.NoError(t, err)
	require.Equal(t, 3, stats.DocsKept)
	require.Less(t, stats.NewSize, stats.OldSize)

	results, err := col.Find(Document{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, doc := range results {
		n := doc["n"].(int64)
		require.True(t, n >= 7 && n < 10)
		id, ok := docID(doc)
		require.True(t, ok)
		require.EqualValues(t, n+1, id, "original _ids survive compaction")
	}
}

func TestCompactPreservesDocumentSet(t *testing.T) {
	col := tempCollection(t)
	require.NoError(t, col.CreateIndex("status"))
	for i := 0; i < 20; i++ {
		status := "even"
		if i%2 == 1 {
			status = "odd"
		}
		_, err := col.Insert(Document{"n": i, "status": status})
		require.NoError(t, err)
	}
	_, err := col.Delete(Document{"status": "odd"}, 0)
	require.NoError(t, err)

	before, err := col.Find(Document{})
	require.NoError(t, err)

	_, err = col.Compact()
	require.NoError(t, err)

	after, err := col.Find(Document{})
	require.NoError(t, err)
	require.Equal(t, len(before), len(after))

	// Indexes still answer correctly after the rebuild.
	evens, err := col.Find(Document{"status": "even"})
	require.NoError(t, err)
	require.Len(t, evens, 10)
}

func TestQueryOperators(t *testing.T) {
	col := tempCollection(t)
	for i := 1; i <= 5; i++ {
		_, err := col.Insert(Document{"n": i})
		require.NoError(t, err)
	}

	cases := []struct {
		q    Document
		want int
	}{
		{Document{"n": Document{"$gt": 3}}, 2},
		{Document{"n": Document{"$gte": 3}}, 3},
		{Document{"n": Document{"$lt": 3}}, 2},
		{Document{"n": Document{"$lte": 3}}, 3},
		{Document{"n": Document{"$ne": 3}}, 4},
		{Document{"n": Document{"$in": []any{1, 5, 99}}}, 2},
		{Document{"n": Document{"$exists": true}}, 5},
		{Document{"missing": Document{"$exists": false}}, 5},
		{Document{"$or": []any{
			map[string]any{"n": 1},
			map[string]any{"n": Document{"$gte": 4}},
		}}, 3},
		{Document{"$and": []any{
			map[string]any{"n": Document{"$gt": 1}},
			map[string]any{"n": Document{"$lt": 4}},
		}}, 2},
	}
	for _, tc := range cases {
		results, err := col.Find(tc.q)
		require.NoError(t, err)
		require.Len(t, results, tc.want, "query %v", tc.q)
	}
}

func TestUnknownQueryOperator(t *testing.T) {
	col := tempCollection(t)
	_, err := col.Find(Document{"n": Document{"$regex": "x"}})
	var iq *InvalidQueryError
	require.ErrorAs(t, err, &iq)
}

func TestFindOneShortCircuits(t *testing.T) {
	col := tempCollection(t)
	for i := 0; i < 5; i++ {
		_, err := col.Insert(Document{"n": i})
		require.NoError(t, err)
	}
	doc, err := col.FindOne(Document{"n": 3})
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.EqualValues(t, 3, doc["n"])

	missing, err := col.FindOne(Document{"n": 99})
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestTextSearchOnCollection(t *testing.T) {
	col := tempCollection(t)
	require.NoError(t, col.CreateTextIndex([]string{"title", "body"}))

	_, err := col.Insert(Document{"title": "intro", "body": "database database database"})
	require.NoError(t, err)
	_, err = col.Insert(Document{"title": "other", "body": "one database mention here"})
	require.NoError(t, err)

	results, err := col.TextSearch("database", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "intro", results[0]["title"])
	require.Greater(t, results[0]["_score"].(float64), results[1]["_score"].(float64))
}

func TestTextSearchWithoutIndexFails(t *testing.T) {
	col := tempCollection(t)
	_, err := col.TextSearch("anything", 10)
	var iq *InvalidQueryError
	require.ErrorAs(t, err, &iq)
}

func TestVectorIndexOnCollection(t *testing.T) {
	col := tempCollection(t)
	require.NoError(t, col.CreateVectorIndex("embedding", 3, vector.Euclidean))

	for i := 0; i < 10; i++ {
		_, err := col.Insert(Document{"n": i, "embedding": []any{float64(i), 0.0, 0.0}})
		require.NoError(t, err)
	}

	results, err := col.VectorSearch("embedding", []float32{4.1, 0, 0}, 3, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.EqualValues(t, 4, results[0]["n"])
	d0 := results[0]["_distance"].(float64)
	d1 := results[1]["_distance"].(float64)
	require.LessOrEqual(t, d0, d1)
}

func TestVectorDimensionMismatchFailsInsert(t *testing.T) {
	col := tempCollection(t)
	require.NoError(t, col.CreateVectorIndex("embedding", 3, vector.Cosine))
	before := col.Count()

	_, err := col.Insert(Document{"embedding": []any{1.0, 2.0}})
	var iq *InvalidQueryError
	require.ErrorAs(t, err, &iq)
	require.Equal(t, before, col.Count(), "no durable state change on dimension mismatch")
}

func TestSchemaValidation(t *testing.T) {
	col := tempCollection(t)
	require.NoError(t, col.SetSchema(`{
		"type": "object",
		"required": ["name"],
		"properties": {"name": {"type": "string"}}
	}`))

	_, err := col.Insert(Document{"name": "Alice"})
	require.NoError(t, err)

	_, err = col.Insert(Document{"age": 30})
	require.Error(t, err)
	require.Equal(t, 1, col.Count())

	require.NoError(t, col.SetSchema(""))
	_, err = col.Insert(Document{"age": 30})
	require.NoError(t, err)
}

func TestListAndDropIndexes(t *testing.T) {
	col := tempCollection(t)
	require.NoError(t, col.CreateIndex("a"))
	require.NoError(t, col.CreateUniqueIndex("b"))
	_, err := col.CreateCompositeIndex([]string{"c", "d"})
	require.NoError(t, err)
	require.NoError(t, col.CreateTextIndex([]string{"e"}))

	infos := col.ListIndexes()
	require.Len(t, infos, 4)

	require.NoError(t, col.DropIndex("a"))
	require.NoError(t, col.DropIndex("c_d"))
	require.NoError(t, col.DropIndex("_text"))
	require.Len(t, col.ListIndexes(), 1)

	err = col.DropIndex("nonexistent")
	var nf *IndexNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestCreateDuplicateIndexFails(t *testing.T) {
	col := tempCollection(t)
	require.NoError(t, col.CreateIndex("a"))
	err := col.CreateIndex("a")
	var exists *IndexExistsError
	require.ErrorAs(t, err, &exists)
}

func TestCompositeIndexMaintainedByCRUD(t *testing.T) {
	col := tempCollection(t)
	name, err := col.CreateCompositeIndex([]string{"status", "priority"})
	require.NoError(t, err)
	require.Equal(t, "status_priority", name)
	for i := 0; i < 6; i++ {
		status := "open"
		if i%2 == 0 {
			status = "closed"
		}
		_, err := col.Insert(Document{"status": status, "priority": i})
		require.NoError(t, err)
	}

	idx := col.compositeIndexes[0]
	open := idx.FindPrefix([]index.Value{index.StringValue("open")})
	require.EqualValues(t, 3, open.GetCardinality())

	_, err = col.Delete(Document{"status": "open"}, 0)
	require.NoError(t, err)
	open = idx.FindPrefix([]index.Value{index.StringValue("open")})
	require.True(t, open.IsEmpty())
}
