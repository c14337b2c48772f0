package oxidb

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/oxidb/oxidb/index"
)

// SortOrder is the direction of one sort key.
type SortOrder int

const (
	SortAsc  SortOrder = 1
	SortDesc SortOrder = -1
)

// SortField is one (field, direction) pair.
type SortField struct {
	Field string
	Order SortOrder
}

// FindOptions carries sort/skip/limit for find operations. Limit 0 means
// unlimited.
type FindOptions struct {
	Sort  []SortField
	Skip  int
	Limit int
}

type opKind int

const (
	opEq opKind = iota
	opNe
	opGt
	opGte
	opLt
	opLte
	opIn
	opExists
)

type queryOp struct {
	kind   opKind
	value  index.Value
	values []index.Value // for opIn
	exists bool          // for opExists
}

type queryKind int

const (
	queryAll queryKind = iota
	queryField
	queryAnd
	queryOr
)

// query is the parsed AST of a find predicate.
type query struct {
	kind  queryKind
	field string
	op    queryOp
	subs  []query
}

// parseQuery converts a map-based query ({"age": {"$gt": 25}}) into an AST.
// A nil or empty query matches everything.
func parseQuery(q Document) (query, error) {
	if len(q) == 0 {
		return query{kind: queryAll}, nil
	}

	var conditions []query
	for key, value := range q {
		switch key {
		case "$and", "$or":
			arr, ok := value.([]any)
			if !ok {
				return query{}, invalidQueryf("%s must be an array", key)
			}
			subs := make([]query, 0, len(arr))
			for _, item := range arr {
				sub, ok := item.(map[string]any)
				if !ok {
					return query{}, invalidQueryf("element of %s must be an object", key)
				}
				parsed, err := parseQuery(sub)
				if err != nil {
					return query{}, err
				}
				subs = append(subs, parsed)
			}
			kind := queryAnd
			if key == "$or" {
				kind = queryOr
			}
			conditions = append(conditions, query{kind: kind, subs: subs})
		default:
			ops, isObj := value.(map[string]any)
			hasOps := false
			if isObj {
				for opKey := range ops {
					if len(opKey) > 0 && opKey[0] == '$' {
						hasOps = true
						break
					}
				}
			}
			if hasOps {
				for opKey, opVal := range ops {
					op, err := parseOp(opKey, opVal)
					if err != nil {
						return query{}, err
					}
					conditions = append(conditions, query{kind: queryField, field: key, op: op})
				}
			} else {
				// Shorthand equality (including plain-object equality).
				conditions = append(conditions, query{
					kind:  queryField,
					field: key,
					op:    queryOp{kind: opEq, value: index.FromAny(value)},
				})
			}
		}
	}

	switch len(conditions) {
	case 0:
		return query{kind: queryAll}, nil
	case 1:
		return conditions[0], nil
	default:
		return query{kind: queryAnd, subs: conditions}, nil
	}
}

func parseOp(opKey string, opVal any) (queryOp, error) {
	switch opKey {
	case "$eq":
		return queryOp{kind: opEq, value: index.FromAny(opVal)}, nil
	case "$ne":
		return queryOp{kind: opNe, value: index.FromAny(opVal)}, nil
	case "$gt":
		return queryOp{kind: opGt, value: index.FromAny(opVal)}, nil
	case "$gte":
		return queryOp{kind: opGte, value: index.FromAny(opVal)}, nil
	case "$lt":
		return queryOp{kind: opLt, value: index.FromAny(opVal)}, nil
	case "$lte":
		return queryOp{kind: opLte, value: index.FromAny(opVal)}, nil
	case "$in":
		arr, ok := opVal.([]any)
		if !ok {
			return queryOp{}, invalidQueryf("$in must be an array")
		}
		values := make([]index.Value, len(arr))
		for i, v := range arr {
			values[i] = index.FromAny(v)
		}
		return queryOp{kind: opIn, values: values}, nil
	case "$exists":
		b, ok := opVal.(bool)
		if !ok {
			return queryOp{}, invalidQueryf("$exists must be a boolean")
		}
		return queryOp{kind: opExists, exists: b}, nil
	default:
		return queryOp{}, invalidQueryf("unknown operator: %s", opKey)
	}
}

// matchesDoc evaluates the predicate against one document (post-filter).
func matchesDoc(q query, doc Document) bool {
	switch q.kind {
	case queryAll:
		return true
	case queryField:
		fieldVal, present := index.ResolveField(doc, q.field)
		if q.op.kind == opExists {
			return present == q.op.exists
		}
		if !present {
			return false
		}
		iv := index.FromAny(fieldVal)
		switch q.op.kind {
		case opEq:
			return index.Equal(iv, q.op.value)
		case opNe:
			return !index.Equal(iv, q.op.value)
		case opGt:
			return index.Compare(iv, q.op.value) > 0
		case opGte:
			return index.Compare(iv, q.op.value) >= 0
		case opLt:
			return index.Compare(iv, q.op.value) < 0
		case opLte:
			return index.Compare(iv, q.op.value) <= 0
		case opIn:
			for _, v := range q.op.values {
				if index.Equal(iv, v) {
					return true
				}
			}
			return false
		default:
			return false
		}
	case queryAnd:
		for _, sub := range q.subs {
			if !matchesDoc(sub, doc) {
				return false
			}
		}
		return true
	default: // queryOr
		for _, sub := range q.subs {
			if matchesDoc(sub, doc) {
				return true
			}
		}
		return false
	}
}

// executeIndexed resolves the predicate to a candidate id set using the
// available indexes. ok=false means no useful index — scan the cache.
//
// AND intersects whichever children resolve; unresolved children are left
// to the post-filter. OR is only useful if every child resolves.
func executeIndexed(q query, fieldIndexes map[string]*index.FieldIndex, compositeIndexes []*index.CompositeIndex) (*roaring64.Bitmap, bool) {
	switch q.kind {
	case queryAll:
		return nil, false
	case queryField:
		return executeFieldOp(q.field, q.op, fieldIndexes)
	case queryAnd:
		var result *roaring64.Bitmap
		for _, sub := range q.subs {
			ids, ok := executeIndexed(sub, fieldIndexes, compositeIndexes)
			if !ok {
				continue
			}
			if result == nil {
				result = ids
			} else {
				result.And(ids)
			}
		}
		return result, result != nil
	default: // queryOr
		result := roaring64.New()
		for _, sub := range q.subs {
			ids, ok := executeIndexed(sub, fieldIndexes, compositeIndexes)
			if !ok {
				return nil, false
			}
			result.Or(ids)
		}
		return result, true
	}
}

func executeFieldOp(field string, op queryOp, fieldIndexes map[string]*index.FieldIndex) (*roaring64.Bitmap, bool) {
	idx, ok := fieldIndexes[field]
	if !ok {
		return nil, false
	}
	switch op.kind {
	case opEq:
		return idx.FindEq(op.value), true
	case opNe:
		return idx.FindNe(op.value), true
	case opGt:
		return idx.FindRange(index.Excluded(op.value), index.Unbounded()), true
	case opGte:
		return idx.FindRange(index.Included(op.value), index.Unbounded()), true
	case opLt:
		return idx.FindRange(index.Unbounded(), index.Excluded(op.value)), true
	case opLte:
		return idx.FindRange(index.Unbounded(), index.Included(op.value)), true
	case opIn:
		return idx.FindIn(op.values), true
	default:
		// $exists never uses an index.
		return nil, false
	}
}

// isFullyIndexed reports whether every condition is backed by a field index,
// in which case executeIndexed returns the exact match set and the
// post-filter can be skipped.
func isFullyIndexed(q query, fieldIndexes map[string]*index.FieldIndex) bool {
	switch q.kind {
	case queryAll:
		return true
	case queryField:
		if q.op.kind == opExists {
			return false
		}
		_, ok := fieldIndexes[q.field]
		return ok
	case queryAnd:
		for _, sub := range q.subs {
			if !isFullyIndexed(sub, fieldIndexes) {
				return false
			}
		}
		return true
	default:
		for _, sub := range q.subs {
			if !isFullyIndexed(sub, fieldIndexes) {
				return false
			}
		}
		return true
	}
}

// countIndexed counts matches using only index cardinality, without
// materializing an id set. ok=false means the caller must fall back to
// scanning candidates. Recognizes AND of range conditions on a single
// indexed field (e.g. {created_at: {$gte: X, $lt: Y}}).
func countIndexed(q query, fieldIndexes map[string]*index.FieldIndex) (int, bool) {
	switch q.kind {
	case queryField:
		idx, ok := fieldIndexes[q.field]
		if !ok {
			return 0, false
		}
		switch q.op.kind {
		case opEq:
			return idx.CountEq(q.op.value), true
		case opGt:
			return idx.CountRange(index.Excluded(q.op.value), index.Unbounded()), true
		case opGte:
			return idx.CountRange(index.Included(q.op.value), index.Unbounded()), true
		case opLt:
			return idx.CountRange(index.Unbounded(), index.Excluded(q.op.value)), true
		case opLte:
			return idx.CountRange(index.Unbounded(), index.Included(q.op.value)), true
		case opIn:
			return idx.CountIn(q.op.values), true
		default:
			return 0, false
		}
	case queryAnd:
		return countSingleFieldAnd(q.subs, fieldIndexes)
	default:
		return 0, false
	}
}

// countSingleFieldAnd merges an AND of range conditions on the same field
// into one index range count.
func countSingleFieldAnd(subs []query, fieldIndexes map[string]*index.FieldIndex) (int, bool) {
	var fieldName string
	var gteBound, gtBound, ltBound, lteBound, eqValue *index.Value

	for i := range subs {
		sub := &subs[i]
		if sub.kind != queryField {
			return 0, false
		}
		if fieldName == "" {
			fieldName = sub.field
		} else if fieldName != sub.field {
			return 0, false
		}
		v := sub.op.value
		switch sub.op.kind {
		case opGte:
			gteBound = &v
		case opGt:
			gtBound = &v
		case opLt:
			ltBound = &v
		case opLte:
			lteBound = &v
		case opEq:
			eqValue = &v
		default:
			return 0, false
		}
	}

	idx, ok := fieldIndexes[fieldName]
	if !ok {
		return 0, false
	}
	if eqValue != nil {
		return idx.CountEq(*eqValue), true
	}

	lo := index.Unbounded()
	if gteBound != nil {
		lo = index.Included(*gteBound)
	} else if gtBound != nil {
		lo = index.Excluded(*gtBound)
	}
	hi := index.Unbounded()
	if ltBound != nil {
		hi = index.Excluded(*ltBound)
	} else if lteBound != nil {
		hi = index.Included(*lteBound)
	}
	return idx.CountRange(lo, hi), true
}
