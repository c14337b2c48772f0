package oxidb

import (
	"sort"

	json "github.com/goccy/go-json"

	"github.com/oxidb/oxidb/index"
)

// The aggregation pipeline applies a list of stages to a document stream:
// $match, $group, $sort, $skip, $limit, $project, $count, $unwind,
// $addFields, $lookup. When the first stage is $match the engine lifts it to
// a pre-filter on the source collection so indexes apply before execution.

// -- Expressions -------------------------------------------------------------

type exprKind int

const (
	exprLiteral exprKind = iota
	exprFieldRef
	exprAdd
	exprSubtract
	exprMultiply
	exprDivide
)

type expression struct {
	kind    exprKind
	literal any
	field   string
	args    []expression
}

func parseExpression(val any) (expression, error) {
	switch v := val.(type) {
	case string:
		if len(v) > 0 && v[0] == '$' {
			return expression{kind: exprFieldRef, field: v[1:]}, nil
		}
		return expression{kind: exprLiteral, literal: v}, nil
	case map[string]any:
		if len(v) == 1 {
			for key, arg := range v {
				switch key {
				case "$add", "$multiply":
					arr, ok := arg.([]any)
					if !ok {
						return expression{}, invalidPipelinef("%s requires an array", key)
					}
					args, err := parseExpressions(arr)
					if err != nil {
						return expression{}, err
					}
					kind := exprAdd
					if key == "$multiply" {
						kind = exprMultiply
					}
					return expression{kind: kind, args: args}, nil
				case "$subtract", "$divide":
					arr, ok := arg.([]any)
					if !ok || len(arr) != 2 {
						return expression{}, invalidPipelinef("%s requires exactly 2 arguments", key)
					}
					args, err := parseExpressions(arr)
					if err != nil {
						return expression{}, err
					}
					kind := exprSubtract
					if key == "$divide" {
						kind = exprDivide
					}
					return expression{kind: kind, args: args}, nil
				}
			}
		}
		return expression{kind: exprLiteral, literal: v}, nil
	default:
		return expression{kind: exprLiteral, literal: val}, nil
	}
}

func parseExpressions(arr []any) ([]expression, error) {
	exprs := make([]expression, len(arr))
	for i, item := range arr {
		e, err := parseExpression(item)
		if err != nil {
			return nil, err
		}
		exprs[i] = e
	}
	return exprs, nil
}

func (e expression) eval(doc Document) any {
	switch e.kind {
	case exprLiteral:
		return e.literal
	case exprFieldRef:
		return resolvePath(doc, e.field)
	case exprAdd:
		sum := 0.0
		for _, arg := range e.args {
			n, ok := toFloat(arg.eval(doc))
			if !ok {
				return nil
			}
			sum += n
		}
		return numberToValue(sum)
	case exprSubtract:
		a, okA := toFloat(e.args[0].eval(doc))
		b, okB := toFloat(e.args[1].eval(doc))
		if !okA || !okB {
			return nil
		}
		return numberToValue(a - b)
	case exprMultiply:
		product := 1.0
		for _, arg := range e.args {
			n, ok := toFloat(arg.eval(doc))
			if !ok {
				return nil
			}
			product *= n
		}
		return numberToValue(product)
	default: // exprDivide
		a, okA := toFloat(e.args[0].eval(doc))
		b, okB := toFloat(e.args[1].eval(doc))
		if !okA || !okB || b == 0 {
			return nil
		}
		return numberToValue(a / b)
	}
}

// -- Group stage -------------------------------------------------------------

type groupKeyKind int

const (
	groupKeyNull groupKeyKind = iota
	groupKeySingle
	groupKeyCompound
)

type groupKey struct {
	kind   groupKeyKind
	single expression
	fields []namedExpression
}

type namedExpression struct {
	name string
	expr expression
}

type accKind int

const (
	accSum accKind = iota
	accAvg
	accMin
	accMax
	accCount
	accFirst
	accLast
	accPush
)

type accumulator struct {
	name string
	kind accKind
	expr expression
}

type accState struct {
	sum   float64
	count uint64
	value any
	set   bool
	list  []any
}

func parseAccumulator(name string, val any) (accumulator, error) {
	obj, ok := val.(map[string]any)
	if !ok || len(obj) != 1 {
		return accumulator{}, invalidPipelinef("accumulator must have exactly one operator")
	}
	for op, arg := range obj {
		var kind accKind
		switch op {
		case "$sum":
			kind = accSum
		case "$avg":
			kind = accAvg
		case "$min":
			kind = accMin
		case "$max":
			kind = accMax
		case "$count":
			return accumulator{name: name, kind: accCount}, nil
		case "$first":
			kind = accFirst
		case "$last":
			kind = accLast
		case "$push":
			kind = accPush
		default:
			return accumulator{}, invalidPipelinef("unknown accumulator: %s", op)
		}
		expr, err := parseExpression(arg)
		if err != nil {
			return accumulator{}, err
		}
		return accumulator{name: name, kind: kind, expr: expr}, nil
	}
	return accumulator{}, invalidPipelinef("empty accumulator")
}

// -- Stages ------------------------------------------------------------------

type stageKind int

const (
	stageMatch stageKind = iota
	stageGroup
	stageSort
	stageSkip
	stageLimit
	stageProject
	stageCount
	stageUnwind
	stageAddFields
	stageLookup
)

type projectionMode int

const (
	projInclude projectionMode = iota
	projExclude
	projCompute
)

type projectionField struct {
	name string
	mode projectionMode
	expr expression
}

type stage struct {
	kind         stageKind
	match        Document
	key          groupKey
	accumulators []accumulator
	sortFields   []SortField
	n            int
	projections  []projectionField
	countField   string
	unwindPath   string
	preserveNull bool
	addFields    []namedExpression
	lookupFrom   string
	localField   string
	foreignField string
	asField      string
}

// pipeline is a parsed list of stages.
type pipeline struct {
	stages []stage
}

// lookupFunc resolves $lookup joins against another collection.
type lookupFunc func(foreign string, q Document) ([]Document, error)

func parsePipeline(stagesIn []Document) (*pipeline, error) {
	p := &pipeline{}
	for _, stageObj := range stagesIn {
		if len(stageObj) != 1 {
			return nil, invalidPipelinef("each pipeline stage must have exactly one key")
		}
		for name, body := range stageObj {
			st, err := parseStage(name, body)
			if err != nil {
				return nil, err
			}
			p.stages = append(p.stages, st)
		}
	}
	return p, nil
}

func parseStage(name string, body any) (stage, error) {
	switch name {
	case "$match":
		obj, ok := body.(map[string]any)
		if !ok {
			return stage{}, invalidPipelinef("$match must be an object")
		}
		return stage{kind: stageMatch, match: obj}, nil
	case "$group":
		return parseGroupStage(body)
	case "$sort":
		fields, err := parseSortSpec(body)
		if err != nil {
			return stage{}, err
		}
		return stage{kind: stageSort, sortFields: fields}, nil
	case "$skip":
		n, ok := toNonNegativeInt(body)
		if !ok {
			return stage{}, invalidPipelinef("$skip must be a non-negative integer")
		}
		return stage{kind: stageSkip, n: n}, nil
	case "$limit":
		n, ok := toNonNegativeInt(body)
		if !ok {
			return stage{}, invalidPipelinef("$limit must be a non-negative integer")
		}
		return stage{kind: stageLimit, n: n}, nil
	case "$project":
		return parseProjectStage(body)
	case "$count":
		field, ok := body.(string)
		if !ok {
			return stage{}, invalidPipelinef("$count must be a string")
		}
		return stage{kind: stageCount, countField: field}, nil
	case "$unwind":
		return parseUnwindStage(body)
	case "$addFields":
		obj, ok := body.(map[string]any)
		if !ok {
			return stage{}, invalidPipelinef("$addFields must be an object")
		}
		fields := make([]namedExpression, 0, len(obj))
		for k, v := range obj {
			expr, err := parseExpression(v)
			if err != nil {
				return stage{}, err
			}
			fields = append(fields, namedExpression{name: k, expr: expr})
		}
		return stage{kind: stageAddFields, addFields: fields}, nil
	case "$lookup":
		return parseLookupStage(body)
	default:
		return stage{}, invalidPipelinef("unknown stage: %s", name)
	}
}

func toNonNegativeInt(v any) (int, bool) {
	n, ok := toFloat(v)
	if !ok || n < 0 || n != float64(int(n)) {
		return 0, false
	}
	return int(n), true
}

func parseSortSpec(body any) ([]SortField, error) {
	obj, ok := body.(map[string]any)
	if !ok {
		return nil, invalidPipelinef("$sort must be an object")
	}
	fields := make([]SortField, 0, len(obj))
	for field, dir := range obj {
		n, ok := toFloat(dir)
		if !ok || (n != 1 && n != -1) {
			return nil, invalidPipelinef("sort direction must be 1 or -1")
		}
		order := SortAsc
		if n == -1 {
			order = SortDesc
		}
		fields = append(fields, SortField{Field: field, Order: order})
	}
	return fields, nil
}

func parseGroupStage(body any) (stage, error) {
	obj, ok := body.(map[string]any)
	if !ok {
		return stage{}, invalidPipelinef("$group must be an object")
	}
	idVal, hasID := obj["_id"]
	if !hasID {
		return stage{}, invalidPipelinef("$group requires '_id' field")
	}

	var key groupKey
	switch id := idVal.(type) {
	case nil:
		key = groupKey{kind: groupKeyNull}
	case string:
		if len(id) > 0 && id[0] == '$' {
			key = groupKey{kind: groupKeySingle, single: expression{kind: exprFieldRef, field: id[1:]}}
		} else {
			key = groupKey{kind: groupKeySingle, single: expression{kind: exprLiteral, literal: id}}
		}
	case map[string]any:
		hasOperators := false
		for k := range id {
			if len(k) > 0 && k[0] == '$' {
				hasOperators = true
				break
			}
		}
		if hasOperators {
			expr, err := parseExpression(idVal)
			if err != nil {
				return stage{}, err
			}
			key = groupKey{kind: groupKeySingle, single: expr}
		} else {
			fields := make([]namedExpression, 0, len(id))
			for k, v := range id {
				expr, err := parseExpression(v)
				if err != nil {
					return stage{}, err
				}
				fields = append(fields, namedExpression{name: k, expr: expr})
			}
			key = groupKey{kind: groupKeyCompound, fields: fields}
		}
	default:
		key = groupKey{kind: groupKeySingle, single: expression{kind: exprLiteral, literal: idVal}}
	}

	accumulators := make([]accumulator, 0, len(obj)-1)
	for name, spec := range obj {
		if name == "_id" {
			continue
		}
		acc, err := parseAccumulator(name, spec)
		if err != nil {
			return stage{}, err
		}
		accumulators = append(accumulators, acc)
	}
	// Deterministic accumulator ordering regardless of map iteration.
	sort.Slice(accumulators, func(i, j int) bool { return accumulators[i].name < accumulators[j].name })

	return stage{kind: stageGroup, key: key, accumulators: accumulators}, nil
}

func parseProjectStage(body any) (stage, error) {
	obj, ok := body.(map[string]any)
	if !ok {
		return stage{}, invalidPipelinef("$project must be an object")
	}
	fields := make([]projectionField, 0, len(obj))
	for field, spec := range obj {
		var pf projectionField
		pf.name = field
		switch v := spec.(type) {
		case bool:
			if v {
				pf.mode = projInclude
			} else {
				pf.mode = projExclude
			}
		case int64, int, float64:
			n, _ := toFloat(v)
			if n == 1 {
				pf.mode = projInclude
			} else if n == 0 {
				pf.mode = projExclude
			} else {
				return stage{}, invalidPipelinef("projection value must be 0 or 1")
			}
		default:
			expr, err := parseExpression(spec)
			if err != nil {
				return stage{}, err
			}
			pf.mode = projCompute
			pf.expr = expr
		}
		fields = append(fields, pf)
	}
	return stage{kind: stageProject, projections: fields}, nil
}

func parseUnwindStage(body any) (stage, error) {
	switch v := body.(type) {
	case string:
		if len(v) == 0 || v[0] != '$' {
			return stage{}, invalidPipelinef("$unwind path must start with $")
		}
		return stage{kind: stageUnwind, unwindPath: v[1:]}, nil
	case map[string]any:
		path, ok := v["path"].(string)
		if !ok {
			return stage{}, invalidPipelinef("$unwind requires 'path' string")
		}
		if len(path) == 0 || path[0] != '$' {
			return stage{}, invalidPipelinef("$unwind path must start with $")
		}
		preserve, _ := v["preserveNullAndEmptyArrays"].(bool)
		return stage{kind: stageUnwind, unwindPath: path[1:], preserveNull: preserve}, nil
	default:
		return stage{}, invalidPipelinef("$unwind must be a string or object")
	}
}

func parseLookupStage(body any) (stage, error) {
	obj, ok := body.(map[string]any)
	if !ok {
		return stage{}, invalidPipelinef("$lookup must be an object")
	}
	get := func(key string) (string, error) {
		s, ok := obj[key].(string)
		if !ok {
			return "", invalidPipelinef("$lookup requires '%s' string", key)
		}
		return s, nil
	}
	from, err := get("from")
	if err != nil {
		return stage{}, err
	}
	localField, err := get("localField")
	if err != nil {
		return stage{}, err
	}
	foreignField, err := get("foreignField")
	if err != nil {
		return stage{}, err
	}
	asField, err := get("as")
	if err != nil {
		return stage{}, err
	}
	return stage{
		kind:         stageLookup,
		lookupFrom:   from,
		localField:   localField,
		foreignField: foreignField,
		asField:      asField,
	}, nil
}

// takeLeadingMatch returns the first stage's query if it is $match, plus the
// execution start index.
func (p *pipeline) takeLeadingMatch() (Document, int) {
	if len(p.stages) > 0 && p.stages[0].kind == stageMatch {
		return p.stages[0].match, 1
	}
	return nil, 0
}

// executeFrom runs stages[start:] over docs.
func (p *pipeline) executeFrom(start int, docs []Document, lookup lookupFunc) ([]Document, error) {
	current := docs
	for _, st := range p.stages[start:] {
		var err error
		switch st.kind {
		case stageMatch:
			current, err = execMatch(current, st.match)
		case stageGroup:
			current, err = execGroup(current, st.key, st.accumulators)
		case stageSort:
			current = execSort(current, st.sortFields)
		case stageSkip:
			if st.n >= len(current) {
				current = nil
			} else {
				current = current[st.n:]
			}
		case stageLimit:
			if st.n < len(current) {
				current = current[:st.n]
			}
		case stageProject:
			current = execProject(current, st.projections)
		case stageCount:
			current = []Document{{st.countField: int64(len(current))}}
		case stageUnwind:
			current = execUnwind(current, st.unwindPath, st.preserveNull)
		case stageAddFields:
			current = execAddFields(current, st.addFields)
		case stageLookup:
			current, err = execLookup(current, st, lookup)
		}
		if err != nil {
			return nil, err
		}
	}
	return current, nil
}

func execMatch(docs []Document, matchVal Document) ([]Document, error) {
	q, err := parseQuery(matchVal)
	if err != nil {
		return nil, err
	}
	out := docs[:0:0]
	for _, doc := range docs {
		if matchesDoc(q, doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func execGroup(docs []Document, key groupKey, accumulators []accumulator) ([]Document, error) {
	type group struct {
		keyVal any
		states []accState
	}
	groups := make(map[string]*group)
	var insertionOrder []string

	for _, doc := range docs {
		var keyVal any
		switch key.kind {
		case groupKeyNull:
			keyVal = nil
		case groupKeySingle:
			keyVal = key.single.eval(doc)
		case groupKeyCompound:
			compound := make(map[string]any, len(key.fields))
			for _, f := range key.fields {
				compound[f.name] = f.expr.eval(doc)
			}
			keyVal = compound
		}

		keyBytes, err := json.Marshal(keyVal)
		if err != nil {
			return nil, invalidPipelinef("unserializable group key: %v", err)
		}
		keyStr := string(keyBytes)

		g, ok := groups[keyStr]
		if !ok {
			g = &group{keyVal: keyVal, states: make([]accState, len(accumulators))}
			groups[keyStr] = g
			insertionOrder = append(insertionOrder, keyStr)
		}

		for i, acc := range accumulators {
			state := &g.states[i]
			switch acc.kind {
			case accSum:
				if n, ok := toFloat(acc.expr.eval(doc)); ok {
					state.sum += n
				}
			case accAvg:
				if n, ok := toFloat(acc.expr.eval(doc)); ok {
					state.sum += n
					state.count++
				}
			case accMin:
				val := acc.expr.eval(doc)
				if val != nil {
					if !state.set || index.Compare(index.FromAny(val), index.FromAny(state.value)) < 0 {
						state.value = val
						state.set = true
					}
				}
			case accMax:
				val := acc.expr.eval(doc)
				if val != nil {
					if !state.set || index.Compare(index.FromAny(val), index.FromAny(state.value)) > 0 {
						state.value = val
						state.set = true
					}
				}
			case accCount:
				state.count++
			case accFirst:
				if !state.set {
					state.value = acc.expr.eval(doc)
					state.set = true
				}
			case accLast:
				state.value = acc.expr.eval(doc)
				state.set = true
			case accPush:
				state.list = append(state.list, acc.expr.eval(doc))
			}
		}
	}

	results := make([]Document, 0, len(insertionOrder))
	for _, keyStr := range insertionOrder {
		g := groups[keyStr]
		doc := Document{"_id": g.keyVal}
		for i, acc := range accumulators {
			state := g.states[i]
			switch acc.kind {
			case accSum:
				doc[acc.name] = numberToValue(state.sum)
			case accAvg:
				if state.count == 0 {
					doc[acc.name] = nil
				} else {
					doc[acc.name] = numberToValue(state.sum / float64(state.count))
				}
			case accMin, accMax, accFirst, accLast:
				if state.set {
					doc[acc.name] = state.value
				} else {
					doc[acc.name] = nil
				}
			case accCount:
				doc[acc.name] = int64(state.count)
			case accPush:
				list := state.list
				if list == nil {
					list = []any{}
				}
				doc[acc.name] = list
			}
		}
		results = append(results, doc)
	}
	return results, nil
}

func execSort(docs []Document, sortFields []SortField) []Document {
	sorted := append([]Document(nil), docs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		for _, sf := range sortFields {
			av := index.FromAny(resolvePath(sorted[i], sf.Field))
			bv := index.FromAny(resolvePath(sorted[j], sf.Field))
			c := index.Compare(av, bv)
			if sf.Order == SortDesc {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
	return sorted
}

func execProject(docs []Document, fields []projectionField) []Document {
	hasInclude := false
	hasCompute := false
	for _, f := range fields {
		if f.name != "_id" && f.mode == projInclude {
			hasInclude = true
		}
		if f.mode == projCompute {
			hasCompute = true
		}
	}
	inclusionMode := hasInclude || hasCompute

	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		result := make(Document)

		if inclusionMode {
			idExcluded := false
			for _, f := range fields {
				if f.name == "_id" && f.mode == projExclude {
					idExcluded = true
				}
			}
			if !idExcluded {
				if idVal, ok := doc["_id"]; ok {
					result["_id"] = idVal
				}
			}
			for _, f := range fields {
				switch f.mode {
				case projInclude:
					val := resolvePath(doc, f.name)
					if val != nil {
						result[f.name] = val
					} else if _, present := doc[f.name]; present {
						result[f.name] = val
					}
				case projCompute:
					result[f.name] = f.expr.eval(doc)
				}
			}
		} else {
			for k, v := range doc {
				result[k] = v
			}
			for _, f := range fields {
				if f.mode == projExclude {
					delete(result, f.name)
				}
			}
		}

		out = append(out, result)
	}
	return out
}

func execUnwind(docs []Document, path string, preserveNull bool) []Document {
	var out []Document
	for _, doc := range docs {
		fieldVal := resolvePath(doc, path)
		switch arr := fieldVal.(type) {
		case []any:
			if len(arr) == 0 {
				if preserveNull {
					out = append(out, doc)
				}
				continue
			}
			for _, item := range arr {
				newDoc := CloneDocument(doc)
				setPath(newDoc, path, item)
				out = append(out, newDoc)
			}
		case nil:
			if preserveNull {
				out = append(out, doc)
			}
		default:
			// Non-array, non-null passes through unchanged.
			out = append(out, doc)
		}
	}
	return out
}

func execAddFields(docs []Document, fields []namedExpression) []Document {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		newDoc := CloneDocument(doc)
		for _, f := range fields {
			setPath(newDoc, f.name, f.expr.eval(newDoc))
		}
		out = append(out, newDoc)
	}
	return out
}

func execLookup(docs []Document, st stage, lookup lookupFunc) ([]Document, error) {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		localVal := resolvePath(doc, st.localField)
		foreignDocs, err := lookup(st.lookupFrom, Document{st.foreignField: localVal})
		if err != nil {
			return nil, err
		}
		joined := make([]any, len(foreignDocs))
		for i, fd := range foreignDocs {
			joined[i] = map[string]any(fd)
		}
		newDoc := CloneDocument(doc)
		setPath(newDoc, st.asField, joined)
		out = append(out, newDoc)
	}
	return out, nil
}
