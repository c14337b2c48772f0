package oxidb

import "strings"

// Document is a JSON-compatible nested map. Every stored document owns two
// reserved fields: _id (collection-unique, monotonically assigned, never
// reused) and _version (starts at 1, incremented on every update).
//
// Documents handed out by read operations are shared references into the
// collection cache; callers must treat them as immutable and clone before
// mutating.
type Document = map[string]any

// CloneDocument deep-copies a document.
func CloneDocument(doc Document) Document {
	return cloneValue(doc).(map[string]any)
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// docID extracts the _id field, accepting the integer shapes a document can
// carry depending on where it was decoded.
func docID(doc Document) (uint64, bool) {
	switch id := doc["_id"].(type) {
	case int64:
		if id >= 0 {
			return uint64(id), true
		}
	case uint64:
		return id, true
	case int:
		if id >= 0 {
			return uint64(id), true
		}
	case float64:
		if id >= 0 && id == float64(int64(id)) {
			return uint64(id), true
		}
	}
	return 0, false
}

// docVersionOf extracts the _version field, defaulting to 0.
func docVersionOf(doc Document) uint64 {
	switch v := doc["_version"].(type) {
	case int64:
		if v >= 0 {
			return uint64(v)
		}
	case uint64:
		return v
	case int:
		if v >= 0 {
			return uint64(v)
		}
	case float64:
		if v >= 0 {
			return uint64(v)
		}
	}
	return 0
}

// resolvePath walks a dot-notation path, returning nil for missing segments.
func resolvePath(doc Document, path string) any {
	var current any = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = obj[part]
		if !ok {
			return nil
		}
	}
	return current
}

// setPath writes a value at a dot-notation path, creating intermediate
// objects and replacing non-object intermediates.
func setPath(doc Document, path string, value any) {
	parts := strings.Split(path, ".")
	current := doc
	for i, part := range parts {
		if i == len(parts)-1 {
			current[part] = value
			return
		}
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
}

// removePath deletes the value at a dot-notation path; missing intermediate
// segments are a no-op.
func removePath(doc Document, path string) {
	parts := strings.Split(path, ".")
	current := doc
	for i, part := range parts {
		if i == len(parts)-1 {
			delete(current, part)
			return
		}
		next, ok := current[part].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
}
