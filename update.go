package oxidb

import (
	"math"
	"time"

	"github.com/oxidb/oxidb/index"
)

// applyUpdate applies every operator in update to doc, in place. The update
// object must be non-empty and composed entirely of known operators.
func applyUpdate(doc Document, update Document) error {
	for op, raw := range update {
		fields, ok := raw.(map[string]any)
		if !ok {
			return invalidQueryf("%s value must be an object", op)
		}
		var err error
		switch op {
		case "$set":
			err = applySet(doc, fields)
		case "$unset":
			err = applyUnset(doc, fields)
		case "$inc":
			err = applyInc(doc, fields)
		case "$mul":
			err = applyMul(doc, fields)
		case "$min":
			err = applyMin(doc, fields)
		case "$max":
			err = applyMax(doc, fields)
		case "$rename":
			err = applyRename(doc, fields)
		case "$currentDate":
			err = applyCurrentDate(doc, fields)
		case "$push":
			err = applyPush(doc, fields)
		case "$pull":
			err = applyPull(doc, fields)
		case "$addToSet":
			err = applyAddToSet(doc, fields)
		case "$pop":
			err = applyPop(doc, fields)
		default:
			return invalidQueryf("unknown update operator: %s", op)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func applySet(doc Document, fields map[string]any) error {
	for path, value := range fields {
		setPath(doc, path, cloneValue(value))
	}
	return nil
}

func applyUnset(doc Document, fields map[string]any) error {
	for path := range fields {
		removePath(doc, path)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// numberToValue stores a whole result as an integer, otherwise a float.
func numberToValue(n float64) any {
	if n == math.Trunc(n) && n >= math.MinInt64 && n <= math.MaxInt64 {
		return int64(n)
	}
	return n
}

func applyInc(doc Document, fields map[string]any) error {
	for path, incVal := range fields {
		inc, ok := toFloat(incVal)
		if !ok {
			return invalidQueryf("$inc value for '%s' must be numeric", path)
		}
		current := resolvePath(doc, path)
		if current == nil {
			setPath(doc, path, numberToValue(inc))
			continue
		}
		cur, ok := toFloat(current)
		if !ok {
			return invalidQueryf("$inc cannot be applied to non-numeric field '%s'", path)
		}
		setPath(doc, path, numberToValue(cur+inc))
	}
	return nil
}

func applyMul(doc Document, fields map[string]any) error {
	for path, mulVal := range fields {
		mul, ok := toFloat(mulVal)
		if !ok {
			return invalidQueryf("$mul value for '%s' must be numeric", path)
		}
		current := resolvePath(doc, path)
		if current == nil {
			setPath(doc, path, numberToValue(0))
			continue
		}
		cur, ok := toFloat(current)
		if !ok {
			return invalidQueryf("$mul cannot be applied to non-numeric field '%s'", path)
		}
		setPath(doc, path, numberToValue(cur*mul))
	}
	return nil
}

func applyMin(doc Document, fields map[string]any) error {
	for path, newVal := range fields {
		current := resolvePath(doc, path)
		if current == nil {
			setPath(doc, path, cloneValue(newVal))
			continue
		}
		if index.Compare(index.FromAny(newVal), index.FromAny(current)) < 0 {
			setPath(doc, path, cloneValue(newVal))
		}
	}
	return nil
}

func applyMax(doc Document, fields map[string]any) error {
	for path, newVal := range fields {
		current := resolvePath(doc, path)
		if current == nil {
			setPath(doc, path, cloneValue(newVal))
			continue
		}
		if index.Compare(index.FromAny(newVal), index.FromAny(current)) > 0 {
			setPath(doc, path, cloneValue(newVal))
		}
	}
	return nil
}

func applyRename(doc Document, fields map[string]any) error {
	for oldPath, newPathVal := range fields {
		newPath, ok := newPathVal.(string)
		if !ok {
			return invalidQueryf("$rename target for '%s' must be a string", oldPath)
		}
		val := resolvePath(doc, oldPath)
		if val == nil {
			continue // source missing is a no-op
		}
		removePath(doc, oldPath)
		setPath(doc, newPath, val)
	}
	return nil
}

func applyCurrentDate(doc Document, fields map[string]any) error {
	now := time.Now().UTC().Format(time.RFC3339)
	for path := range fields {
		setPath(doc, path, now)
	}
	return nil
}

func applyPush(doc Document, fields map[string]any) error {
	for path, value := range fields {
		current := resolvePath(doc, path)
		switch arr := current.(type) {
		case nil:
			setPath(doc, path, []any{cloneValue(value)})
		case []any:
			newArr := make([]any, 0, len(arr)+1)
			newArr = append(newArr, arr...)
			newArr = append(newArr, cloneValue(value))
			setPath(doc, path, newArr)
		default:
			return invalidQueryf("$push requires field '%s' to be an array", path)
		}
	}
	return nil
}

func applyPull(doc Document, fields map[string]any) error {
	for path, matchVal := range fields {
		current := resolvePath(doc, path)
		switch arr := current.(type) {
		case nil:
			// no-op
		case []any:
			match := index.FromAny(matchVal)
			newArr := make([]any, 0, len(arr))
			for _, el := range arr {
				if !index.Equal(index.FromAny(el), match) {
					newArr = append(newArr, el)
				}
			}
			setPath(doc, path, newArr)
		default:
			return invalidQueryf("$pull requires field '%s' to be an array", path)
		}
	}
	return nil
}

func applyAddToSet(doc Document, fields map[string]any) error {
	for path, value := range fields {
		current := resolvePath(doc, path)
		switch arr := current.(type) {
		case nil:
			setPath(doc, path, []any{cloneValue(value)})
		case []any:
			target := index.FromAny(value)
			present := false
			for _, el := range arr {
				if index.Equal(index.FromAny(el), target) {
					present = true
					break
				}
			}
			if !present {
				newArr := make([]any, 0, len(arr)+1)
				newArr = append(newArr, arr...)
				newArr = append(newArr, cloneValue(value))
				setPath(doc, path, newArr)
			}
		default:
			return invalidQueryf("$addToSet requires field '%s' to be an array", path)
		}
	}
	return nil
}

func applyPop(doc Document, fields map[string]any) error {
	for path, dirVal := range fields {
		current := resolvePath(doc, path)
		switch arr := current.(type) {
		case nil:
			// no-op
		case []any:
			if len(arr) == 0 {
				continue
			}
			dir, ok := toFloat(dirVal)
			if !ok || (dir != 1 && dir != -1) {
				return invalidQueryf("$pop value for '%s' must be 1 or -1", path)
			}
			if dir == 1 {
				setPath(doc, path, append([]any(nil), arr[:len(arr)-1]...))
			} else {
				setPath(doc, path, append([]any(nil), arr[1:]...))
			}
		default:
			return invalidQueryf("$pop requires field '%s' to be an array", path)
		}
	}
	return nil
}
