package document

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"memory-docs/internal/globalconst"
)

// Document is a single stored record. Every stored document carries a string "_id".
type Document = map[string]any

type undefined struct{}

func (undefined) String() string { return "undefined" }

// Undefined is returned by GetDotValue for a missing field. It sorts before nil.
var Undefined any = undefined{}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// ID returns the document's _id, or "" when absent or not a string.
func ID(doc Document) string {
	id, _ := doc[globalconst.ID].(string)
	return id
}

// GetDotValue follows a dotted path through nested objects. A numeric part indexes into
// an array; any other part applied to an array is mapped over its elements.
func GetDotValue(v any, field string) any {
	return getDotValue(v, strings.Split(field, globalconst.PathSeparator))
}

func getDotValue(v any, parts []string) any {
	if len(parts) == 0 {
		return v
	}
	switch t := v.(type) {
	case map[string]any:
		next, ok := t[parts[0]]
		if !ok {
			return Undefined
		}
		return getDotValue(next, parts[1:])
	case []any:
		if i, err := strconv.Atoi(parts[0]); err == nil {
			if i < 0 || i >= len(t) {
				return Undefined
			}
			return getDotValue(t[i], parts[1:])
		}
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = getDotValue(el, parts)
		}
		return out
	default:
		return Undefined
	}
}

// DeepCopy returns a copy of v sharing no maps or slices with it. Dates and regular
// expressions are immutable and are shared.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			out[k] = DeepCopy(el)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = DeepCopy(el)
		}
		return out
	default:
		return v
	}
}

// CopyDocument is DeepCopy for a whole document.
func CopyDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	return DeepCopy(doc).(map[string]any)
}

// Normalize converts every numeric value in v to float64 and truncates dates to the
// millisecond, in place for maps and slices, so that in-memory documents and query
// operands look exactly like deserialized ones.
func Normalize(v any) any {
	switch t := v.(type) {
	case time.Time:
		return time.UnixMilli(t.UnixMilli())
	case map[string]any:
		for k, el := range t {
			t[k] = Normalize(el)
		}
		return t
	case []any:
		for i, el := range t {
			t[i] = Normalize(el)
		}
		return t
	default:
		if f, ok := toFloat64(v); ok {
			return f
		}
		return v
	}
}

// IsPrimitive reports whether v can be used as an exact index lookup key.
func IsPrimitive(v any) bool {
	if v == nil {
		return true
	}
	switch v.(type) {
	case string, bool, time.Time:
		return true
	}
	_, ok := toFloat64(v)
	return ok
}

// Projection renders v as a string that distinguishes values by type as well as content,
// so "5", 5 and a date at epoch millisecond 5 never collide.
func Projection(v any) string {
	if IsUndefined(v) {
		return "u:"
	}
	if v == nil {
		return "z:"
	}
	if f, ok := toFloat64(v); ok {
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
	}
	switch t := v.(type) {
	case string:
		return "s:" + t
	case bool:
		return "b:" + strconv.FormatBool(t)
	case time.Time:
		return "d:" + strconv.FormatInt(t.UnixMilli(), 10)
	case *regexp.Regexp:
		return "r:" + t.String()
	}
	raw, err := json.Marshal(toWire(v))
	if err != nil {
		return "j:?"
	}
	return "j:" + string(raw)
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
