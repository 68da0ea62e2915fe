package document

import (
	"fmt"
	"math"
	"strings"

	"memory-docs/internal/globalconst"
)

// ValidationError reports an illegal field name or field value.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Key, e.Reason)
}

// CheckObject recursively rejects keys that start with the reserved prefix or contain the
// path separator, and numbers that cannot be stored (NaN and the infinities). A handful
// of internal markers are tolerated.
func CheckObject(v any) error {
	return checkValue("", v)
}

func checkValue(key string, v any) error {
	switch t := v.(type) {
	case map[string]any:
		for k, el := range t {
			if strings.HasPrefix(k, globalconst.ReservedPrefix) && !allowedMarker(k, el) {
				return &ValidationError{Key: k, Reason: "field names cannot begin with the $ character"}
			}
			if strings.Contains(k, globalconst.PathSeparator) {
				return &ValidationError{Key: k, Reason: "field names cannot contain a ."}
			}
			if err := checkValue(k, el); err != nil {
				return err
			}
		}
	case []any:
		for _, el := range t {
			if err := checkValue(key, el); err != nil {
				return err
			}
		}
	default:
		if f, ok := toFloat64(v); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return &ValidationError{Key: key, Reason: "numbers must be finite"}
		}
	}
	return nil
}

func allowedMarker(k string, v any) bool {
	switch k {
	case globalconst.DateMarker:
		_, ok := toFloat64(v)
		return ok
	case globalconst.DeletedMarker:
		b, ok := v.(bool)
		return ok && b
	case globalconst.IndexCreatedMarker, globalconst.IndexRemovedMarker:
		return true
	}
	return false
}
