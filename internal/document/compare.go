package document

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Type classes in ascending sort order.
const (
	rankUndefined = iota
	rankNull
	rankNumber
	rankString
	rankBool
	rankDate
	rankArray
	rankObject
	rankRegex
)

func rank(v any) int {
	if v == nil {
		return rankNull
	}
	if _, ok := toFloat64(v); ok {
		return rankNumber
	}
	switch v.(type) {
	case undefined:
		return rankUndefined
	case string:
		return rankString
	case bool:
		return rankBool
	case time.Time:
		return rankDate
	case []any:
		return rankArray
	case map[string]any:
		return rankObject
	case *regexp.Regexp:
		return rankRegex
	}
	return rankObject
}

// SameClass reports whether a and b are both numbers, both strings or both dates, the
// only pairs the $lt/$lte/$gt/$gte operators compare.
func SameClass(a, b any) bool {
	ra := rank(a)
	if ra != rank(b) {
		return false
	}
	return ra == rankNumber || ra == rankString || ra == rankDate
}

// Comparable reports whether v belongs to a class that range operators accept.
func Comparable(v any) bool {
	r := rank(v)
	return r == rankNumber || r == rankString || r == rankDate
}

// Compare totally orders any two document values:
// undefined < null < number < string < boolean < date < array < object.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}

	switch ra {
	case rankUndefined, rankNull:
		return 0
	case rankNumber:
		fa, _ := toFloat64(a)
		fb, _ := toFloat64(b)
		// NaN sorts before every other number and equals itself.
		if na, nb := math.IsNaN(fa), math.IsNaN(fb); na || nb {
			switch {
			case na && nb:
				return 0
			case na:
				return -1
			}
			return 1
		}
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case rankString:
		return strings.Compare(a.(string), b.(string))
	case rankBool:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	case rankDate:
		return a.(time.Time).Compare(b.(time.Time))
	case rankArray:
		aa, ab := a.([]any), b.([]any)
		for i := 0; i < len(aa) && i < len(ab); i++ {
			if c := Compare(aa[i], ab[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(aa), len(ab))
	case rankObject:
		return compareObjects(a, b)
	case rankRegex:
		return strings.Compare(a.(*regexp.Regexp).String(), b.(*regexp.Regexp).String())
	}
	return 0
}

func compareObjects(a, b any) int {
	oa, okA := a.(map[string]any)
	ob, okB := b.(map[string]any)
	if !okA || !okB {
		// Unknown Go types land in the object class; fall back on their projection.
		return strings.Compare(Projection(a), Projection(b))
	}
	ka, kb := sortedKeys(oa), sortedKeys(ob)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if c := strings.Compare(ka[i], kb[i]); c != 0 {
			return c
		}
		if c := Compare(oa[ka[i]], ob[kb[i]]); c != 0 {
			return c
		}
	}
	return cmpInt(len(ka), len(kb))
}

// Equal reports deep equality under Compare.
func Equal(a, b any) bool {
	return Compare(a, b) == 0
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
