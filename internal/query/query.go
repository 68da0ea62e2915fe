// Package query evaluates Mongo-style queries against documents.
package query

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"memory-docs/internal/document"
	"memory-docs/internal/globalconst"
)

var (
	ErrUnknownOperator = errors.New("unknown operator")
	ErrInvalidOperand  = errors.New("invalid operand")
	ErrMixedOperators  = errors.New("cannot mix operators and plain fields")
)

// Query is a parsed JSON query object.
type Query = map[string]any

const regexCacheSize = 256

var regexCache *lru.Cache[string, *regexp.Regexp]

func init() {
	c, err := lru.New[string, *regexp.Regexp](regexCacheSize)
	if err != nil {
		panic(err)
	}
	regexCache = c
}

// CompileRegex compiles pattern, reusing previously compiled expressions.
func CompileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: $regex %q: %v", ErrInvalidOperand, pattern, err)
	}
	regexCache.Add(pattern, re)
	return re, nil
}

// OperatorObject reports whether v is a map of operators such as {"$gt": 3}. A map that
// mixes operator and plain keys is an error.
func OperatorObject(v any) (map[string]any, bool, error) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false, nil
	}
	ops, plain := 0, 0
	for k := range m {
		if strings.HasPrefix(k, globalconst.ReservedPrefix) {
			ops++
		} else {
			plain++
		}
	}
	if ops > 0 && plain > 0 {
		return nil, false, ErrMixedOperators
	}
	return m, ops > 0, nil
}

// Match reports whether doc satisfies q.
func Match(doc document.Document, q Query) (bool, error) {
	for key, val := range q {
		ok, err := matchKey(doc, key, val)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchKey(doc document.Document, key string, val any) (bool, error) {
	switch key {
	case globalconst.OpAnd, globalconst.OpOr:
		subs, err := SubQueries(key, val)
		if err != nil {
			return false, err
		}
		for _, sub := range subs {
			ok, err := Match(doc, sub)
			if err != nil {
				return false, err
			}
			if key == globalconst.OpOr && ok {
				return true, nil
			}
			if key == globalconst.OpAnd && !ok {
				return false, nil
			}
		}
		return key == globalconst.OpAnd, nil
	case globalconst.OpNot:
		sub, ok := val.(map[string]any)
		if !ok {
			return false, fmt.Errorf("%w: $not expects a query object", ErrInvalidOperand)
		}
		matched, err := Match(doc, sub)
		return !matched, err
	}
	if strings.HasPrefix(key, globalconst.ReservedPrefix) {
		return false, fmt.Errorf("%w: %s", ErrUnknownOperator, key)
	}
	return MatchValue(document.GetDotValue(doc, key), val)
}

// SubQueries unpacks the operand of $and / $or.
func SubQueries(op string, val any) ([]Query, error) {
	list, ok := val.([]any)
	if !ok {
		if typed, ok := val.([]map[string]any); ok {
			return typed, nil
		}
		return nil, fmt.Errorf("%w: %s expects an array", ErrInvalidOperand, op)
	}
	out := make([]Query, 0, len(list))
	for _, el := range list {
		sub, ok := el.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects an array of query objects", ErrInvalidOperand, op)
		}
		out = append(out, sub)
	}
	return out, nil
}

// MatchValue matches one field value against a literal, a regular expression or an
// operator object.
func MatchValue(v any, q any) (bool, error) {
	ops, isOps, err := OperatorObject(q)
	if err != nil {
		return false, err
	}
	if isOps {
		return matchOperators(v, ops)
	}
	return matchLiteral(v, q), nil
}

// matchLiteral is equality, regex test, or for array values "some element matches".
func matchLiteral(v any, q any) bool {
	if re, ok := q.(*regexp.Regexp); ok {
		return matchRegex(v, re)
	}
	if arr, ok := v.([]any); ok {
		if _, qIsArray := q.([]any); qIsArray {
			return document.Equal(v, q)
		}
		for _, el := range arr {
			if document.Equal(el, q) {
				return true
			}
		}
		return false
	}
	return document.Equal(v, q)
}

func matchRegex(v any, re *regexp.Regexp) bool {
	switch t := v.(type) {
	case string:
		return re.MatchString(t)
	case []any:
		for _, el := range t {
			if s, ok := el.(string); ok && re.MatchString(s) {
				return true
			}
		}
	}
	return false
}

// matchOperators evaluates an operator object. Range, $in and $regex operators must all
// hold for the same array element; the rest look at the value as a whole.
func matchOperators(v any, ops map[string]any) (bool, error) {
	element := make(map[string]any, len(ops))
	for op, arg := range ops {
		switch op {
		case globalconst.OpLessThan, globalconst.OpLessThanOrEqual,
			globalconst.OpGreaterThan, globalconst.OpGreaterThanOrEqual:
			element[op] = arg
		case globalconst.OpIn:
			if _, ok := arg.([]any); !ok {
				return false, fmt.Errorf("%w: $in expects an array", ErrInvalidOperand)
			}
			element[op] = arg
		case globalconst.OpRegex:
			re, err := toRegex(arg)
			if err != nil {
				return false, err
			}
			element[op] = re
		default:
			ok, err := matchWhole(v, op, arg)
			if err != nil || !ok {
				return false, err
			}
		}
	}
	if len(element) == 0 {
		return true, nil
	}
	if arr, ok := v.([]any); ok {
		for _, el := range arr {
			if matchElement(el, element) {
				return true, nil
			}
		}
		return false, nil
	}
	return matchElement(v, element), nil
}

func toRegex(arg any) (*regexp.Regexp, error) {
	switch t := arg.(type) {
	case *regexp.Regexp:
		return t, nil
	case string:
		return CompileRegex(t)
	}
	return nil, fmt.Errorf("%w: $regex expects a string or a regular expression", ErrInvalidOperand)
}

func matchElement(v any, ops map[string]any) bool {
	for op, arg := range ops {
		var ok bool
		switch op {
		case globalconst.OpIn:
			for _, candidate := range arg.([]any) {
				if matchLiteral(v, candidate) {
					ok = true
					break
				}
			}
		case globalconst.OpRegex:
			s, isString := v.(string)
			ok = isString && arg.(*regexp.Regexp).MatchString(s)
		default:
			ok = compareOp(v, op, arg)
		}
		if !ok {
			return false
		}
	}
	return true
}

func compareOp(v any, op string, arg any) bool {
	if !document.SameClass(v, arg) {
		return false
	}
	c := document.Compare(v, arg)
	switch op {
	case globalconst.OpLessThan:
		return c < 0
	case globalconst.OpLessThanOrEqual:
		return c <= 0
	case globalconst.OpGreaterThan:
		return c > 0
	case globalconst.OpGreaterThanOrEqual:
		return c >= 0
	}
	return false
}

func matchWhole(v any, op string, arg any) (bool, error) {
	switch op {
	case globalconst.OpNotEqual:
		return !matchLiteral(v, arg), nil
	case globalconst.OpNotIn:
		list, ok := arg.([]any)
		if !ok {
			return false, fmt.Errorf("%w: $nin expects an array", ErrInvalidOperand)
		}
		for _, candidate := range list {
			if matchLiteral(v, candidate) {
				return false, nil
			}
		}
		return true, nil
	case globalconst.OpExists:
		want, ok := arg.(bool)
		if !ok {
			return false, fmt.Errorf("%w: $exists expects a boolean", ErrInvalidOperand)
		}
		return !document.IsUndefined(v) == want, nil
	case globalconst.OpNot:
		matched, err := MatchValue(v, arg)
		return !matched, err
	case globalconst.OpSize:
		n, ok := toInt(arg)
		if !ok {
			return false, fmt.Errorf("%w: $size expects an integer", ErrInvalidOperand)
		}
		arr, isArray := v.([]any)
		return isArray && len(arr) == n, nil
	case globalconst.OpElemMatch:
		sub, ok := arg.(map[string]any)
		if !ok {
			return false, fmt.Errorf("%w: $elemMatch expects a query object", ErrInvalidOperand)
		}
		arr, isArray := v.([]any)
		if !isArray {
			return false, nil
		}
		for _, el := range arr {
			matched, err := matchElemQuery(el, sub)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnknownOperator, op)
}

// matchElemQuery lets $elemMatch address fields of object elements or operators on
// primitive elements.
func matchElemQuery(el any, sub map[string]any) (bool, error) {
	if _, isOps, err := OperatorObject(sub); err != nil {
		return false, err
	} else if isOps {
		return MatchValue(el, sub)
	}
	obj, ok := el.(map[string]any)
	if !ok {
		return false, nil
	}
	return Match(obj, sub)
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int(t), true
	}
	return 0, false
}

// Literals returns the top-level plain equalities of q, the fields an upsert copies into
// the new document. Dotted paths are expanded into nested objects.
func Literals(q Query) document.Document {
	out := document.Document{}
	for key, val := range q {
		if strings.HasPrefix(key, globalconst.ReservedPrefix) {
			if key == globalconst.OpAnd {
				if subs, err := SubQueries(key, val); err == nil {
					for _, sub := range subs {
						for k, v := range Literals(sub) {
							out[k] = v
						}
					}
				}
			}
			continue
		}
		if _, isOps, err := OperatorObject(val); err != nil || isOps {
			continue
		}
		if _, isRegex := val.(*regexp.Regexp); isRegex {
			continue
		}
		setPath(out, strings.Split(key, globalconst.PathSeparator), document.DeepCopy(val))
	}
	return out
}

func setPath(doc map[string]any, parts []string, val any) {
	for _, p := range parts[:len(parts)-1] {
		next, ok := doc[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			doc[p] = next
		}
		doc = next
	}
	doc[parts[len(parts)-1]] = val
}
