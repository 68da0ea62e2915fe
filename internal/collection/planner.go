package collection

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"memory-docs/internal/document"
	"memory-docs/internal/globalconst"
	"memory-docs/internal/index"
	"memory-docs/internal/query"
)

// plan is the candidate set of a query. When indexed is false the candidates are a
// superset and every document must be rechecked with query.Match.
type plan struct {
	docs    []document.Document
	all     bool
	indexed bool
	// orderBy names the field the candidates are already sorted on, ascending.
	orderBy string
	// missing lists fields that had no ready index.
	missing []string
}

func allDocs(indexed bool) plan {
	return plan{all: true, indexed: indexed}
}

func exact(docs []document.Document) plan {
	return plan{docs: docs, indexed: true}
}

// candidatesLocked resolves a plan into documents. c.mu must be held.
func (c *Collection) candidatesLocked(p plan) []document.Document {
	if p.all {
		return c.ids.GetAll(nil)
	}
	return p.docs
}

// planLocked walks q and resolves every part it can through a ready index. c.mu must be
// held.
func (c *Collection) planLocked(q query.Query) (plan, error) {
	if len(q) == 0 {
		p := allDocs(true)
		p.orderBy = globalconst.ID
		return p, nil
	}

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []plan
	covered := map[string]bool{}
	if p, fields, ok := c.compoundPlan(q); ok {
		parts = append(parts, p)
		for _, f := range fields {
			covered[f] = true
		}
	}

	for _, key := range keys {
		val := q[key]
		switch key {
		case globalconst.OpAnd, globalconst.OpOr:
			subs, err := query.SubQueries(key, val)
			if err != nil {
				return plan{}, err
			}
			var combined plan
			for i, sub := range subs {
				p, err := c.planLocked(sub)
				if err != nil {
					return plan{}, err
				}
				switch {
				case i == 0:
					combined = p
				case key == globalconst.OpAnd:
					combined = intersect(combined, p)
				default:
					combined = union(combined, p)
				}
			}
			if len(subs) == 0 {
				combined = allDocs(true)
				if key == globalconst.OpOr {
					combined = exact(nil)
				}
			}
			if len(subs) > 1 {
				combined.orderBy = ""
			}
			parts = append(parts, combined)
		case globalconst.OpNot:
			sub, ok := val.(map[string]any)
			if !ok {
				return plan{}, fmt.Errorf("%w: $not expects a query object", query.ErrInvalidOperand)
			}
			p, err := c.planLocked(sub)
			if err != nil {
				return plan{}, err
			}
			parts = append(parts, c.complement(p))
		default:
			if strings.HasPrefix(key, globalconst.ReservedPrefix) {
				return plan{}, fmt.Errorf("%w: %s", query.ErrUnknownOperator, key)
			}
			if covered[key] {
				continue
			}
			p, err := c.planField(key, val)
			if err != nil {
				return plan{}, err
			}
			parts = append(parts, p)
		}
	}

	if len(parts) == 0 {
		return allDocs(true), nil
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out = intersect(out, p)
	}
	if len(parts) > 1 {
		out.orderBy = ""
	}
	return out, nil
}

// compoundPlan uses the first ready compound index whose every field has a primitive
// equality at the top level of q.
func (c *Collection) compoundPlan(q query.Query) (plan, []string, bool) {
	for _, name := range c.order {
		idx := c.indexes[name]
		if !idx.Compound() || !idx.Ready() || idx.MultiKey() {
			continue
		}
		values := make(map[string]any, len(idx.Fields()))
		for _, f := range idx.Fields() {
			v, ok := q[f]
			if !ok || !document.IsPrimitive(v) {
				break
			}
			values[f] = v
		}
		if len(values) != len(idx.Fields()) {
			continue
		}
		return exact(idx.GetMatching(values)), idx.Fields(), true
	}
	return plan{}, nil, false
}

// planField resolves one field condition.
func (c *Collection) planField(field string, val any) (plan, error) {
	ops, isOps, err := query.OperatorObject(val)
	if err != nil {
		return plan{}, err
	}
	idx := c.indexFor(field)
	usable := idx != nil && idx.Ready()
	unindexed := func() plan {
		p := allDocs(false)
		if !usable {
			p.missing = []string{field}
		}
		return p
	}

	if !isOps {
		if !usable {
			return unindexed(), nil
		}
		p, ok := literalPlan(idx, val)
		if !ok {
			return allDocs(false), nil
		}
		p.orderBy = orderedBy(idx)
		return p, nil
	}

	// Operators that never use an index.
	for op := range ops {
		switch op {
		case globalconst.OpElemMatch, globalconst.OpSize, globalconst.OpNot:
			return allDocs(false), nil
		}
	}
	if !usable {
		return unindexed(), nil
	}

	var (
		parts   []plan
		bounds  = map[string]any{}
		element int
	)
	for op, arg := range ops {
		switch op {
		case globalconst.OpLessThan, globalconst.OpLessThanOrEqual,
			globalconst.OpGreaterThan, globalconst.OpGreaterThanOrEqual:
			bounds[op] = arg
		case globalconst.OpIn:
			p, err := inPlan(idx, arg)
			if err != nil {
				return plan{}, err
			}
			parts = append(parts, p)
			element++
		case globalconst.OpNotIn:
			p, err := inPlan(idx, arg)
			if err != nil {
				return plan{}, err
			}
			parts = append(parts, c.complement(p))
		case globalconst.OpNotEqual:
			p, ok := literalPlan(idx, arg)
			if !ok {
				p = allDocs(false)
			}
			parts = append(parts, c.complement(p))
		case globalconst.OpExists:
			want, ok := arg.(bool)
			if !ok {
				return plan{}, fmt.Errorf("%w: $exists expects a boolean", query.ErrInvalidOperand)
			}
			parts = append(parts, c.existsPlan(idx, want))
		case globalconst.OpRegex:
			re, err := regexOperand(arg)
			if err != nil {
				return plan{}, err
			}
			parts = append(parts, exact(idx.GetAll(regexKey(re))))
			element++
		default:
			return plan{}, fmt.Errorf("%w: %s", query.ErrUnknownOperator, op)
		}
	}
	if len(bounds) > 0 {
		parts = append(parts, exact(idx.GetBetweenBounds(bounds)))
		element++
	}

	out := parts[0]
	for _, p := range parts[1:] {
		out = intersect(out, p)
	}
	// Element operators must hold on one array element; separate lookups cannot tell.
	if element > 1 && idx.MultiKey() {
		out.indexed = false
	}
	if len(parts) == 1 && out.indexed && element == 1 {
		out.orderBy = orderedBy(idx)
	}
	return out, nil
}

func orderedBy(idx *index.Index) string {
	if idx.Compound() || idx.MultiKey() {
		return ""
	}
	return idx.Name()
}

// literalPlan resolves an equality. Array literals compare whole values, which an index
// keyed by array elements cannot answer.
func literalPlan(idx *index.Index, val any) (plan, bool) {
	switch t := val.(type) {
	case []any:
		return plan{}, false
	case *regexp.Regexp:
		return exact(idx.GetAll(regexKey(t))), true
	}
	return exact(idx.GetMatching(val)), true
}

func inPlan(idx *index.Index, arg any) (plan, error) {
	list, ok := arg.([]any)
	if !ok {
		return plan{}, fmt.Errorf("%w: $in expects an array", query.ErrInvalidOperand)
	}
	var (
		values   []any
		patterns []*regexp.Regexp
	)
	for _, v := range list {
		switch t := v.(type) {
		case []any:
			return allDocs(false), nil
		case *regexp.Regexp:
			patterns = append(patterns, t)
		default:
			values = append(values, v)
		}
	}
	p := exact(idx.GetMatching(values...))
	for _, re := range patterns {
		p = union(p, exact(idx.GetAll(regexKey(re))))
	}
	return p, nil
}

func (c *Collection) existsPlan(idx *index.Index, want bool) plan {
	if idx.MultiKey() {
		return allDocs(false)
	}
	var present plan
	if idx.Sparse() {
		present = exact(idx.GetAll(nil))
	} else {
		present = c.complement(exact(idx.GetMatching(document.Undefined)))
	}
	if want {
		return present
	}
	return c.complement(present)
}

func regexOperand(arg any) (*regexp.Regexp, error) {
	switch t := arg.(type) {
	case *regexp.Regexp:
		return t, nil
	case string:
		return query.CompileRegex(t)
	}
	return nil, fmt.Errorf("%w: $regex expects a string or a regular expression", query.ErrInvalidOperand)
}

func regexKey(re *regexp.Regexp) func(key any) bool {
	return func(key any) bool {
		s, ok := key.(string)
		return ok && re.MatchString(s)
	}
}

// complement returns every document not in p. Only exact plans can be complemented.
func (c *Collection) complement(p plan) plan {
	if !p.indexed {
		return plan{all: true, missing: p.missing}
	}
	if p.all {
		return exact(nil)
	}
	exclude := idSet(p.docs)
	var out []document.Document
	for _, d := range c.ids.GetAll(nil) {
		if _, skip := exclude[document.ID(d)]; !skip {
			out = append(out, d)
		}
	}
	return exact(out)
}

func intersect(a, b plan) plan {
	out := plan{indexed: a.indexed && b.indexed, missing: append(append([]string(nil), a.missing...), b.missing...)}
	switch {
	case a.all && b.all:
		out.all = true
		out.orderBy = a.orderBy
	case a.all:
		out.docs = b.docs
		out.orderBy = b.orderBy
	case b.all:
		out.docs = a.docs
		out.orderBy = a.orderBy
	default:
		keep := idSet(b.docs)
		for _, d := range a.docs {
			if _, ok := keep[document.ID(d)]; ok {
				out.docs = append(out.docs, d)
			}
		}
		out.orderBy = a.orderBy
	}
	return out
}

func union(a, b plan) plan {
	out := plan{indexed: a.indexed && b.indexed, missing: append(append([]string(nil), a.missing...), b.missing...)}
	if a.all || b.all {
		out.all = true
		return out
	}
	seen := idSet(a.docs)
	out.docs = append(out.docs, a.docs...)
	for _, d := range b.docs {
		if _, dup := seen[document.ID(d)]; !dup {
			seen[document.ID(d)] = struct{}{}
			out.docs = append(out.docs, d)
		}
	}
	return out
}

func idSet(docs []document.Document) map[string]struct{} {
	out := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		out[document.ID(d)] = struct{}{}
	}
	return out
}
