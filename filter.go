package crudkit

import (
	"fmt"
	"strings"
)

// Entity is a single row as exchanged with providers.
type Entity map[string]any

// Filter is a storage-agnostic predicate tree.
//
// Leaves map "field_op" keys to values ("title_like": "%go%"); a bare field
// name means equality. Combinators nest to any depth:
//
//	Filter{"_or": []Filter{{"status": "open"}, {"priority_gte": 3}}}
//	Filter{"_not": Filter{"archived": true}}
//
// A leaf on a relation field may hold a nested Filter evaluated against the
// related entity:
//
//	Filter{"owner": Filter{"id": "42"}}
type Filter map[string]any

// Combinator keys.
const (
	KeyAnd = "_and"
	KeyOr  = "_or"
	KeyNot = "_not"
)

// IsEmpty reports whether the filter places no constraint.
func (f Filter) IsEmpty() bool {
	return len(f) == 0
}

// Clone returns a deep copy of the filter's combinator structure. Leaf values
// are shared.
func (f Filter) Clone() Filter {
	if f == nil {
		return nil
	}
	out := make(Filter, len(f))
	for k, v := range f {
		switch k {
		case KeyAnd, KeyOr:
			if subs, err := subFilters(v); err == nil {
				cloned := make([]Filter, len(subs))
				for i, s := range subs {
					cloned[i] = s.Clone()
				}
				out[k] = cloned
				continue
			}
			out[k] = v
		case KeyNot:
			if sub, ok := asFilter(v); ok {
				out[k] = sub.Clone()
				continue
			}
			out[k] = v
		default:
			if sub, ok := asFilter(v); ok {
				out[k] = sub.Clone()
				continue
			}
			out[k] = v
		}
	}
	return out
}

// AndFilters combines filters with AND. Nil and empty filters are dropped; a
// single survivor is returned as-is and no survivors yield nil.
//
// The caller's filter and the authorization filter are always combined with
// AndFilters so neither can replace the other.
func AndFilters(filters ...Filter) Filter {
	return combine(KeyAnd, filters)
}

// OrFilters combines filters with OR using the same dropping rules as
// AndFilters.
func OrFilters(filters ...Filter) Filter {
	return combine(KeyOr, filters)
}

func combine(key string, filters []Filter) Filter {
	kept := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if f.IsEmpty() {
			continue
		}
		kept = append(kept, f)
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return Filter{key: kept}
	}
}

// asFilter converts the map shapes accepted in filter trees to a Filter.
func asFilter(v any) (Filter, bool) {
	switch m := v.(type) {
	case Filter:
		return m, true
	case map[string]any:
		return Filter(m), true
	case Entity:
		return Filter(m), true
	default:
		return nil, false
	}
}

// subFilters reads the operand of _and/_or.
func subFilters(v any) ([]Filter, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []Filter:
		return list, nil
	case []map[string]any:
		out := make([]Filter, len(list))
		for i, m := range list {
			out[i] = Filter(m)
		}
		return out, nil
	case []any:
		out := make([]Filter, 0, len(list))
		for _, item := range list {
			f, ok := asFilter(item)
			if !ok {
				return nil, fmt.Errorf("combinator element of type %T is not a filter", item)
			}
			out = append(out, f)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("combinator operand of type %T is not a list", v)
	}
}

// SubFilters returns the operand list of an _and/_or key. Providers use it
// to walk filter trees without repeating the shape checks.
func SubFilters(v any) ([]Filter, error) {
	return subFilters(v)
}

// AsFilter converts a nested map value to a Filter.
func AsFilter(v any) (Filter, bool) {
	return asFilter(v)
}

// SplitKey separates a leaf key into field and operator. A key without a
// recognised operator suffix is an equality on the whole key.
func SplitKey(key string) (string, Operator) {
	i := strings.LastIndexByte(key, '_')
	if i <= 0 || i == len(key)-1 {
		return key, OpEq
	}
	op := Operator(key[i+1:])
	if !op.valid() {
		return key, OpEq
	}
	return key[:i], op
}
