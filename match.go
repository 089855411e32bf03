package crudkit

import (
	"cmp"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
)

// match evaluates filter against a stored row of def. Relation leaves with
// a nested filter follow the stored reference into the target table. The
// store lock must be held.
func (s *MemoryStore) match(def *EntityDefinition, filter Filter, row Entity) (bool, error) {
	for key, value := range filter {
		ok, err := s.matchKey(def, key, value, row)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (s *MemoryStore) matchKey(def *EntityDefinition, key string, value any, row Entity) (bool, error) {
	switch key {
	case KeyAnd:
		subs, err := subFilters(value)
		if err != nil {
			return false, Errorf(ErrInvalidFilter, "%v", err)
		}
		for _, sub := range subs {
			if ok, err := s.match(def, sub, row); err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case KeyOr:
		subs, err := subFilters(value)
		if err != nil {
			return false, Errorf(ErrInvalidFilter, "%v", err)
		}
		if len(subs) == 0 {
			return true, nil
		}
		for _, sub := range subs {
			ok, err := s.match(def, sub, row)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case KeyNot:
		sub, ok := asFilter(value)
		if !ok {
			return false, Errorf(ErrInvalidFilter, "_not operand of type %T", value)
		}
		matched, err := s.match(def, sub, row)
		return !matched, err
	}

	name, op := key, OpEq
	field := def.GetField(key)
	if field == nil {
		name, op = SplitKey(key)
		field = def.GetField(name)
	}
	actual := row[name]

	if field != nil && field.IsRelation() {
		if nested, ok := asFilter(value); ok && op == OpEq {
			return s.matchRelated(field, actual, nested)
		}
		if field.relation == RelationToMany && isList(actual) {
			return matchAny(toAnySlice(actual).([]any), op, value)
		}
	}
	return matchLeaf(actual, op, value)
}

func (s *MemoryStore) matchRelated(field *FieldDefinition, actual any, nested Filter) (bool, error) {
	target, err := s.registry.Entity(field.target)
	if err != nil {
		return false, err
	}
	var ids []any
	if isList(actual) {
		ids = collectionMembers(toAnySlice(actual), target.PrimaryKeyField())
	} else if actual != nil {
		if m, ok := asPayload(actual); ok {
			ids = []any{m[target.PrimaryKeyField()]}
		} else {
			ids = []any{actual}
		}
	}
	for _, id := range ids {
		related := s.lookup(target.name, id)
		if related == nil {
			// An unloaded target still matches filters on its key.
			related = Entity{target.PrimaryKeyField(): id}
		}
		ok, err := s.match(target, nested, related)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func matchAny(members []any, op Operator, want any) (bool, error) {
	switch op {
	case OpNull:
		return (len(members) == 0) == truthy(want), nil
	case OpNotNull:
		return (len(members) > 0) == truthy(want), nil
	case OpNe, OpNin:
		for _, m := range members {
			ok, err := matchLeaf(m, op, want)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	for _, m := range members {
		ok, err := matchLeaf(m, op, want)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func matchLeaf(actual any, op Operator, want any) (bool, error) {
	switch op {
	case OpEq:
		return equalValues(actual, want), nil
	case OpNe:
		return !equalValues(actual, want), nil
	case OpIn, OpNin:
		list, ok := asPayloadList(want)
		if !ok {
			return false, Errorf(ErrInvalidFilter, "operator %q needs a list", op)
		}
		found := false
		for _, item := range list {
			if equalValues(actual, item) {
				found = true
				break
			}
		}
		return found == (op == OpIn), nil
	case OpNull:
		return (actual == nil) == truthy(want), nil
	case OpNotNull:
		return (actual != nil) == truthy(want), nil
	case OpLike, OpILike:
		pattern, ok := want.(string)
		if !ok {
			return false, Errorf(ErrInvalidFilter, "operator %q needs a string", op)
		}
		str, ok := actual.(string)
		if !ok {
			return false, nil
		}
		return likeMatch(str, pattern, op == OpILike), nil
	case OpGt, OpGte, OpLt, OpLte:
		if actual == nil || want == nil {
			return false, nil
		}
		c, ok := compareValues(actual, want)
		if !ok {
			return false, nil
		}
		switch op {
		case OpGt:
			return c > 0, nil
		case OpGte:
			return c >= 0, nil
		case OpLt:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	}
	return false, Errorf(ErrInvalidFilter, "unknown operator %q", op)
}

func truthy(v any) bool {
	b, _ := v.(bool)
	return b
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return KeyString(a) == KeyString(b)
}

// compareValues orders numbers, strings and times. Values of unrelated
// types are not comparable.
func compareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, true
		case a == nil:
			return -1, true
		default:
			return 1, true
		}
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return cmp.Compare(fa, fb), true
		}
		return 0, false
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), true
		}
		if bv, ok := b.(fmt.Stringer); ok {
			return strings.Compare(av, bv.String()), true
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv), true
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0, true
			case !av:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// likeMatch implements SQL LIKE: % matches any run, _ one character.
func likeMatch(s, pattern string, fold bool) bool {
	var b strings.Builder
	b.WriteString("(?s)")
	if fold {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
