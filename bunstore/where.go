package bunstore

import (
	"cmp"
	"reflect"
	"slices"
	"strings"

	"github.com/fernandezvara/crudkit"
	"github.com/uptrace/bun"
)

// where compiles filter into a WHERE fragment with bun placeholders.
func (s *Store) where(def *crudkit.EntityDefinition, filter crudkit.Filter) (string, []any, error) {
	c := &compiler{store: s}
	sql, err := c.filter(def, filter)
	if err != nil {
		return "", nil, err
	}
	return sql, c.args, nil
}

// compiler appends arguments in placeholder order, so every fragment must be
// written before the fragments nested inside it are compiled.
type compiler struct {
	store *Store
	args  []any
}

func (c *compiler) add(sql string, args ...any) (string, error) {
	c.args = append(c.args, args...)
	return sql, nil
}

func (c *compiler) filter(def *crudkit.EntityDefinition, f crudkit.Filter) (string, error) {
	if f.IsEmpty() {
		return "TRUE", nil
	}
	parts := make([]string, 0, len(f))
	for _, key := range sortedKeys(f) {
		part, err := c.key(def, key, f[key])
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

func (c *compiler) key(def *crudkit.EntityDefinition, key string, value any) (string, error) {
	switch key {
	case crudkit.KeyAnd, crudkit.KeyOr:
		subs, err := crudkit.SubFilters(value)
		if err != nil {
			return "", crudkit.Errorf(crudkit.ErrInvalidFilter, "%v", err).WithEntity(def.Name())
		}
		if len(subs) == 0 {
			return "TRUE", nil
		}
		sep := " AND "
		if key == crudkit.KeyOr {
			sep = " OR "
		}
		parts := make([]string, 0, len(subs))
		for _, sub := range subs {
			part, err := c.filter(def, sub)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		return "(" + strings.Join(parts, sep) + ")", nil

	case crudkit.KeyNot:
		sub, ok := crudkit.AsFilter(value)
		if !ok {
			return "", crudkit.Errorf(crudkit.ErrInvalidFilter, "_not operand of type %T", value).WithEntity(def.Name())
		}
		inner, err := c.filter(def, sub)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	}

	name, op := key, crudkit.OpEq
	field := def.GetField(key)
	if field == nil {
		name, op = crudkit.SplitKey(key)
		field = def.GetField(name)
	}
	if field == nil {
		return "", crudkit.Errorf(crudkit.ErrInvalidFilter, "unknown field %q", key).
			WithEntity(def.Name()).WithField(key)
	}

	switch field.Relation() {
	case crudkit.RelationToOne:
		if nested, ok := crudkit.AsFilter(value); ok && op == crudkit.OpEq {
			return c.toOne(field, nested)
		}
	case crudkit.RelationToMany:
		return c.toMany(def, field, op, value)
	}
	return c.leaf(def, name, op, value)
}

func (c *compiler) leaf(def *crudkit.EntityDefinition, name string, op crudkit.Operator, value any) (string, error) {
	col := bun.Ident(name)
	switch op {
	case crudkit.OpEq:
		if value == nil {
			return c.add("? IS NULL", col)
		}
		return c.add("? = ?", col, value)
	case crudkit.OpNe:
		if value == nil {
			return c.add("? IS NOT NULL", col)
		}
		return c.add("? <> ?", col, value)
	case crudkit.OpIn, crudkit.OpNin:
		list, ok := toList(value)
		if !ok {
			return "", crudkit.Errorf(crudkit.ErrInvalidFilter, "%s_%s needs a list", name, op).
				WithEntity(def.Name()).WithField(name)
		}
		if len(list) == 0 {
			if op == crudkit.OpIn {
				return "FALSE", nil
			}
			return "TRUE", nil
		}
		if op == crudkit.OpIn {
			return c.add("? IN (?)", col, bun.In(list))
		}
		return c.add("? NOT IN (?)", col, bun.In(list))
	case crudkit.OpNull, crudkit.OpNotNull:
		b, ok := value.(bool)
		if !ok {
			return "", crudkit.Errorf(crudkit.ErrInvalidFilter, "%s_%s needs a boolean", name, op).
				WithEntity(def.Name()).WithField(name)
		}
		if b == (op == crudkit.OpNull) {
			return c.add("? IS NULL", col)
		}
		return c.add("? IS NOT NULL", col)
	case crudkit.OpLike:
		return c.add("? LIKE ?", col, value)
	case crudkit.OpILike:
		return c.add("? ILIKE ?", col, value)
	case crudkit.OpGt:
		return c.add("? > ?", col, value)
	case crudkit.OpGte:
		return c.add("? >= ?", col, value)
	case crudkit.OpLt:
		return c.add("? < ?", col, value)
	case crudkit.OpLte:
		return c.add("? <= ?", col, value)
	}
	return "", crudkit.Errorf(crudkit.ErrInvalidFilter, "unsupported operator %q", op).
		WithEntity(def.Name()).WithField(name)
}

// toOne matches the foreign key column against the keys of the target rows
// selected by nested.
func (c *compiler) toOne(field *crudkit.FieldDefinition, nested crudkit.Filter) (string, error) {
	target, table, err := c.target(field)
	if err != nil {
		return "", err
	}
	c.args = append(c.args, bun.Ident(field.Name()), bun.Ident(target.PrimaryKeyField()), bun.Ident(table.Name))
	inner, err := c.filter(target, nested)
	if err != nil {
		return "", err
	}
	return "? IN (SELECT ? FROM ? WHERE " + inner + ")", nil
}

// toMany matches owners through the join table of field.
func (c *compiler) toMany(def *crudkit.EntityDefinition, field *crudkit.FieldDefinition, op crudkit.Operator, value any) (string, error) {
	jt, err := c.store.joinTable(def.Name(), field.Name())
	if err != nil {
		return "", err
	}
	pk, owner, join, member := bun.Ident(def.PrimaryKeyField()), bun.Ident(jt.OwnerColumn), bun.Ident(jt.Name), bun.Ident(jt.MemberColumn)

	switch op {
	case crudkit.OpEq, crudkit.OpNe:
		not := ""
		if op == crudkit.OpNe {
			not = "NOT "
		}
		if nested, ok := crudkit.AsFilter(value); ok && op == crudkit.OpEq {
			target, table, err := c.target(field)
			if err != nil {
				return "", err
			}
			c.args = append(c.args, pk, owner, join, member, bun.Ident(target.PrimaryKeyField()), bun.Ident(table.Name))
			inner, err := c.filter(target, nested)
			if err != nil {
				return "", err
			}
			return "? IN (SELECT ? FROM ? WHERE ? IN (SELECT ? FROM ? WHERE " + inner + "))", nil
		}
		return c.add("? "+not+"IN (SELECT ? FROM ? WHERE ? = ?)", pk, owner, join, member, value)

	case crudkit.OpIn, crudkit.OpNin:
		list, ok := toList(value)
		if !ok {
			return "", crudkit.Errorf(crudkit.ErrInvalidFilter, "%s_%s needs a list", field.Name(), op).
				WithEntity(def.Name()).WithField(field.Name())
		}
		if len(list) == 0 {
			if op == crudkit.OpIn {
				return "FALSE", nil
			}
			return "TRUE", nil
		}
		not := ""
		if op == crudkit.OpNin {
			not = "NOT "
		}
		return c.add("? "+not+"IN (SELECT ? FROM ? WHERE ? IN (?))", pk, owner, join, member, bun.In(list))

	case crudkit.OpNull, crudkit.OpNotNull:
		b, ok := value.(bool)
		if !ok {
			return "", crudkit.Errorf(crudkit.ErrInvalidFilter, "%s_%s needs a boolean", field.Name(), op).
				WithEntity(def.Name()).WithField(field.Name())
		}
		if b == (op == crudkit.OpNull) {
			return c.add("? NOT IN (SELECT ? FROM ?)", pk, owner, join)
		}
		return c.add("? IN (SELECT ? FROM ?)", pk, owner, join)
	}
	return "", crudkit.Errorf(crudkit.ErrInvalidFilter, "operator %q is not supported on to-many relations", op).
		WithEntity(def.Name()).WithField(field.Name())
}

func (c *compiler) target(field *crudkit.FieldDefinition) (*crudkit.EntityDefinition, Table, error) {
	target, err := c.store.registry.Entity(field.Target())
	if err != nil {
		return nil, Table{}, err
	}
	table, err := c.store.table(target.Name())
	if err != nil {
		return nil, Table{}, err
	}
	return target, table, nil
}

func (s *Store) joinTable(entity, field string) (JoinTable, error) {
	table, err := s.table(entity)
	if err != nil {
		return JoinTable{}, err
	}
	jt, ok := table.JoinTables[field]
	if !ok {
		return JoinTable{}, crudkit.Errorf(crudkit.ErrConfiguration, "to-many field %q has no join table", field).
			WithEntity(entity).WithField(field)
	}
	return jt, nil
}

// toList converts slices of any element type to []any.
func toList(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
