package crudkit

import (
	"context"
	"log/slog"
	"reflect"
)

// QueryManager validates logical filters and pagination and turns them into
// exactly one provider call.
type QueryManager struct {
	registry *Registry
	logger   *slog.Logger
}

// NewQueryManager creates a QueryManager. A nil logger uses slog.Default.
func NewQueryManager(registry *Registry, logger *slog.Logger) *QueryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryManager{registry: registry, logger: logger}
}

// Find validates filter and page against the entity and issues one
// provider Find. A nil page means no pagination.
func (q *QueryManager) Find(ctx context.Context, entity string, filter Filter, page *Pagination) ([]Entity, error) {
	def, provider, normalized, err := q.prepare(entity, filter)
	if err != nil {
		return nil, err
	}
	if page != nil {
		p, err := page.normalize(def)
		if err != nil {
			return nil, err
		}
		page = &p
	}
	q.logger.DebugContext(ctx, "crudkit: find", "entity", entity, "filter", normalized)
	return provider.Find(ctx, normalized, page)
}

// FindOne validates filter and issues one provider FindOne. It returns nil
// when nothing matches.
func (q *QueryManager) FindOne(ctx context.Context, entity string, filter Filter) (Entity, error) {
	_, provider, normalized, err := q.prepare(entity, filter)
	if err != nil {
		return nil, err
	}
	return provider.FindOne(ctx, normalized)
}

// Normalize validates filter against the entity and returns it with empty
// combinators removed. An unconstrained filter normalizes to nil.
func (q *QueryManager) Normalize(entity string, filter Filter) (Filter, error) {
	def, err := q.registry.Entity(entity)
	if err != nil {
		return nil, err
	}
	return q.normalize(def, filter)
}

func (q *QueryManager) prepare(entity string, filter Filter) (*EntityDefinition, Provider, Filter, error) {
	def, err := q.registry.Entity(entity)
	if err != nil {
		return nil, nil, nil, err
	}
	provider, err := q.registry.ProviderFor(entity)
	if err != nil {
		return nil, nil, nil, err
	}
	normalized, err := q.normalize(def, filter)
	if err != nil {
		return nil, nil, nil, err
	}
	return def, provider, normalized, nil
}

func (q *QueryManager) normalize(def *EntityDefinition, filter Filter) (Filter, error) {
	if filter.IsEmpty() {
		return nil, nil
	}
	out := make(Filter, len(filter))
	for key, value := range filter {
		switch key {
		case KeyAnd, KeyOr:
			subs, err := subFilters(value)
			if err != nil {
				return nil, Errorf(ErrInvalidFilter, "%s: %v", key, err).WithEntity(def.name)
			}
			kept := make([]Filter, 0, len(subs))
			for _, sub := range subs {
				n, err := q.normalize(def, sub)
				if err != nil {
					return nil, err
				}
				if !n.IsEmpty() {
					kept = append(kept, n)
				}
			}
			if len(kept) > 0 {
				out[key] = kept
			}

		case KeyNot:
			sub, ok := asFilter(value)
			if !ok {
				return nil, Errorf(ErrInvalidFilter, "_not operand of type %T is not a filter", value).WithEntity(def.name)
			}
			n, err := q.normalize(def, sub)
			if err != nil {
				return nil, err
			}
			if n.IsEmpty() {
				return nil, Errorf(ErrInvalidFilter, "_not requires a non-empty filter").WithEntity(def.name)
			}
			out[key] = n

		default:
			if err := q.validateLeaf(def, key, value, out); err != nil {
				return nil, err
			}
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (q *QueryManager) validateLeaf(def *EntityDefinition, key string, value any, out Filter) error {
	name, op := key, OpEq
	field, ok := def.fields[key]
	if !ok {
		name, op = SplitKey(key)
		field, ok = def.fields[name]
	}
	if !ok {
		return Errorf(ErrInvalidFilter, "unknown field %q", name).WithEntity(def.name).WithField(name)
	}

	if field.IsRelation() && op == OpEq {
		if nested, isFilter := asFilter(value); isFilter {
			target, err := q.registry.Entity(field.target)
			if err != nil {
				return err
			}
			n, err := q.normalize(target, nested)
			if err != nil {
				return err
			}
			if !n.IsEmpty() {
				out[key] = n
			}
			return nil
		}
	}

	if !field.kind.Supports(op) {
		return Errorf(ErrInvalidFilter, "operator %q is not supported for %s field %q", op, field.kind, name).
			WithEntity(def.name).WithField(name)
	}

	switch op {
	case OpIn, OpNin:
		if !isList(value) {
			return Errorf(ErrInvalidFilter, "operator %q needs a list, got %T", op, value).
				WithEntity(def.name).WithField(name)
		}
	case OpNull, OpNotNull:
		if _, ok := value.(bool); !ok {
			return Errorf(ErrInvalidFilter, "operator %q needs a boolean, got %T", op, value).
				WithEntity(def.name).WithField(name)
		}
	case OpLike, OpILike:
		if _, ok := value.(string); !ok {
			return Errorf(ErrInvalidFilter, "operator %q needs a string, got %T", op, value).
				WithEntity(def.name).WithField(name)
		}
	}
	out[key] = value
	return nil
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	switch v.(type) {
	case []byte, string:
		return false
	}
	kind := reflect.TypeOf(v).Kind()
	return kind == reflect.Slice || kind == reflect.Array
}
