package crudkit

import (
	"context"
)

// Resolver implements the read operations of one entity.
type Resolver struct {
	engine *Engine
	def    *EntityDefinition
}

// Entity returns the entity name.
func (r *Resolver) Entity() string { return r.def.name }

// List returns the rows matching filter that the request may read. The
// caller's filter is always ANDed with the read filter of the request's
// roles.
func (r *Resolver) List(ctx context.Context, filter Filter, page *Pagination) ([]Entity, error) {
	rows, err := r.list(ctx, filter, page)
	return rows, r.engine.fail(ctx, r.def.name, OpRead, err)
}

// FindOne returns the first readable row matching filter, or nil.
func (r *Resolver) FindOne(ctx context.Context, filter Filter) (Entity, error) {
	rows, err := r.list(ctx, filter, &Pagination{Limit: 1})
	if err != nil {
		return nil, r.engine.fail(ctx, r.def.name, OpRead, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// GetOne returns the readable row with the given primary key. A row that
// does not exist or is not readable is ErrNotFound.
func (r *Resolver) GetOne(ctx context.Context, id any) (Entity, error) {
	row, err := r.FindOne(ctx, Filter{r.def.PrimaryKeyField(): id})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, Errorf(ErrNotFound, "%s %v does not exist", r.def.name, id).WithEntity(r.def.name)
	}
	return row, nil
}

// ResolveOne loads the entity a to-one relation of row points to, through
// the request loader. It returns nil when the relation is empty or the
// target is not readable.
func (r *Resolver) ResolveOne(ctx context.Context, row Entity, field string) (Entity, error) {
	target, err := r.relation(field, RelationToOne)
	if err != nil {
		return nil, err
	}
	id := r.def.provider.GetRelatedEntityID(row, field)
	if id == nil {
		return nil, nil
	}
	checker, filter, err := r.engine.readFilter(ctx, target)
	if err != nil {
		return nil, r.engine.fail(ctx, target, OpRead, err)
	}
	related, err := r.engine.loader(ctx).LoadOneFiltered(ctx, target, id, filter)
	if err != nil || related == nil {
		return nil, err
	}
	out, err := r.engine.present(ctx, checker, target, []Entity{related})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// ResolveMany loads the members of a to-many relation of row. Every member
// load of one batch window shares a single provider call. Members that do not
// exist or are not readable are left out.
func (r *Resolver) ResolveMany(ctx context.Context, row Entity, field string) ([]Entity, error) {
	target, err := r.relation(field, RelationToMany)
	if err != nil {
		return nil, err
	}
	value := row[field]
	if value == nil || !r.def.provider.IsCollection(value) {
		return []Entity{}, nil
	}
	targetDef, err := r.engine.registry.Entity(target)
	if err != nil {
		return nil, err
	}
	checker, filter, err := r.engine.readFilter(ctx, target)
	if err != nil {
		return nil, r.engine.fail(ctx, target, OpRead, err)
	}

	loader := r.engine.loader(ctx)
	ids := collectionMembers(toAnySlice(value), targetDef.PrimaryKeyField())
	thunks := make([]Thunk[Entity], len(ids))
	for i, id := range ids {
		thunks[i] = loader.LoadOneThunk(ctx, target, id, filter)
	}
	members := make([]Entity, 0, len(ids))
	for _, thunk := range thunks {
		m, err := thunk()
		if err != nil {
			return nil, err
		}
		if m != nil {
			members = append(members, m)
		}
	}
	return r.engine.present(ctx, checker, target, members)
}

// Referencing loads the readable rows of entity whose field references id,
// such as the tasks of one owner. It never returns nil.
func (r *Resolver) Referencing(ctx context.Context, entity, field string, id any) ([]Entity, error) {
	checker, filter, err := r.engine.readFilter(ctx, entity)
	if err != nil {
		return nil, r.engine.fail(ctx, entity, OpRead, err)
	}
	rows, err := r.engine.loader(ctx).LoadByRelatedID(ctx, entity, field, id, filter)
	if err != nil {
		return nil, err
	}
	return r.engine.present(ctx, checker, entity, rows)
}

func (r *Resolver) list(ctx context.Context, filter Filter, page *Pagination) ([]Entity, error) {
	checker, authFilter, err := r.engine.readFilter(ctx, r.def.name)
	if err != nil {
		return nil, err
	}
	combined := AndFilters(filter, authFilter)

	var rows []Entity
	find := func(ctx context.Context) error {
		var err error
		rows, err = r.engine.queries.Find(ctx, r.def.name, combined, page)
		return err
	}
	if r.engine.config.Transactions.ReadOnlyReads {
		err = r.engine.tx.Run(ctx, r.engine.readTx(), find)
	} else {
		err = find(ctx)
	}
	if err != nil {
		return nil, err
	}
	return r.engine.present(ctx, checker, r.def.name, rows)
}

func (r *Resolver) relation(field string, kind RelationKind) (string, error) {
	f := r.def.GetField(field)
	if f == nil || f.relation != kind {
		return "", Errorf(ErrValidation, "%q is not a relation of the expected kind", field).
			WithEntity(r.def.name).WithField(field)
	}
	return f.target, nil
}

// readFilter returns the request checker and the read filter for entity.
func (e *Engine) readFilter(ctx context.Context, entity string) (*Checker, Filter, error) {
	checker, err := e.checker(ctx)
	if err != nil {
		return nil, nil, err
	}
	filter, err := checker.Filter(ctx, entity, OpRead)
	if err != nil {
		return nil, nil, err
	}
	return checker, filter, nil
}

// present maps stored rows to their public shape, runs AfterRead hooks and
// strips hidden fields.
func (e *Engine) present(ctx context.Context, checker *Checker, entity string, rows []Entity) ([]Entity, error) {
	def, err := e.registry.Entity(entity)
	if err != nil {
		return nil, err
	}
	out := make([]Entity, 0, len(rows))
	for _, row := range rows {
		if def.mapRow != nil {
			row = def.mapRow(row)
		}
		if def.hooks.AfterRead != nil {
			mapped, err := def.hooks.AfterRead(ctx, row)
			if err != nil {
				return nil, err
			}
			if mapped != nil {
				row = mapped
			}
		}
		out = append(out, row)
	}
	return checker.StripFields(entity, out), nil
}
