package crudkit

import (
	"context"
)

// MutationResolver implements the write operations of one mutable entity.
// Each call runs in one transaction; any failure rolls back every write of
// the call, nested ones included.
type MutationResolver struct {
	*Resolver
}

// CreateItem creates one entity from a possibly nested payload.
func (m *MutationResolver) CreateItem(ctx context.Context, payload Entity) (Entity, error) {
	rows, err := m.CreateMany(ctx, []Entity{payload})
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

// CreateMany creates one entity per payload inside a shared transaction.
// Every created row must match the create filter of the request's roles.
func (m *MutationResolver) CreateMany(ctx context.Context, payloads []Entity) ([]Entity, error) {
	rows, err := m.createMany(ctx, payloads)
	return rows, m.engine.fail(ctx, m.def.name, OpCreate, err)
}

// Update applies payload to the entity with the given primary key.
func (m *MutationResolver) Update(ctx context.Context, id any, payload Entity) (Entity, error) {
	rows, err := m.updateMany(ctx, []any{id}, []Entity{payload})
	if err != nil {
		return nil, m.engine.fail(ctx, m.def.name, OpUpdate, err)
	}
	return rows[0], nil
}

// UpdateMany updates several entities inside a shared transaction. Each
// payload carries the primary key of its target.
func (m *MutationResolver) UpdateMany(ctx context.Context, payloads []Entity) ([]Entity, error) {
	pk := m.def.PrimaryKeyField()
	ids := make([]any, len(payloads))
	for i, p := range payloads {
		id, ok := p[pk]
		if !ok || id == nil {
			return nil, Errorf(ErrValidation, "update payload %d has no %q", i, pk).WithEntity(m.def.name).WithField(pk)
		}
		ids[i] = id
	}
	rows, err := m.updateMany(ctx, ids, payloads)
	return rows, m.engine.fail(ctx, m.def.name, OpUpdate, err)
}

// DeleteItem deletes the entity with the given primary key. It reports
// false when the entity does not exist.
func (m *MutationResolver) DeleteItem(ctx context.Context, id any) (bool, error) {
	deleted, err := m.deleteItem(ctx, id)
	return deleted, m.engine.fail(ctx, m.def.name, OpDelete, err)
}

func (m *MutationResolver) createMany(ctx context.Context, payloads []Entity) ([]Entity, error) {
	checker, err := m.engine.checker(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := checker.Filter(ctx, m.def.name, OpCreate); err != nil {
		return nil, err
	}

	var rows []Entity
	err = m.engine.tx.Run(ctx, m.engine.writeTx(), func(ctx context.Context) error {
		sess := m.engine.newSession(checker)
		nodes := make([]*Node, len(payloads))
		for i, payload := range payloads {
			in, err := m.prepare(ctx, payload, m.def.hooks.BeforeCreate)
			if err != nil {
				return err
			}
			if nodes[i], err = sess.Assign(ctx, m.def.name, nil, in, DefaultAssignOptions); err != nil {
				return err
			}
		}
		if err := sess.Flush(ctx); err != nil {
			return err
		}
		if err := m.engine.verifyCreated(ctx, checker, sess.Created()); err != nil {
			return err
		}

		rows = make([]Entity, len(nodes))
		for i, n := range nodes {
			row, err := runHook(ctx, m.def.hooks.AfterCreate, n.Row())
			if err != nil {
				return err
			}
			rows[i] = row
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.output(checker, rows), nil
}

func (m *MutationResolver) updateMany(ctx context.Context, ids []any, payloads []Entity) ([]Entity, error) {
	checker, err := m.engine.checker(ctx)
	if err != nil {
		return nil, err
	}
	filter, err := checker.Filter(ctx, m.def.name, OpUpdate)
	if err != nil {
		return nil, err
	}

	var rows []Entity
	err = m.engine.tx.Run(ctx, m.engine.writeTx(), func(ctx context.Context) error {
		sess := m.engine.newSession(checker)
		nodes := make([]*Node, len(payloads))
		for i, payload := range payloads {
			if err := m.engine.verify(ctx, m.def.name, ids[i], filter); err != nil {
				return err
			}
			target, err := sess.Locate(ctx, m.def.name, ids[i])
			if err != nil {
				return err
			}
			in, err := m.prepare(ctx, payload, m.def.hooks.BeforeUpdate)
			if err != nil {
				return err
			}
			if nodes[i], err = sess.Assign(ctx, m.def.name, target, in, DefaultAssignOptions); err != nil {
				return err
			}
		}
		if err := sess.Flush(ctx); err != nil {
			return err
		}
		if err := m.engine.verifyCreated(ctx, checker, sess.Created()); err != nil {
			return err
		}

		rows = make([]Entity, len(nodes))
		for i, n := range nodes {
			row, err := runHook(ctx, m.def.hooks.AfterUpdate, n.Row())
			if err != nil {
				return err
			}
			rows[i] = row
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.output(checker, rows), nil
}

func (m *MutationResolver) deleteItem(ctx context.Context, id any) (bool, error) {
	checker, err := m.engine.checker(ctx)
	if err != nil {
		return false, err
	}
	filter, err := checker.Filter(ctx, m.def.name, OpDelete)
	if err != nil {
		return false, err
	}

	var deleted bool
	err = m.engine.tx.Run(ctx, m.engine.writeTx(), func(ctx context.Context) error {
		row, err := m.engine.queries.FindOne(ctx, m.def.name, Filter{m.def.PrimaryKeyField(): id})
		if err != nil || row == nil {
			return err
		}
		if err := m.engine.verify(ctx, m.def.name, id, filter); err != nil {
			return err
		}
		if _, err := runHook(ctx, m.def.hooks.BeforeDelete, row); err != nil {
			return err
		}
		if deleted, err = m.def.provider.Delete(ctx, id); err != nil {
			return err
		}
		if !deleted {
			return nil
		}
		_, err = runHook(ctx, m.def.hooks.AfterDelete, row)
		return err
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// prepare runs the input transform and a Before hook on a payload.
func (m *MutationResolver) prepare(ctx context.Context, payload Entity, hook EntityHook) (Entity, error) {
	in := payload
	if m.def.transformInput != nil {
		var err error
		if in, err = m.def.transformInput(ctx, payload); err != nil {
			return nil, err
		}
	}
	return runHook(ctx, hook, in)
}

// verify checks that the row of entity with id matches an operation's row
// filter. A missing row is ErrNotFound; a row outside the filter is
// ErrForbidden.
func (e *Engine) verify(ctx context.Context, entity string, id any, filter Filter) error {
	if filter.IsEmpty() {
		return nil
	}
	def, err := e.registry.Entity(entity)
	if err != nil {
		return err
	}
	pk := Filter{def.PrimaryKeyField(): id}
	row, err := e.queries.FindOne(ctx, entity, AndFilters(pk, filter))
	if err != nil || row != nil {
		return err
	}
	exists, err := e.queries.FindOne(ctx, entity, pk)
	if err != nil {
		return err
	}
	if exists == nil {
		return Errorf(ErrNotFound, "%s %v does not exist", entity, id).WithEntity(entity)
	}
	return Errorf(ErrForbidden, "row outside filter").WithEntity(entity)
}

// verifyCreated checks every entity a session created, nested ones
// included, against the create filter of its entity.
func (e *Engine) verifyCreated(ctx context.Context, checker *Checker, nodes []*Node) error {
	filters := make(map[string]Filter)
	for _, n := range nodes {
		filter, ok := filters[n.Entity()]
		if !ok {
			var err error
			if filter, err = checker.Filter(ctx, n.Entity(), OpCreate); err != nil {
				return err
			}
			filters[n.Entity()] = filter
		}
		if err := e.verify(ctx, n.Entity(), n.ID(), filter); err != nil {
			return err
		}
	}
	return nil
}

func (m *MutationResolver) output(checker *Checker, rows []Entity) []Entity {
	out := make([]Entity, len(rows))
	for i, row := range rows {
		if m.def.mapRow != nil {
			row = m.def.mapRow(row)
		}
		out[i] = row
	}
	return checker.StripFields(m.def.name, out)
}

// newSession creates a persistence session whose nested writes require the
// matching grant. A nested update must also target a row inside the update
// filter.
func (e *Engine) newSession(checker *Checker) *Session {
	guard := func(ctx context.Context, entity string, id any, op Operation) error {
		if !checker.Can(entity, op) {
			return Errorf(ErrForbidden, "nested %s not granted", op).WithEntity(entity).WithOperation(op)
		}
		if id == nil {
			return nil
		}
		filter, err := checker.Filter(ctx, entity, op)
		if err != nil {
			return err
		}
		return e.verify(ctx, entity, id, filter)
	}
	return NewSession(e.registry, WithAssignGuard(guard), WithSessionLogger(e.logger))
}
