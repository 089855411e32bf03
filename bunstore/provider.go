package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"reflect"

	"github.com/fernandezvara/crudkit"
	"github.com/fernandezvara/dbkit"
	"github.com/uptrace/bun"
)

// Provider implements crudkit.Provider for one entity table.
type Provider struct {
	store  *Store
	entity string
}

var _ crudkit.Provider = (*Provider)(nil)

// Find returns rows matching filter with their to-many collections loaded.
func (p *Provider) Find(ctx context.Context, filter crudkit.Filter, page *crudkit.Pagination) ([]crudkit.Entity, error) {
	return p.find(ctx, p.entity, filter, page)
}

// FindOne returns the first matching row, or nil.
func (p *Provider) FindOne(ctx context.Context, filter crudkit.Filter) (crudkit.Entity, error) {
	rows, err := p.find(ctx, p.entity, filter, &crudkit.Pagination{Limit: 1})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// FindByRelatedID returns rows of entity whose relatedField references any
// of ids.
func (p *Provider) FindByRelatedID(ctx context.Context, entity, relatedField string, ids []any, filter crudkit.Filter) ([]crudkit.Entity, error) {
	byRelated := crudkit.Filter{relatedField + "_" + string(crudkit.OpIn): ids}
	return p.find(ctx, entity, crudkit.AndFilters(byRelated, filter), nil)
}

// Create inserts a row and writes its to-many collections.
func (p *Provider) Create(ctx context.Context, partial crudkit.Entity) (crudkit.Entity, error) {
	def, table, err := p.def(p.entity)
	if err != nil {
		return nil, err
	}
	return p.create(ctx, def, table, partial)
}

// CreateMany inserts rows in order.
func (p *Provider) CreateMany(ctx context.Context, partials []crudkit.Entity) ([]crudkit.Entity, error) {
	def, table, err := p.def(p.entity)
	if err != nil {
		return nil, err
	}
	out := make([]crudkit.Entity, 0, len(partials))
	for _, partial := range partials {
		row, err := p.create(ctx, def, table, partial)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// Update writes partial to the row with id. It returns nil when the row does
// not exist.
func (p *Provider) Update(ctx context.Context, id any, partial crudkit.Entity) (crudkit.Entity, error) {
	def, table, err := p.def(p.entity)
	if err != nil {
		return nil, err
	}
	return p.update(ctx, def, table, id, partial)
}

// UpdateMany updates rows identified by the primary key inside each partial.
func (p *Provider) UpdateMany(ctx context.Context, partials []crudkit.Entity) ([]crudkit.Entity, error) {
	def, table, err := p.def(p.entity)
	if err != nil {
		return nil, err
	}
	pk := def.PrimaryKeyField()
	out := make([]crudkit.Entity, 0, len(partials))
	for i, partial := range partials {
		id := partial[pk]
		if id == nil {
			return nil, crudkit.Errorf(crudkit.ErrValidation, "partial %d has no %q", i, pk).WithEntity(def.Name()).WithField(pk)
		}
		row, err := p.update(ctx, def, table, id, partial)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, crudkit.Errorf(crudkit.ErrEntityNotLocated, "%s %v", def.Name(), id).WithEntity(def.Name())
		}
		out = append(out, row)
	}
	return out, nil
}

// CreateOrUpdateMany updates rows that exist and creates the rest.
func (p *Provider) CreateOrUpdateMany(ctx context.Context, partials []crudkit.Entity) ([]crudkit.Entity, error) {
	def, table, err := p.def(p.entity)
	if err != nil {
		return nil, err
	}
	pk := def.PrimaryKeyField()
	out := make([]crudkit.Entity, 0, len(partials))
	for _, partial := range partials {
		var row crudkit.Entity
		if id := partial[pk]; id != nil {
			if row, err = p.update(ctx, def, table, id, partial); err != nil {
				return nil, err
			}
		}
		if row == nil {
			if row, err = p.create(ctx, def, table, partial); err != nil {
				return nil, err
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// Delete removes the row with id and its join rows. It reports false when
// nothing was deleted.
func (p *Provider) Delete(ctx context.Context, id any) (bool, error) {
	def, table, err := p.def(p.entity)
	if err != nil {
		return false, err
	}
	idb := p.store.idb(ctx)
	for _, field := range sortedKeys(table.JoinTables) {
		jt := table.JoinTables[field]
		result, err := idb.NewDelete().
			TableExpr("?", bun.Ident(jt.Name)).
			Where("? = ?", bun.Ident(jt.OwnerColumn), id).
			Exec(ctx)
		if err := dbkit.WithErr(result, err, "bunstore.DeleteMembers").Err(); err != nil {
			return false, err
		}
	}

	result, err := idb.NewDelete().
		TableExpr("?", bun.Ident(table.Name)).
		Where("? = ?", bun.Ident(def.PrimaryKeyField()), id).
		Exec(ctx)
	if err := dbkit.WithErr(result, err, "bunstore.Delete").Err(); err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetRelatedEntityID returns the foreign key held by a to-one relation value.
func (p *Provider) GetRelatedEntityID(entity crudkit.Entity, relatedField string) any {
	value := entity[relatedField]
	if m, ok := crudkit.AsFilter(value); ok {
		return m[p.targetKey(relatedField)]
	}
	return value
}

// IsCollection reports whether value is a list of references.
func (p *Provider) IsCollection(value any) bool {
	_, ok := toList(value)
	return ok
}

func (p *Provider) def(entity string) (*crudkit.EntityDefinition, Table, error) {
	def, err := p.store.registry.Entity(entity)
	if err != nil {
		return nil, Table{}, err
	}
	table, err := p.store.table(entity)
	if err != nil {
		return nil, Table{}, err
	}
	return def, table, nil
}

func (p *Provider) targetKey(relatedField string) string {
	def, err := p.store.registry.Entity(p.entity)
	if err != nil {
		return crudkit.DefaultPrimaryKey
	}
	field := def.GetField(relatedField)
	if field == nil || !field.IsRelation() {
		return crudkit.DefaultPrimaryKey
	}
	target, err := p.store.registry.Entity(field.Target())
	if err != nil {
		return crudkit.DefaultPrimaryKey
	}
	return target.PrimaryKeyField()
}

func (p *Provider) find(ctx context.Context, entity string, filter crudkit.Filter, page *crudkit.Pagination) ([]crudkit.Entity, error) {
	def, table, err := p.def(entity)
	if err != nil {
		return nil, err
	}
	q := p.store.idb(ctx).NewSelect().TableExpr("?", bun.Ident(table.Name))
	if !filter.IsEmpty() {
		where, args, err := p.store.where(def, filter)
		if err != nil {
			return nil, err
		}
		q = q.Where(where, args...)
	}
	if page != nil {
		for _, o := range page.OrderBy {
			if o.Direction == crudkit.Desc {
				q = q.OrderExpr("? DESC", bun.Ident(o.Field))
			} else {
				q = q.OrderExpr("? ASC", bun.Ident(o.Field))
			}
		}
		if page.Limit > 0 {
			q = q.Limit(page.Limit)
		}
		if page.Offset > 0 {
			q = q.Offset(page.Offset)
		}
	}

	var raw []map[string]any
	if err := dbkit.WithErr1(q.Scan(ctx, &raw), "bunstore.Find").Err(); err != nil {
		return nil, err
	}
	rows := make([]crudkit.Entity, len(raw))
	for i, r := range raw {
		rows[i] = normalize(r)
	}
	if err := p.loadCollections(ctx, def, table, rows, nil); err != nil {
		return nil, err
	}
	return rows, nil
}

func (p *Provider) create(ctx context.Context, def *crudkit.EntityDefinition, table Table, partial crudkit.Entity) (crudkit.Entity, error) {
	cols, collections, err := p.split(def, table, partial)
	if err != nil {
		return nil, err
	}
	if cols[def.PrimaryKeyField()] == nil {
		delete(cols, def.PrimaryKeyField())
	}

	var row map[string]any
	err = p.store.idb(ctx).NewInsert().
		Model(&cols).
		TableExpr("?", bun.Ident(table.Name)).
		Returning("*").
		Scan(ctx, &row)
	if err != nil {
		if dbkit.IsDuplicate(err) {
			return nil, crudkit.Errorf(crudkit.ErrValidation, "duplicate %s", def.Name()).WithEntity(def.Name())
		}
		return nil, dbkit.WithErr1(err, "bunstore.Create").Err()
	}

	out := normalize(row)
	if err := p.writeCollections(ctx, table, out[def.PrimaryKeyField()], collections); err != nil {
		return nil, err
	}
	for field := range table.JoinTables {
		if members, ok := collections[field]; ok {
			out[field] = members
		} else {
			out[field] = []any{}
		}
	}
	return out, nil
}

func (p *Provider) update(ctx context.Context, def *crudkit.EntityDefinition, table Table, id any, partial crudkit.Entity) (crudkit.Entity, error) {
	cols, collections, err := p.split(def, table, partial)
	if err != nil {
		return nil, err
	}
	pk := def.PrimaryKeyField()
	delete(cols, pk)

	var out crudkit.Entity
	if len(cols) > 0 {
		var row map[string]any
		err := p.store.idb(ctx).NewUpdate().
			Model(&cols).
			TableExpr("?", bun.Ident(table.Name)).
			Where("? = ?", bun.Ident(pk), id).
			Returning("*").
			Scan(ctx, &row)
		if isNoRows(err) {
			return nil, nil
		}
		if err := dbkit.WithErr1(err, "bunstore.Update").Err(); err != nil {
			return nil, err
		}
		out = normalize(row)
	} else {
		existing, err := p.find(ctx, def.Name(), crudkit.Filter{pk: id}, &crudkit.Pagination{Limit: 1})
		if err != nil || len(existing) == 0 {
			return nil, err
		}
		out = existing[0]
	}

	if err := p.writeCollections(ctx, table, id, collections); err != nil {
		return nil, err
	}
	for field, members := range collections {
		out[field] = members
	}
	if len(cols) == 0 {
		return out, nil
	}
	if err := p.loadCollections(ctx, def, table, []crudkit.Entity{out}, collections); err != nil {
		return nil, err
	}
	return out, nil
}

// split separates column values from to-many collections. Relation values
// given as entity maps are reduced to their keys.
func (p *Provider) split(def *crudkit.EntityDefinition, table Table, partial crudkit.Entity) (map[string]any, map[string][]any, error) {
	cols := make(map[string]any, len(partial))
	collections := make(map[string][]any)
	for k, v := range partial {
		field := def.GetField(k)
		if field == nil || !field.IsRelation() {
			cols[k] = v
			continue
		}
		key := crudkit.DefaultPrimaryKey
		if target, err := p.store.registry.Entity(field.Target()); err == nil {
			key = target.PrimaryKeyField()
		}
		switch field.Relation() {
		case crudkit.RelationToOne:
			if m, ok := crudkit.AsFilter(v); ok {
				v = m[key]
			}
			cols[k] = v
		case crudkit.RelationToMany:
			if _, ok := table.JoinTables[k]; !ok {
				return nil, nil, crudkit.Errorf(crudkit.ErrConfiguration, "to-many field %q has no join table", k).
					WithEntity(def.Name()).WithField(k)
			}
			list, _ := toList(v)
			members := make([]any, 0, len(list))
			for _, item := range list {
				if m, ok := crudkit.AsFilter(item); ok {
					item = m[key]
				}
				members = append(members, item)
			}
			collections[k] = members
		}
	}
	return cols, collections, nil
}

// writeCollections replaces the join rows of owner for every given field.
func (p *Provider) writeCollections(ctx context.Context, table Table, owner any, collections map[string][]any) error {
	idb := p.store.idb(ctx)
	for _, field := range sortedKeys(collections) {
		jt := table.JoinTables[field]
		result, err := idb.NewDelete().
			TableExpr("?", bun.Ident(jt.Name)).
			Where("? = ?", bun.Ident(jt.OwnerColumn), owner).
			Exec(ctx)
		if err := dbkit.WithErr(result, err, "bunstore.ClearMembers").Err(); err != nil {
			return err
		}
		for _, member := range collections[field] {
			values := map[string]any{jt.OwnerColumn: owner, jt.MemberColumn: member}
			result, err := idb.NewInsert().
				Model(&values).
				TableExpr("?", bun.Ident(jt.Name)).
				Exec(ctx)
			if err := dbkit.WithErr(result, err, "bunstore.AddMember").Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadCollections attaches the members of every join table to rows, one
// query per join table. Fields in skip are left as they are.
func (p *Provider) loadCollections(ctx context.Context, def *crudkit.EntityDefinition, table Table, rows []crudkit.Entity, skip map[string][]any) error {
	if len(rows) == 0 {
		return nil
	}
	pk := def.PrimaryKeyField()
	ids := make([]any, len(rows))
	for i, row := range rows {
		ids[i] = row[pk]
	}

	for _, field := range sortedKeys(table.JoinTables) {
		if _, ok := skip[field]; ok {
			continue
		}
		jt := table.JoinTables[field]
		var pairs []map[string]any
		err := p.store.idb(ctx).NewSelect().
			TableExpr("?", bun.Ident(jt.Name)).
			ColumnExpr("? AS owner_id", bun.Ident(jt.OwnerColumn)).
			ColumnExpr("? AS member_id", bun.Ident(jt.MemberColumn)).
			Where("? IN (?)", bun.Ident(jt.OwnerColumn), bun.In(ids)).
			Scan(ctx, &pairs)
		if err := dbkit.WithErr1(err, "bunstore.LoadMembers").Err(); err != nil {
			return err
		}

		byOwner := crudkit.GroupByKey(pairs, func(pair map[string]any) string {
			return crudkit.KeyString(normalizeValue(pair["owner_id"]))
		})
		for _, row := range rows {
			group := byOwner[crudkit.KeyString(row[pk])]
			members := make([]any, len(group))
			for i, pair := range group {
				members[i] = normalizeValue(pair["member_id"])
			}
			row[field] = members
		}
	}
	return nil
}

func isNoRows(err error) bool {
	return err != nil && (errors.Is(err, sql.ErrNoRows) || dbkit.IsNotFound(err))
}

// normalize converts driver byte slices to strings.
func normalize(row map[string]any) crudkit.Entity {
	out := make(crudkit.Entity, len(row))
	for k, v := range row {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && !rv.IsNil() {
		return rv.Elem().Interface()
	}
	return v
}
