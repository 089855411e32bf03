package crudkit

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// ErrDuplicateKey is returned by the in-memory provider when a create
// reuses an existing primary key.
var ErrDuplicateKey = fmt.Errorf("%w: duplicate primary key", ErrValidation)

// MemoryStore keeps every entity table in memory. It backs MemoryProvider
// and MemoryTransactor and is meant for tests, examples and prototyping.
type MemoryStore struct {
	registry *Registry

	mu     sync.RWMutex
	tables map[string]*memoryTable

	txMu sync.Mutex
}

type memoryTable struct {
	order []string
	rows  map[string]Entity
}

func newMemoryTable() *memoryTable {
	return &memoryTable{rows: make(map[string]Entity)}
}

func (t *memoryTable) clone() *memoryTable {
	c := &memoryTable{
		order: slices.Clone(t.order),
		rows:  make(map[string]Entity, len(t.rows)),
	}
	for k, row := range t.rows {
		c.rows[k] = maps.Clone(row)
	}
	return c
}

func (t *memoryTable) put(key string, row Entity) {
	if _, exists := t.rows[key]; !exists {
		t.order = append(t.order, key)
	}
	t.rows[key] = row
}

func (t *memoryTable) remove(key string) bool {
	if _, exists := t.rows[key]; !exists {
		return false
	}
	delete(t.rows, key)
	t.order = slices.DeleteFunc(t.order, func(k string) bool { return k == key })
	return true
}

// NewMemoryStore creates an empty store. The registry supplies primary keys
// and relation targets for filter evaluation.
func NewMemoryStore(registry *Registry) *MemoryStore {
	return &MemoryStore{
		registry: registry,
		tables:   make(map[string]*memoryTable),
	}
}

// Provider returns the provider for one entity.
func (s *MemoryStore) Provider(entity string) *MemoryProvider {
	return &MemoryProvider{store: s, entity: entity}
}

// Transactor returns a transactor that rolls the whole store back when a
// transaction fails.
func (s *MemoryStore) Transactor() *MemoryTransactor {
	return &MemoryTransactor{store: s}
}

// Seed inserts rows directly, bypassing key generation.
func (s *MemoryStore) Seed(entity string, rows ...Entity) error {
	def, err := s.registry.Entity(entity)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(entity)
	for _, row := range rows {
		t.put(KeyString(def.idOf(row)), normalizeRow(def, row))
	}
	return nil
}

// Rows returns a copy of every row of an entity in insertion order.
func (s *MemoryStore) Rows(entity string) []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[entity]
	if !ok {
		return nil
	}
	out := make([]Entity, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, maps.Clone(t.rows[k]))
	}
	return out
}

// table must be called with mu held for writing.
func (s *MemoryStore) table(entity string) *memoryTable {
	t, ok := s.tables[entity]
	if !ok {
		t = newMemoryTable()
		s.tables[entity] = t
	}
	return t
}

func (s *MemoryStore) snapshot() map[string]*memoryTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[string]*memoryTable, len(s.tables))
	for name, t := range s.tables {
		snap[name] = t.clone()
	}
	return snap
}

func (s *MemoryStore) restore(snap map[string]*memoryTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = snap
}

// lookup returns a stored row by key. mu must be held.
func (s *MemoryStore) lookup(entity string, id any) Entity {
	t, ok := s.tables[entity]
	if !ok {
		return nil
	}
	return t.rows[KeyString(id)]
}

// MemoryTransactor implements Transactor over a MemoryStore. Transactions
// are serialized; a failed transaction restores the store as it was when the
// transaction began.
type MemoryTransactor struct {
	store *MemoryStore
}

// RunInTx runs fn and restores the store when fn fails.
func (t *MemoryTransactor) RunInTx(ctx context.Context, _ TxOptions, fn func(ctx context.Context) error) error {
	t.store.txMu.Lock()
	defer t.store.txMu.Unlock()

	snap := t.store.snapshot()
	if err := fn(ctx); err != nil {
		t.store.restore(snap)
		return err
	}
	return nil
}

// MemoryProvider implements Provider for one entity of a MemoryStore.
// To-one relations are stored as the related id, to-many relations as a
// []any of related ids.
type MemoryProvider struct {
	store  *MemoryStore
	entity string
}

var _ Provider = (*MemoryProvider)(nil)

func (p *MemoryProvider) def() (*EntityDefinition, error) {
	return p.store.registry.Entity(p.entity)
}

// Find returns matching rows in insertion order, then sorted and paged.
func (p *MemoryProvider) Find(_ context.Context, filter Filter, page *Pagination) ([]Entity, error) {
	def, err := p.def()
	if err != nil {
		return nil, err
	}

	p.store.mu.RLock()
	defer p.store.mu.RUnlock()

	rows, err := p.scan(def, filter)
	if err != nil {
		return nil, err
	}
	if page == nil {
		return rows, nil
	}

	if len(page.OrderBy) > 0 {
		slices.SortStableFunc(rows, func(a, b Entity) int {
			for _, o := range page.OrderBy {
				c, _ := compareValues(a[o.Field], b[o.Field])
				if o.Direction == Desc {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
	}
	if page.Offset > 0 {
		if page.Offset >= len(rows) {
			return []Entity{}, nil
		}
		rows = rows[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(rows) {
		rows = rows[:page.Limit]
	}
	return rows, nil
}

// FindOne returns the first matching row or nil.
func (p *MemoryProvider) FindOne(_ context.Context, filter Filter) (Entity, error) {
	def, err := p.def()
	if err != nil {
		return nil, err
	}

	p.store.mu.RLock()
	defer p.store.mu.RUnlock()

	rows, err := p.scan(def, filter)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// FindByRelatedID returns rows of entity whose relatedField holds any of ids.
func (p *MemoryProvider) FindByRelatedID(_ context.Context, entity, relatedField string, ids []any, filter Filter) ([]Entity, error) {
	def, err := p.store.registry.Entity(entity)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[KeyString(id)] = true
	}

	p.store.mu.RLock()
	defer p.store.mu.RUnlock()

	rows, err := p.scan(def, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Entity, 0, len(rows))
	for _, row := range rows {
		for _, ref := range p.references(def, row, relatedField) {
			if wanted[KeyString(ref)] {
				out = append(out, row)
				break
			}
		}
	}
	return out, nil
}

// Create inserts a row, generating a UUID key when none is supplied.
func (p *MemoryProvider) Create(_ context.Context, partial Entity) (Entity, error) {
	def, err := p.def()
	if err != nil {
		return nil, err
	}

	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	return p.insert(def, partial)
}

// CreateMany inserts rows in order.
func (p *MemoryProvider) CreateMany(_ context.Context, partials []Entity) ([]Entity, error) {
	def, err := p.def()
	if err != nil {
		return nil, err
	}

	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	out := make([]Entity, 0, len(partials))
	for _, partial := range partials {
		row, err := p.insert(def, partial)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// Update merges partial into the row with the given key. It returns nil when
// the row does not exist.
func (p *MemoryProvider) Update(_ context.Context, id any, partial Entity) (Entity, error) {
	def, err := p.def()
	if err != nil {
		return nil, err
	}

	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	return p.merge(def, id, partial), nil
}

// UpdateMany updates every partial by its primary key. Missing rows are
// skipped.
func (p *MemoryProvider) UpdateMany(_ context.Context, partials []Entity) ([]Entity, error) {
	def, err := p.def()
	if err != nil {
		return nil, err
	}

	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	out := make([]Entity, 0, len(partials))
	for _, partial := range partials {
		id := def.idOf(partial)
		if id == nil {
			return nil, Errorf(ErrValidation, "update without primary key").WithEntity(def.name)
		}
		if row := p.merge(def, id, partial); row != nil {
			out = append(out, row)
		}
	}
	return out, nil
}

// CreateOrUpdateMany upserts every partial by primary key.
func (p *MemoryProvider) CreateOrUpdateMany(_ context.Context, partials []Entity) ([]Entity, error) {
	def, err := p.def()
	if err != nil {
		return nil, err
	}

	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	out := make([]Entity, 0, len(partials))
	for _, partial := range partials {
		if id := def.idOf(partial); id != nil {
			if row := p.merge(def, id, partial); row != nil {
				out = append(out, row)
				continue
			}
		}
		row, err := p.insert(def, partial)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// Delete removes a row and reports whether it existed.
func (p *MemoryProvider) Delete(_ context.Context, id any) (bool, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	t, ok := p.store.tables[p.entity]
	if !ok {
		return false, nil
	}
	return t.remove(KeyString(id)), nil
}

// GetRelatedEntityID returns the id held by a to-one relation value. The
// value may be a bare id or an entity map.
func (p *MemoryProvider) GetRelatedEntityID(entity Entity, relatedField string) any {
	value := entity[relatedField]
	if m, ok := asPayload(value); ok {
		return m[p.targetKey(relatedField)]
	}
	return value
}

// IsCollection reports whether value is a list of references.
func (p *MemoryProvider) IsCollection(value any) bool {
	return isList(value)
}

func (p *MemoryProvider) targetKey(relatedField string) string {
	def, err := p.def()
	if err != nil {
		return DefaultPrimaryKey
	}
	field := def.GetField(relatedField)
	if field == nil || !field.IsRelation() {
		return DefaultPrimaryKey
	}
	target, err := p.store.registry.Entity(field.target)
	if err != nil {
		return DefaultPrimaryKey
	}
	return target.PrimaryKeyField()
}

func (p *MemoryProvider) insert(def *EntityDefinition, partial Entity) (Entity, error) {
	row := normalizeRow(def, partial)
	pk := def.PrimaryKeyField()
	if row[pk] == nil {
		row[pk] = uuid.NewString()
	}
	t := p.store.table(def.name)
	key := KeyString(row[pk])
	if _, exists := t.rows[key]; exists {
		return nil, Errorf(ErrDuplicateKey, "%s %v", def.name, row[pk]).WithEntity(def.name)
	}
	t.put(key, row)
	return maps.Clone(row), nil
}

func (p *MemoryProvider) merge(def *EntityDefinition, id any, partial Entity) Entity {
	t, ok := p.store.tables[def.name]
	if !ok {
		return nil
	}
	key := KeyString(id)
	row, ok := t.rows[key]
	if !ok {
		return nil
	}
	updated := maps.Clone(row)
	for k, v := range normalizeRow(def, partial) {
		if k == def.PrimaryKeyField() {
			continue
		}
		updated[k] = v
	}
	t.rows[key] = updated
	return maps.Clone(updated)
}

// scan must be called with the store lock held.
func (p *MemoryProvider) scan(def *EntityDefinition, filter Filter) ([]Entity, error) {
	t, ok := p.store.tables[def.name]
	if !ok {
		return []Entity{}, nil
	}
	out := make([]Entity, 0, len(t.order))
	for _, k := range t.order {
		row := t.rows[k]
		ok, err := p.store.match(def, filter, row)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, maps.Clone(row))
		}
	}
	return out, nil
}

func (p *MemoryProvider) references(def *EntityDefinition, row Entity, field string) []any {
	value := row[field]
	if value == nil {
		return nil
	}
	key := DefaultPrimaryKey
	if f := def.GetField(field); f != nil && f.IsRelation() {
		if target, err := p.store.registry.Entity(f.target); err == nil {
			key = target.PrimaryKeyField()
		}
	}
	if isList(value) {
		return collectionMembers(toAnySlice(value), key)
	}
	if m, ok := asPayload(value); ok {
		return []any{m[key]}
	}
	return []any{value}
}

// normalizeRow stores relation values as ids.
func normalizeRow(def *EntityDefinition, partial Entity) Entity {
	row := make(Entity, len(partial))
	for k, v := range partial {
		field := def.GetField(k)
		if field == nil || !field.IsRelation() || v == nil {
			row[k] = v
			continue
		}
		target, err := def.registry.Entity(field.target)
		key := DefaultPrimaryKey
		if err == nil {
			key = target.PrimaryKeyField()
		}
		switch field.relation {
		case RelationToOne:
			if m, ok := asPayload(v); ok {
				row[k] = m[key]
				continue
			}
			row[k] = v
		case RelationToMany:
			row[k] = collectionMembers(toAnySlice(v), key)
		}
	}
	return row
}

func toAnySlice(v any) any {
	if list, ok := asPayloadList(v); ok {
		return list
	}
	return v
}
