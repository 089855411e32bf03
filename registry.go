package crudkit

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// DefaultPrimaryKey is the primary key column used when an entity does not
// declare one.
const DefaultPrimaryKey = "id"

// Registry holds all entity definitions for the application.
// It is populated at startup and sealed by NewEngine; it must be treated as
// immutable afterwards.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*EntityDefinition
	sealed   bool
}

// RelationKind distinguishes to-one from to-many relations.
type RelationKind int

const (
	// RelationNone marks a scalar field.
	RelationNone RelationKind = iota
	// RelationToOne references a single related entity.
	RelationToOne
	// RelationToMany holds a collection of related entities.
	RelationToMany
)

// FieldDefinition describes one field of an entity.
type FieldDefinition struct {
	name     string
	kind     ScalarKind
	relation RelationKind
	target   string
}

// Name returns the field name.
func (f *FieldDefinition) Name() string { return f.name }

// Kind returns the scalar kind. Relations report the kind of the related key.
func (f *FieldDefinition) Kind() ScalarKind { return f.kind }

// Relation returns the relation kind, RelationNone for scalars.
func (f *FieldDefinition) Relation() RelationKind { return f.relation }

// Target returns the related entity name for relation fields.
func (f *FieldDefinition) Target() string { return f.target }

// IsRelation reports whether the field is a to-one or to-many relation.
func (f *FieldDefinition) IsRelation() bool { return f.relation != RelationNone }

// EntityDefinition defines one logical entity: its provider, fields, access
// control list and hooks.
type EntityDefinition struct {
	name           string
	provider       Provider
	primaryKey     []string
	fields         map[string]*FieldDefinition
	fieldOrder     []string
	acl            AccessControlList
	hidden         map[string]map[string]bool // role -> hidden fields
	readOnly       bool
	clientKeys     bool
	keyGen         KeyGenerator
	mapRow         func(Entity) Entity
	transformInput func(context.Context, Entity) (Entity, error)
	hooks          Hooks
	registry       *Registry
}

// NewRegistry creates a new entity registry.
func NewRegistry() *Registry {
	return &Registry{
		entities: make(map[string]*EntityDefinition),
	}
}

// DefineEntity starts defining a new entity.
// Returns an EntityDefinition builder for fluent configuration.
//
// Example:
//
//	registry.DefineEntity("Task").
//	    Provider(tasks).
//	    Field("title", crudkit.KindText).
//	    ToOne("owner", "User").
//	    ToMany("tags", "Tag").
//	    ACL(crudkit.AccessControlList{
//	        "member": {crudkit.OpAll: crudkit.RowFilter(ownTasks)},
//	    })
func (r *Registry) DefineEntity(name string) *EntityDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		panic(fmt.Sprintf("crudkit: cannot define entity %q after the registry is sealed", name))
	}

	def := &EntityDefinition{
		name:       name,
		primaryKey: []string{DefaultPrimaryKey},
		fields: map[string]*FieldDefinition{
			DefaultPrimaryKey: {name: DefaultPrimaryKey, kind: KindID},
		},
		fieldOrder: []string{DefaultPrimaryKey},
		hidden:     make(map[string]map[string]bool),
		registry:   r,
	}
	r.entities[name] = def
	return def
}

// Entity returns the definition for an entity name.
func (r *Registry) Entity(name string) (*EntityDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.entities[name]
	if !ok {
		return nil, Errorf(ErrUnknownEntity, "entity %q is not defined", name).WithEntity(name)
	}
	return def, nil
}

// Entities returns all defined entity names, sorted.
func (r *Registry) Entities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entities))
	for name := range r.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderFor returns the provider registered for an entity. A missing
// provider is a configuration error.
func (r *Registry) ProviderFor(name string) (Provider, error) {
	def, err := r.Entity(name)
	if err != nil {
		return nil, err
	}
	if def.provider == nil {
		return nil, Errorf(ErrNoProvider, "entity %q has no provider", name).WithEntity(name)
	}
	return def.provider, nil
}

// Validate checks every definition for wiring mistakes.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.sortedNames() {
		def := r.entities[name]
		if def.provider == nil {
			return Errorf(ErrNoProvider, "entity %q has no provider", name).WithEntity(name)
		}
		for _, pk := range def.primaryKey {
			if _, ok := def.fields[pk]; !ok {
				return Errorf(ErrConfiguration, "primary key field %q is not declared", pk).
					WithEntity(name).WithField(pk)
			}
		}
		for _, fieldName := range def.fieldOrder {
			field := def.fields[fieldName]
			if field.IsRelation() {
				if _, ok := r.entities[field.target]; !ok {
					return Errorf(ErrUnknownEntity, "relation %q targets undefined entity %q", fieldName, field.target).
						WithEntity(name).WithField(fieldName)
				}
				continue
			}
			if !field.kind.Known() {
				return Errorf(ErrConfiguration, "field %q has unknown kind %q", fieldName, field.kind).
					WithEntity(name).WithField(fieldName)
			}
		}
		if err := def.acl.validate(); err != nil {
			if e, ok := err.(*Error); ok {
				return e.WithEntity(name)
			}
			return err
		}
	}
	return nil
}

// Seal prevents further definitions.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.entities))
	for name := range r.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Provider sets the storage provider for this entity.
func (e *EntityDefinition) Provider(p Provider) *EntityDefinition {
	e.provider = p
	return e
}

// PrimaryKey sets the primary key columns. More than one column declares a
// composite key.
func (e *EntityDefinition) PrimaryKey(fields ...string) *EntityDefinition {
	if len(fields) == 0 {
		return e
	}
	if len(e.primaryKey) == 1 && e.primaryKey[0] == DefaultPrimaryKey && !slices.Contains(fields, DefaultPrimaryKey) {
		e.removeField(DefaultPrimaryKey)
	}
	e.primaryKey = append([]string{}, fields...)
	return e
}

// Field declares a scalar field.
func (e *EntityDefinition) Field(name string, kind ScalarKind) *EntityDefinition {
	e.addField(&FieldDefinition{name: name, kind: kind})
	return e
}

// ToOne declares a relation to a single target entity.
func (e *EntityDefinition) ToOne(name, target string) *EntityDefinition {
	e.addField(&FieldDefinition{name: name, kind: KindID, relation: RelationToOne, target: target})
	return e
}

// ToMany declares a relation to a collection of target entities.
func (e *EntityDefinition) ToMany(name, target string) *EntityDefinition {
	e.addField(&FieldDefinition{name: name, kind: KindID, relation: RelationToMany, target: target})
	return e
}

// ACL sets the access control list.
func (e *EntityDefinition) ACL(acl AccessControlList) *EntityDefinition {
	e.acl = acl
	return e
}

// HideFields hides fields from results for a role. A field is only hidden
// from a request when every one of its roles hides it.
func (e *EntityDefinition) HideFields(role string, fields ...string) *EntityDefinition {
	set, ok := e.hidden[role]
	if !ok {
		set = make(map[string]bool)
		e.hidden[role] = set
	}
	for _, f := range fields {
		set[f] = true
	}
	return e
}

// ReadOnly marks the entity read-only. No mutation resolver is built for it.
func (e *EntityDefinition) ReadOnly() *EntityDefinition {
	e.readOnly = true
	return e
}

// ClientKeys lets callers supply primary keys for new entities.
func (e *EntityDefinition) ClientKeys() *EntityDefinition {
	e.clientKeys = true
	return e
}

// GenerateKeys assigns primary keys to new entities before they are written.
func (e *EntityDefinition) GenerateKeys(gen KeyGenerator) *EntityDefinition {
	e.keyGen = gen
	return e
}

// MapRow sets the hook converting stored rows to their public shape.
func (e *EntityDefinition) MapRow(fn func(Entity) Entity) *EntityDefinition {
	e.mapRow = fn
	return e
}

// TransformInput sets the hook applied to mutation payloads before they reach
// the persistence engine.
func (e *EntityDefinition) TransformInput(fn func(context.Context, Entity) (Entity, error)) *EntityDefinition {
	e.transformInput = fn
	return e
}

// Hooks sets lifecycle hooks.
func (e *EntityDefinition) Hooks(h Hooks) *EntityDefinition {
	e.hooks = h
	return e
}

// DefineEntity continues defining entities on the registry (fluent API).
func (e *EntityDefinition) DefineEntity(name string) *EntityDefinition {
	return e.registry.DefineEntity(name)
}

// Name returns the entity name.
func (e *EntityDefinition) Name() string { return e.name }

// PrimaryKeys returns all primary key columns.
func (e *EntityDefinition) PrimaryKeys() []string { return append([]string{}, e.primaryKey...) }

// PrimaryKeyField returns the single primary key column. Entities with a
// composite key return the first column.
func (e *EntityDefinition) PrimaryKeyField() string { return e.primaryKey[0] }

// HasCompositeKey reports whether the primary key spans several columns.
func (e *EntityDefinition) HasCompositeKey() bool { return len(e.primaryKey) > 1 }

// GetField returns a field definition or nil.
func (e *EntityDefinition) GetField(name string) *FieldDefinition { return e.fields[name] }

// Fields returns field names in declaration order.
func (e *EntityDefinition) Fields() []string { return append([]string{}, e.fieldOrder...) }

// GetACL returns the access control list.
func (e *EntityDefinition) GetACL() AccessControlList { return e.acl }

// IsReadOnly reports whether the entity rejects mutations.
func (e *EntityDefinition) IsReadOnly() bool { return e.readOnly }

// AcceptsClientKeys reports whether callers may supply primary keys.
func (e *EntityDefinition) AcceptsClientKeys() bool { return e.clientKeys }

// GetProvider returns the registered provider.
func (e *EntityDefinition) GetProvider() Provider { return e.provider }

func (e *EntityDefinition) addField(f *FieldDefinition) {
	if _, exists := e.fields[f.name]; !exists {
		e.fieldOrder = append(e.fieldOrder, f.name)
	}
	e.fields[f.name] = f
}

func (e *EntityDefinition) removeField(name string) {
	delete(e.fields, name)
	for i, f := range e.fieldOrder {
		if f == name {
			e.fieldOrder = append(e.fieldOrder[:i], e.fieldOrder[i+1:]...)
			break
		}
	}
}

// idOf returns the primary key value of a row.
func (e *EntityDefinition) idOf(row Entity) any {
	if row == nil {
		return nil
	}
	return row[e.PrimaryKeyField()]
}
