package crudkit

import (
	"context"
	"log/slog"
	"maps"
)

// Node is one entity tracked by a Session. Nodes are identified by pointer:
// a new node has no primary key until it is flushed.
type Node struct {
	def   *EntityDefinition
	id    any
	isNew bool
	lazy  bool

	values      Entity
	dirty       map[string]bool
	refs        map[string]*Node
	collections map[string]*Collection
	stored      Entity
}

// Collection is the membership of a to-many relation on one node.
type Collection struct {
	members []*Node
	changed bool
}

// Members returns the current members.
func (c *Collection) Members() []*Node {
	return append([]*Node{}, c.members...)
}

// Entity returns the node's entity name.
func (n *Node) Entity() string { return n.def.name }

// ID returns the primary key, or nil for a new node that has not been
// flushed and has no generated key.
func (n *Node) ID() any { return n.id }

// IsNew reports whether the node will be created on flush.
func (n *Node) IsNew() bool { return n.isNew }

// IsLazy reports whether the node is an unloaded reference.
func (n *Node) IsLazy() bool { return n.lazy }

// Get returns the current value of a scalar field.
func (n *Node) Get(field string) any { return n.values[field] }

// Ref returns the node attached to a to-one relation, if assigned.
func (n *Node) Ref(field string) (*Node, bool) {
	ref, ok := n.refs[field]
	return ref, ok
}

// Collection returns the to-many membership of field, if loaded or assigned.
func (n *Node) Collection(field string) *Collection {
	return n.collections[field]
}

// Dirty reports whether the node has staged changes.
func (n *Node) Dirty() bool { return n.isNew || len(n.dirty) > 0 }

// Row returns the node's row as last written, or as staged when it has not
// been written yet.
func (n *Node) Row() Entity {
	if n.stored != nil {
		return maps.Clone(n.stored)
	}
	row := maps.Clone(n.values)
	if row == nil {
		row = Entity{}
	}
	if n.id != nil {
		row[n.def.PrimaryKeyField()] = n.id
	}
	for field, ref := range n.refs {
		if ref == nil {
			row[field] = nil
			continue
		}
		row[field] = ref.id
	}
	for field, c := range n.collections {
		row[field] = memberIDs(c)
	}
	return row
}

func (n *Node) set(field string, value any) {
	n.values[field] = value
	n.dirty[field] = true
}

// AssignGuard authorizes nested creates and updates performed while
// assigning a payload. id is the key of the entity being updated and nil for
// creates. It is not called for the root node.
type AssignGuard func(ctx context.Context, entity string, id any, op Operation) error

// Session is the identity map and change set of one mutation. Every entity
// is represented by at most one Node; nothing reaches storage until Flush.
type Session struct {
	registry *Registry
	logger   *slog.Logger
	guard    AssignGuard

	nodes    map[string]*Node
	created  []*Node
	touched  []*Node
	inserted []*Node
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithAssignGuard sets the guard consulted for nested writes.
func WithAssignGuard(guard AssignGuard) SessionOption {
	return func(s *Session) {
		s.guard = guard
	}
}

// WithSessionLogger sets the session logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession creates an empty session.
func NewSession(registry *Registry, opts ...SessionOption) *Session {
	s := &Session{
		registry: registry,
		logger:   slog.Default(),
		nodes:    make(map[string]*Node),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// New stages a new entity. It is created on Flush.
func (s *Session) New(entity string) (*Node, error) {
	def, err := s.registry.Entity(entity)
	if err != nil {
		return nil, err
	}
	n := newNode(def)
	n.isNew = true
	s.created = append(s.created, n)
	s.touched = append(s.touched, n)
	return n, nil
}

// Created returns the nodes written by Flush as new entities, in write
// order.
func (s *Session) Created() []*Node {
	return append([]*Node{}, s.inserted...)
}

// Locate returns the node for an existing entity, loading it from storage
// when it is not yet in the session. A missing entity is ErrNotFound.
func (s *Session) Locate(ctx context.Context, entity string, id any) (*Node, error) {
	def, err := s.registry.Entity(entity)
	if err != nil {
		return nil, err
	}
	n, err := s.find(ctx, def, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, Errorf(ErrNotFound, "%s %v does not exist", entity, id).WithEntity(entity)
	}
	return n, nil
}

// Nodes returns every node the session tracks, in the order it first saw
// them.
func (s *Session) Nodes() []*Node {
	return append([]*Node{}, s.touched...)
}

// reference returns the session node for a key without loading it.
func (s *Session) reference(def *EntityDefinition, id any) *Node {
	key := nodeKey(def.name, id)
	if n, ok := s.nodes[key]; ok {
		return n
	}
	n := newNode(def)
	n.id = id
	n.lazy = true
	s.track(key, n)
	return n
}

// find returns the session node for a key, loading it from storage when it
// is missing or lazy. It returns nil when the entity does not exist.
func (s *Session) find(ctx context.Context, def *EntityDefinition, id any) (*Node, error) {
	key := nodeKey(def.name, id)
	n, ok := s.nodes[key]
	if ok && !n.lazy {
		return n, nil
	}

	provider, err := s.registry.ProviderFor(def.name)
	if err != nil {
		return nil, err
	}
	row, err := provider.FindOne(ctx, Filter{def.PrimaryKeyField(): id})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	if !ok {
		n = newNode(def)
		n.id = id
		s.track(key, n)
	}
	n.lazy = false
	for k, v := range row {
		if _, staged := n.dirty[k]; staged {
			continue
		}
		n.values[k] = v
	}
	return n, nil
}

// loadCollection returns the membership of a to-many field, reading the
// initial members from the stored row the first time.
func (s *Session) loadCollection(ctx context.Context, n *Node, field *FieldDefinition) (*Collection, error) {
	if c, ok := n.collections[field.name]; ok {
		return c, nil
	}
	c := &Collection{}
	n.collections[field.name] = c
	if n.isNew {
		return c, nil
	}
	if n.lazy {
		if _, err := s.find(ctx, n.def, n.id); err != nil {
			return nil, err
		}
	}

	target, err := s.registry.Entity(field.target)
	if err != nil {
		return nil, err
	}
	provider, err := s.registry.ProviderFor(n.def.name)
	if err != nil {
		return nil, err
	}
	value := n.values[field.name]
	if value == nil || !provider.IsCollection(value) {
		return c, nil
	}
	for _, id := range collectionMembers(value, target.PrimaryKeyField()) {
		if id == nil {
			continue
		}
		c.members = append(c.members, s.reference(target, id))
	}
	return c, nil
}

func (s *Session) track(key string, n *Node) {
	s.nodes[key] = n
	s.touched = append(s.touched, n)
}

func newNode(def *EntityDefinition) *Node {
	return &Node{
		def:         def,
		values:      make(Entity),
		dirty:       make(map[string]bool),
		refs:        make(map[string]*Node),
		collections: make(map[string]*Collection),
	}
}

func nodeKey(entity string, id any) string {
	return entity + "|" + KeyString(id)
}

func memberIDs(c *Collection) []any {
	ids := make([]any, 0, len(c.members))
	for _, m := range c.members {
		ids = append(ids, m.id)
	}
	return ids
}
