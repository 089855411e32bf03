package crudkit

import (
	"context"
	"reflect"
	"sort"
)

// AssignOptions controls which writes a payload may cause.
type AssignOptions struct {
	// Create allows payload elements without a located entity to create one.
	Create bool
	// Update allows payload elements to modify existing entities.
	Update bool
}

// DefaultAssignOptions allows both creates and updates.
var DefaultAssignOptions = AssignOptions{Create: true, Update: true}

// Assign merges payload into target, staging every change on the session.
// A nil target creates a new entity. Nested payloads are followed through
// to-one and to-many relations; a to-many array becomes the relation's new
// membership.
//
// Each entity is visited at most once per call, so mutually referencing
// payloads terminate: a second encounter returns the node unchanged.
func (s *Session) Assign(ctx context.Context, entity string, target *Node, payload Entity, opts AssignOptions) (*Node, error) {
	if target == nil {
		if !opts.Create {
			return nil, Errorf(ErrCreatesDisabled, "cannot create %s", entity).WithEntity(entity)
		}
		def, err := s.registry.Entity(entity)
		if err != nil {
			return nil, err
		}
		if id, ok := payload[def.PrimaryKeyField()]; ok && id != nil && !def.clientKeys {
			return nil, Errorf(ErrValidation, "%s does not accept client supplied keys", entity).
				WithEntity(entity).WithField(def.PrimaryKeyField())
		}
		n, err := s.New(entity)
		if err != nil {
			return nil, err
		}
		target = n
	} else if target.def.name != entity {
		return nil, Errorf(ErrValidation, "node is a %s, not a %s", target.def.name, entity).WithEntity(entity)
	}
	return s.assign(ctx, target, payload, opts, newVisitSet())
}

func (s *Session) assign(ctx context.Context, n *Node, payload Entity, opts AssignOptions, v *visitSet) (*Node, error) {
	if v.nodes[n] {
		return n, nil
	}
	v.nodes[n] = true
	if p := payloadID(payload); p != 0 {
		v.payloads[p] = n
		v.keep = append(v.keep, payload)
	}

	def := n.def
	pk := def.PrimaryKeyField()

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := payload[key]
		field := def.fields[key]
		if field == nil {
			return nil, Errorf(ErrValidation, "unknown field %q", key).WithEntity(def.name).WithField(key)
		}

		if key == pk && !def.HasCompositeKey() {
			if n.isNew && value != nil {
				n.id = value
				n.values[key] = value
				s.nodes[nodeKey(def.name, value)] = n
			}
			continue
		}

		var err error
		switch field.relation {
		case RelationToOne:
			err = s.assignToOne(ctx, n, field, value, opts, v)
		case RelationToMany:
			err = s.assignToMany(ctx, n, field, value, opts, v)
		default:
			n.set(key, value)
		}
		if err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (s *Session) assignToOne(ctx context.Context, n *Node, field *FieldDefinition, value any, opts AssignOptions, v *visitSet) error {
	if value == nil {
		n.refs[field.name] = nil
		n.dirty[field.name] = true
		return nil
	}

	target, err := s.relationTarget(n, field)
	if err != nil {
		return err
	}

	payload, isPayload := asPayload(value)
	if !isPayload {
		payload = Entity{target.PrimaryKeyField(): value}
	}

	var ref *Node
	if id, ok := payload[target.PrimaryKeyField()]; ok && id != nil && len(payload) == 1 {
		ref = s.reference(target, id)
	} else {
		ref, err = s.related(ctx, target, payload, opts, v)
		if err != nil {
			return err
		}
	}

	if current, ok := n.refs[field.name]; !ok || current != ref {
		n.refs[field.name] = ref
		n.dirty[field.name] = true
	}
	return nil
}

func (s *Session) assignToMany(ctx context.Context, n *Node, field *FieldDefinition, value any, opts AssignOptions, v *visitSet) error {
	items, ok := asPayloadList(value)
	if !ok {
		return Errorf(ErrNotAnArray, "field %q got %T", field.name, value).WithEntity(n.def.name).WithField(field.name)
	}

	target, err := s.relationTarget(n, field)
	if err != nil {
		return err
	}
	coll, err := s.loadCollection(ctx, n, field)
	if err != nil {
		return err
	}

	touched := make([]*Node, 0, len(items))
	for _, item := range items {
		payload, isPayload := asPayload(item)
		if !isPayload {
			payload = Entity{target.PrimaryKeyField(): item}
		}
		child, err := s.related(ctx, target, payload, opts, v)
		if err != nil {
			return err
		}
		if !containsNode(touched, child) {
			touched = append(touched, child)
		}
	}

	if !sameMembers(coll.members, touched) {
		coll.members = touched
		coll.changed = true
		n.dirty[field.name] = true
	}
	return nil
}

// related resolves the entity a nested payload designates and recurses into
// it. A payload with a primary key updates that entity; without one it
// creates a new entity.
func (s *Session) related(ctx context.Context, def *EntityDefinition, payload Entity, opts AssignOptions, v *visitSet) (*Node, error) {
	if n, ok := v.payloads[payloadID(payload)]; ok {
		return n, nil
	}
	pk := def.PrimaryKeyField()
	id, hasKey := payload[pk]
	if !hasKey || id == nil {
		return s.createRelated(ctx, def, payload, opts, v)
	}

	if n, ok := s.nodes[nodeKey(def.name, id)]; ok && n.isNew {
		return s.updateRelated(ctx, n, payload, opts, v)
	}
	n, err := s.find(ctx, def, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		if !def.clientKeys {
			return nil, Errorf(ErrEntityNotLocated, "%s %v", def.name, id).WithEntity(def.name)
		}
		return s.createRelated(ctx, def, payload, opts, v)
	}
	return s.updateRelated(ctx, n, payload, opts, v)
}

func (s *Session) createRelated(ctx context.Context, def *EntityDefinition, payload Entity, opts AssignOptions, v *visitSet) (*Node, error) {
	if !opts.Create {
		return nil, Errorf(ErrCreatesDisabled, "cannot create %s", def.name).WithEntity(def.name)
	}
	if err := s.authorize(ctx, def.name, nil, OpCreate); err != nil {
		return nil, err
	}
	n, err := s.New(def.name)
	if err != nil {
		return nil, err
	}
	return s.assign(ctx, n, payload, opts, v)
}

func (s *Session) updateRelated(ctx context.Context, n *Node, payload Entity, opts AssignOptions, v *visitSet) (*Node, error) {
	if v.nodes[n] || len(payload) <= 1 {
		return n, nil
	}
	if !n.isNew {
		if !opts.Update {
			return nil, Errorf(ErrUpdatesDisabled, "cannot update %s %v", n.def.name, n.id).WithEntity(n.def.name)
		}
		if err := s.authorize(ctx, n.def.name, n.id, OpUpdate); err != nil {
			return nil, err
		}
	}
	return s.assign(ctx, n, payload, opts, v)
}

func (s *Session) relationTarget(n *Node, field *FieldDefinition) (*EntityDefinition, error) {
	target, err := s.registry.Entity(field.target)
	if err != nil {
		return nil, err
	}
	if target.HasCompositeKey() {
		return nil, Errorf(ErrCompositeKey, "relation %q targets %s", field.name, target.name).
			WithEntity(n.def.name).WithField(field.name)
	}
	return target, nil
}

func (s *Session) authorize(ctx context.Context, entity string, id any, op Operation) error {
	if s.guard == nil {
		return nil
	}
	return s.guard(ctx, entity, id, op)
}

// visitSet is the cycle guard of one Assign call. Nodes are keyed by
// identity; payload maps are keyed by address so that a payload graph
// referencing itself maps to one node even before it has a key.
type visitSet struct {
	nodes    map[*Node]bool
	payloads map[uintptr]*Node
	keep     []Entity // pins visited payloads so their addresses stay unique
}

func newVisitSet() *visitSet {
	return &visitSet{
		nodes:    make(map[*Node]bool),
		payloads: make(map[uintptr]*Node),
	}
}

func payloadID(payload Entity) uintptr {
	if payload == nil {
		return 0
	}
	return reflect.ValueOf(payload).Pointer()
}

func asPayload(v any) (Entity, bool) {
	switch m := v.(type) {
	case Entity:
		return m, true
	case map[string]any:
		return Entity(m), true
	}
	return nil, false
}

// asPayloadList accepts any slice; elements are payload maps or bare ids.
func asPayloadList(v any) ([]any, bool) {
	switch list := v.(type) {
	case nil:
		return nil, false
	case []any:
		return list, true
	case []Entity:
		out := make([]any, len(list))
		for i, e := range list {
			out[i] = e
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(list))
		for i, m := range list {
			out[i] = m
		}
		return out, true
	case string, []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func containsNode(nodes []*Node, n *Node) bool {
	for _, m := range nodes {
		if m == n {
			return true
		}
	}
	return false
}

func sameMembers(a, b []*Node) bool {
	if len(a) != len(b) {
		return false
	}
	for _, n := range a {
		if !containsNode(b, n) {
			return false
		}
	}
	return true
}
