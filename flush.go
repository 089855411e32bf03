package crudkit

import (
	"context"
	"maps"
	"sort"
)

const (
	unvisited = iota
	visiting
	done
)

// Flush writes every staged change. New entities are created first, each
// after the new entities it references; a reference cycle between new
// entities is broken by creating one side without the reference and setting
// it afterwards. Existing entities are then updated with their changed
// fields only.
//
// Flush must run inside a transaction opened by TxManager.Run.
func (s *Session) Flush(ctx context.Context) error {
	if !InTransaction(ctx) {
		return ErrNoTransaction
	}

	if err := s.generateKeys(ctx); err != nil {
		return err
	}

	order, deferred := s.plan()
	for _, n := range order {
		if err := s.create(ctx, n, deferred[n]); err != nil {
			return err
		}
	}
	s.created = nil

	updated := 0
	for _, n := range s.touched {
		if n.isNew || len(n.dirty) == 0 {
			continue
		}
		if err := s.update(ctx, n); err != nil {
			return err
		}
		updated++
	}

	s.logger.DebugContext(ctx, "crudkit: flush", "created", len(order), "updated", updated)
	return nil
}

func (s *Session) generateKeys(ctx context.Context) error {
	for _, n := range s.created {
		if n.id != nil || n.def.keyGen == nil {
			continue
		}
		id, err := n.def.keyGen(ctx, n.def.name)
		if err != nil {
			return Errorf(ErrValidation, "generate key: %v", err).WithEntity(n.def.name)
		}
		n.id = id
		n.values[n.def.PrimaryKeyField()] = id
		s.nodes[nodeKey(n.def.name, id)] = n
	}
	return nil
}

// plan orders new nodes so that referenced nodes come first and returns the
// fields whose write had to be deferred to break a cycle.
func (s *Session) plan() ([]*Node, map[*Node]map[string]bool) {
	state := make(map[*Node]int, len(s.created))
	deferred := make(map[*Node]map[string]bool)
	order := make([]*Node, 0, len(s.created))

	deferField := func(n *Node, field string) {
		if deferred[n] == nil {
			deferred[n] = make(map[string]bool)
		}
		deferred[n][field] = true
	}

	var visit func(n *Node)
	visit = func(n *Node) {
		state[n] = visiting
		for _, field := range dependencyFields(n) {
			for _, dep := range n.dependencies(field) {
				if !dep.isNew {
					continue
				}
				switch state[dep] {
				case visiting:
					deferField(n, field)
				case unvisited:
					visit(dep)
				}
			}
		}
		state[n] = done
		order = append(order, n)
	}

	for _, n := range s.created {
		if n.isNew && state[n] == unvisited {
			visit(n)
		}
	}
	return order, deferred
}

func (s *Session) create(ctx context.Context, n *Node, skip map[string]bool) error {
	provider, err := s.registry.ProviderFor(n.def.name)
	if err != nil {
		return err
	}

	payload := n.Row()
	pk := n.def.PrimaryKeyField()
	if n.id == nil {
		delete(payload, pk)
	}
	for field := range skip {
		delete(payload, field)
	}

	row, err := provider.Create(ctx, payload)
	if err != nil {
		return err
	}
	if row == nil {
		row = payload
	}
	if id, ok := row[pk]; ok && id != nil {
		n.id = id
	}
	n.isNew = false
	n.stored = row
	s.inserted = append(s.inserted, n)
	maps.Copy(n.values, row)
	clear(n.dirty)
	for field := range skip {
		n.dirty[field] = true
	}
	for _, c := range n.collections {
		c.changed = false
	}
	s.nodes[nodeKey(n.def.name, n.id)] = n
	return nil
}

func (s *Session) update(ctx context.Context, n *Node) error {
	provider, err := s.registry.ProviderFor(n.def.name)
	if err != nil {
		return err
	}

	partial := make(Entity, len(n.dirty))
	for field := range n.dirty {
		def := n.def.fields[field]
		switch {
		case def != nil && def.relation == RelationToOne:
			if ref := n.refs[field]; ref != nil {
				partial[field] = ref.id
			} else {
				partial[field] = nil
			}
		case def != nil && def.relation == RelationToMany:
			if c := n.collections[field]; c != nil {
				partial[field] = memberIDs(c)
			}
		default:
			partial[field] = n.values[field]
		}
	}

	row, err := provider.Update(ctx, n.id, partial)
	if err != nil {
		return err
	}
	if row == nil {
		return Errorf(ErrEntityNotLocated, "%s %v", n.def.name, n.id).WithEntity(n.def.name)
	}
	n.stored = row
	maps.Copy(n.values, row)
	clear(n.dirty)
	for _, c := range n.collections {
		c.changed = false
	}
	return nil
}

// dependencyFields lists relation fields holding assigned nodes, sorted.
func dependencyFields(n *Node) []string {
	fields := make([]string, 0, len(n.refs)+len(n.collections))
	for field, ref := range n.refs {
		if ref != nil {
			fields = append(fields, field)
		}
	}
	for field := range n.collections {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func (n *Node) dependencies(field string) []*Node {
	if ref, ok := n.refs[field]; ok {
		if ref == nil {
			return nil
		}
		return []*Node{ref}
	}
	if c, ok := n.collections[field]; ok {
		return c.members
	}
	return nil
}
