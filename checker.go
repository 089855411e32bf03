package crudkit

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
)

// Checker provides permission checking for one request.
// It is created by the Engine (or the middleware) and stored in context for
// use by resolvers and handlers. Consolidated entries are memoized per entity
// for the role set the request carried when they were built.
type Checker struct {
	ac         *AuthContext
	registry   *Registry
	authorizer *Authorizer

	mu      sync.Mutex
	entries map[string]ConsolidatedEntry
}

// NewChecker creates a new Checker for an authorization context.
func NewChecker(ac *AuthContext, registry *Registry, authorizer *Authorizer) *Checker {
	return &Checker{
		ac:         ac,
		registry:   registry,
		authorizer: authorizer,
		entries:    make(map[string]ConsolidatedEntry),
	}
}

// AuthContext returns the authorization context this checker reads.
func (c *Checker) AuthContext() *AuthContext {
	return c.ac
}

// UserID returns the user ID this checker is for.
func (c *Checker) UserID() string {
	if c.ac == nil {
		return ""
	}
	return c.ac.UserID()
}

// Roles returns the roles of the request.
func (c *Checker) Roles() []string {
	if c.ac == nil {
		return nil
	}
	return c.ac.GetRoles()
}

// IsAdmin reports whether the request carries the administrator role.
func (c *Checker) IsAdmin() bool {
	return c.ac != nil && c.ac.HasRole(c.authorizer.AdminRole())
}

// Entry returns the consolidated access control entry for an entity.
func (c *Checker) Entry(entity string) (ConsolidatedEntry, error) {
	if c.ac == nil {
		return nil, ErrNoAuthContext
	}
	def, err := c.registry.Entity(entity)
	if err != nil {
		return nil, err
	}

	roles := c.ac.GetRoles()
	key := entity + "|" + roleSetKey(roles)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		return entry, nil
	}
	entry, err := c.authorizer.BuildAccessControlEntry(def.acl, roles)
	if err != nil {
		if e, ok := err.(*Error); ok {
			return nil, e.WithEntity(entity)
		}
		return nil, err
	}
	c.entries[key] = entry
	return entry, nil
}

// Can checks if the request may perform op on some rows of entity.
//
// Example:
//
//	if checker.Can("Task", crudkit.OpCreate) {
//	    // show the "new task" button
//	}
func (c *Checker) Can(entity string, op Operation) bool {
	entry, err := c.Entry(entity)
	if err != nil {
		return false
	}
	return entry[op].Granted()
}

// Filter returns the row filter limiting op on entity. An empty filter means
// unconditional access; a missing grant is ErrForbidden.
func (c *Checker) Filter(ctx context.Context, entity string, op Operation) (Filter, error) {
	entry, err := c.Entry(entity)
	if err != nil {
		return nil, err
	}
	value, ok := entry[op]
	if !ok || !value.Granted() {
		return nil, Errorf(ErrForbidden, "no %s grant", op).WithEntity(entity).WithOperation(op)
	}
	return c.authorizer.Evaluate(ctx, c.ac, value)
}

// HiddenFields returns the fields of entity hidden from this request, sorted.
// A field is hidden only when every role of the request hides it.
func (c *Checker) HiddenFields(entity string) []string {
	if c.ac == nil || c.IsAdmin() {
		return nil
	}
	def, err := c.registry.Entity(entity)
	if err != nil || len(def.hidden) == 0 {
		return nil
	}
	roles := c.ac.GetRoles()
	if len(roles) == 0 {
		return nil
	}

	var hidden []string
	for field := range def.hidden[roles[0]] {
		all := true
		for _, role := range roles[1:] {
			if !def.hidden[role][field] {
				all = false
				break
			}
		}
		if all {
			hidden = append(hidden, field)
		}
	}
	sort.Strings(hidden)
	return hidden
}

// StripFields returns copies of rows without the fields hidden from this
// request. Rows are returned untouched when nothing is hidden.
func (c *Checker) StripFields(entity string, rows []Entity) []Entity {
	hidden := c.HiddenFields(entity)
	if len(hidden) == 0 {
		return rows
	}
	out := make([]Entity, len(rows))
	for i, row := range rows {
		out[i] = stripRow(row, hidden)
	}
	return out
}

// StripEntity is the single-row form of StripFields.
func (c *Checker) StripEntity(entity string, row Entity) Entity {
	hidden := c.HiddenFields(entity)
	if len(hidden) == 0 || row == nil {
		return row
	}
	return stripRow(row, hidden)
}

func stripRow(row Entity, hidden []string) Entity {
	if row == nil {
		return nil
	}
	out := make(Entity, len(row))
	for k, v := range row {
		if slices.Contains(hidden, k) {
			continue
		}
		out[k] = v
	}
	return out
}

func roleSetKey(roles []string) string {
	sorted := slices.Clone(roles)
	sort.Strings(sorted)
	return strings.Join(slices.Compact(sorted), ",")
}
