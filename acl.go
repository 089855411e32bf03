package crudkit

import (
	"context"
	"fmt"
)

// Operation is an access control operation name.
type Operation string

// Canonical operations and their aliases.
const (
	OpRead   Operation = "read"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"

	// OpWrite expands to create, update and delete.
	OpWrite Operation = "write"
	// OpAll expands to every canonical operation.
	OpAll Operation = "all"
)

// RoleEveryone is the implicit role consulted for every request.
const RoleEveryone = "Everyone"

// CanonicalOperations lists the operations a consolidated entry covers.
var CanonicalOperations = []Operation{OpRead, OpCreate, OpUpdate, OpDelete}

// expand resolves aliases to canonical operations.
func (o Operation) expand() ([]Operation, error) {
	switch o {
	case OpRead, OpCreate, OpUpdate, OpDelete:
		return []Operation{o}, nil
	case OpWrite:
		return []Operation{OpCreate, OpUpdate, OpDelete}, nil
	case OpAll:
		return []Operation{OpRead, OpCreate, OpUpdate, OpDelete}, nil
	}
	return nil, Errorf(ErrInvalidOperation, "unknown operation %q", string(o)).WithOperation(o)
}

// FilterFunc computes a row filter from the request's authorization state.
// A nil or empty filter matches every row and so grants unconditional
// access; return an error to deny.
type FilterFunc func(ctx context.Context, ac *AuthContext) (Filter, error)

// AccessValue is one ACL grant: either unconditional or restricted to the
// rows matched by a filter function.
type AccessValue struct {
	allow  bool
	filter FilterFunc
}

// Allow grants unconditional access.
func Allow() AccessValue {
	return AccessValue{allow: true}
}

// RowFilter grants access to the rows matched by fn.
func RowFilter(fn FilterFunc) AccessValue {
	return AccessValue{filter: fn}
}

// StaticFilter grants access to the rows matched by a fixed filter.
func StaticFilter(f Filter) AccessValue {
	return RowFilter(func(context.Context, *AuthContext) (Filter, error) {
		return f, nil
	})
}

// IsAllow reports whether the value grants unconditional access.
func (v AccessValue) IsAllow() bool { return v.allow }

// AccessControlEntry maps operations to grants for one role.
type AccessControlEntry map[Operation]AccessValue

// AccessControlList maps role names to their entries.
type AccessControlList map[string]AccessControlEntry

func (acl AccessControlList) validate() error {
	for role, entry := range acl {
		for op, value := range entry {
			if _, err := op.expand(); err != nil {
				return err.(*Error).WithRole(role)
			}
			if !value.allow && value.filter == nil {
				return Errorf(ErrConfiguration, "role %q grants %q without a value", role, op).
					WithRole(role).WithOperation(op)
			}
		}
	}
	return nil
}

// ConsolidatedValue is the merged grant for one operation after folding all
// of a principal's roles. The zero value grants nothing.
type ConsolidatedValue struct {
	Unconditional bool
	Filters       []FilterFunc
}

// Granted reports whether the value permits the operation for some rows.
func (v ConsolidatedValue) Granted() bool {
	return v.Unconditional || len(v.Filters) > 0
}

// ConsolidatedEntry holds one ConsolidatedValue per canonical operation.
type ConsolidatedEntry map[Operation]ConsolidatedValue

// Authorizer consolidates ACLs and evaluates the resulting row filters.
type Authorizer struct {
	adminRole string
}

// NewAuthorizer creates an Authorizer. The administrator role name is
// required.
func NewAuthorizer(adminRole string) (*Authorizer, error) {
	if adminRole == "" {
		return nil, ErrNoAdminRole
	}
	return &Authorizer{adminRole: adminRole}, nil
}

// AdminRole returns the administrator role name.
func (a *Authorizer) AdminRole() string {
	return a.adminRole
}

// BuildAccessControlEntry folds the entries of roles plus RoleEveryone into
// one consolidated entry. Unconditional grants win and stick; filter
// functions accumulate in role order. The administrator role short-circuits
// to full access.
func (a *Authorizer) BuildAccessControlEntry(acl AccessControlList, roles []string) (ConsolidatedEntry, error) {
	if len(roles) == 0 {
		return nil, ErrNoRoles
	}

	for _, role := range roles {
		if role == a.adminRole {
			full := make(ConsolidatedEntry, len(CanonicalOperations))
			for _, op := range CanonicalOperations {
				full[op] = ConsolidatedValue{Unconditional: true}
			}
			return full, nil
		}
	}

	result := make(ConsolidatedEntry, len(CanonicalOperations))
	for _, role := range append(append([]string{}, roles...), RoleEveryone) {
		entry, ok := acl[role]
		if !ok {
			continue
		}
		// Expand aliases in a fixed order so filter accumulation does not
		// depend on map iteration.
		for _, op := range []Operation{OpAll, OpWrite, OpRead, OpCreate, OpUpdate, OpDelete} {
			value, ok := entry[op]
			if !ok {
				continue
			}
			targets, _ := op.expand()
			for _, target := range targets {
				result[target] = consolidate(result[target], value)
			}
		}
		for op := range entry {
			if _, err := op.expand(); err != nil {
				return nil, err.(*Error).WithRole(role)
			}
		}
	}
	return result, nil
}

func consolidate(current ConsolidatedValue, candidate AccessValue) ConsolidatedValue {
	if current.Unconditional {
		return current
	}
	if candidate.allow {
		return ConsolidatedValue{Unconditional: true}
	}
	filters := make([]FilterFunc, len(current.Filters), len(current.Filters)+1)
	copy(filters, current.Filters)
	return ConsolidatedValue{Filters: append(filters, candidate.filter)}
}

// Evaluate turns a consolidated value into a filter. An unconditional grant
// yields an empty filter; several filter functions are combined with OR
// since any one matching role suffices. A value that grants nothing fails
// closed with ErrForbidden.
func (a *Authorizer) Evaluate(ctx context.Context, ac *AuthContext, value ConsolidatedValue) (Filter, error) {
	if value.Unconditional {
		return Filter{}, nil
	}
	switch len(value.Filters) {
	case 0:
		return nil, ErrUnevaluableFilters
	case 1:
		return callFilter(ctx, ac, value.Filters[0])
	}

	results := make([]Filter, 0, len(value.Filters))
	for _, fn := range value.Filters {
		f, err := callFilter(ctx, ac, fn)
		if err != nil {
			return nil, err
		}
		results = append(results, f)
	}
	return Filter{KeyOr: results}, nil
}

func callFilter(ctx context.Context, ac *AuthContext, fn FilterFunc) (Filter, error) {
	if fn == nil {
		return nil, ErrUnevaluableFilters
	}
	f, err := fn(ctx, ac)
	if err != nil {
		return nil, fmt.Errorf("%w: row filter: %w", ErrForbidden, err)
	}
	// nil matches every row, same as Allow.
	if f == nil {
		f = Filter{}
	}
	return f, nil
}
