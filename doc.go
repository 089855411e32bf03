// Package crudkit provides an authorization-aware, storage-agnostic CRUD
// engine for entity graphs.
//
// Entities are declared once in a Registry, each with a storage Provider,
// typed fields, relations and an access control list. The Engine turns the
// registry into per-entity resolvers that read and write rows on behalf of a
// request while enforcing row-level filters and field restrictions.
//
// # Core Concepts
//
// Entity: a row, exchanged with providers as map[string]any.
//
// Filter: a storage-agnostic predicate tree. Leaves use "field_op" keys
// ("priority_gte", "title_like"); "_and", "_or" and "_not" combine them.
//
// Access control list: per role and operation, either unconditional access
// (Allow) or a row filter computed from the request (RowFilter). Roles are
// folded into one ConsolidatedEntry per request: unconditional access wins,
// row filters are OR-ed, and the administrator role sees everything.
//
// Provider: the storage contract. MemoryStore ships in this package and
// package bunstore implements it on PostgreSQL.
//
// # Key Features
//
//   - Row-level security: the caller's filter is always AND-ed with the
//     authorization filter
//   - Field restrictions per role, stripped after every read and write
//   - Request-scoped batch loading of related entities
//   - Nested writes: one payload creates and links a whole entity graph
//     inside one transaction
//   - Re-entrant transactions with isolation checks and metrics
//   - Lifecycle hooks, key generation and input transforms
//
// # Basic Usage
//
//	registry := crudkit.NewRegistry()
//	store := crudkit.NewMemoryStore(registry)
//
//	ownTasks := func(ctx context.Context, ac *crudkit.AuthContext) (crudkit.Filter, error) {
//	    return crudkit.Filter{"owner": crudkit.Filter{"id": ac.UserID()}}, nil
//	}
//
//	registry.DefineEntity("User").
//	    Provider(store.Provider("User")).
//	    Field("name", crudkit.KindText)
//
//	registry.DefineEntity("Task").
//	    Provider(store.Provider("Task")).
//	    Field("title", crudkit.KindText).
//	    ToOne("owner", "User").
//	    ACL(crudkit.AccessControlList{
//	        "member": {crudkit.OpAll: crudkit.RowFilter(ownTasks)},
//	        "auditor": {crudkit.OpRead: crudkit.Allow()},
//	    })
//
//	engine, err := crudkit.NewEngine(registry,
//	    crudkit.WithAdminRole("admin"),
//	    crudkit.WithTransactor(store.Transactor()),
//	)
//
//	ctx, release := engine.Scope(ctx, crudkit.NewAuthContext(&crudkit.User{ID: "42"}, "member"))
//	defer release()
//
//	tasks, _ := engine.Resolver("Task")
//	rows, err := tasks.List(ctx, crudkit.Filter{"title_like": "%docs%"}, nil)
//
// # Middleware Usage
//
//	mw := crudkit.NewMiddleware(engine,
//	    crudkit.WithRolesExtractor(crudkit.RolesFromHeader("X-Roles", "X-User-ID")),
//	)
//
//	router.Use(mw.Scope)
//	router.With(mw.RequireOperation("Task", crudkit.OpCreate)).Post("/tasks", createTask)
//
// # Errors
//
// Every error wraps one of ErrConfiguration, ErrForbidden, ErrValidation,
// ErrNotFound or ErrTransaction. Authorization failures reach callers as the
// bare ErrForbidden; the failing rule is only logged.
package crudkit
