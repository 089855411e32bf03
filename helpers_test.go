package crudkit

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// countingProvider records the calls crudkit makes to a provider.
type countingProvider struct {
	Provider

	mu      sync.Mutex
	finds   []Filter
	related [][]any
	updates []Entity
	fail    error
}

func (p *countingProvider) Find(ctx context.Context, filter Filter, page *Pagination) ([]Entity, error) {
	p.mu.Lock()
	p.finds = append(p.finds, filter)
	fail := p.fail
	p.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return p.Provider.Find(ctx, filter, page)
}

func (p *countingProvider) FindByRelatedID(ctx context.Context, entity, field string, ids []any, filter Filter) ([]Entity, error) {
	p.mu.Lock()
	p.related = append(p.related, ids)
	p.mu.Unlock()
	return p.Provider.FindByRelatedID(ctx, entity, field, ids, filter)
}

func (p *countingProvider) Update(ctx context.Context, id any, partial Entity) (Entity, error) {
	p.mu.Lock()
	p.updates = append(p.updates, partial)
	p.mu.Unlock()
	return p.Provider.Update(ctx, id, partial)
}

func (p *countingProvider) findCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.finds)
}

func (p *countingProvider) lastFind() Filter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.finds) == 0 {
		return nil
	}
	return p.finds[len(p.finds)-1]
}

func (p *countingProvider) relatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.related)
}

func (p *countingProvider) setFail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

// fixture is a registry of users, tags, tasks and a read-only event log on
// a seeded MemoryStore.
type fixture struct {
	registry *Registry
	store    *MemoryStore
	users    *countingProvider
	tags     *countingProvider
	tasks    *countingProvider
}

func ownTasks(_ context.Context, ac *AuthContext) (Filter, error) {
	return Filter{"owner": Filter{"id": ac.UserID()}}, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry := NewRegistry()
	store := NewMemoryStore(registry)
	f := &fixture{
		registry: registry,
		store:    store,
		users:    &countingProvider{Provider: store.Provider("User")},
		tags:     &countingProvider{Provider: store.Provider("Tag")},
		tasks:    &countingProvider{Provider: store.Provider("Task")},
	}

	registry.DefineEntity("User").
		Provider(f.users).
		Field("name", KindText).
		Field("email", KindText).
		HideFields("member", "email").
		HideFields("auditor", "email", "name").
		ACL(AccessControlList{
			RoleEveryone: {OpRead: Allow()},
			"member":     {OpCreate: Allow()},
		})

	registry.DefineEntity("Tag").
		Provider(f.tags).
		GenerateKeys(UUIDKeys).
		Field("label", KindText).
		ACL(AccessControlList{
			RoleEveryone: {OpRead: Allow()},
			"member":     {OpCreate: Allow()},
		})

	registry.DefineEntity("Task").
		Provider(f.tasks).
		GenerateKeys(UUIDv7Keys).
		Field("title", KindText).
		Field("priority", KindNumber).
		Field("done", KindBoolean).
		ToOne("owner", "User").
		ToOne("parent", "Task").
		ToMany("tags", "Tag").
		ACL(AccessControlList{
			"ROLE_A":  {OpAll: RowFilter(ownTasks)},
			"ROLE_B":  {OpAll: Allow()},
			"member":  {OpAll: RowFilter(ownTasks)},
			"auditor": {OpRead: Allow()},
		})

	registry.DefineEntity("Event").
		Provider(store.Provider("Event")).
		Field("message", KindText).
		ReadOnly().
		ACL(AccessControlList{RoleEveryone: {OpRead: Allow()}})

	require.NoError(t, store.Seed("User",
		Entity{"id": "42", "name": "Ada", "email": "ada@example.com"},
		Entity{"id": "7", "name": "Bob", "email": "bob@example.com"},
	))
	require.NoError(t, store.Seed("Tag",
		Entity{"id": "t1", "label": "urgent"},
		Entity{"id": "t2", "label": "docs"},
	))
	require.NoError(t, store.Seed("Task",
		Entity{"id": "1", "title": "write docs", "priority": 3, "done": false, "owner": "42", "tags": []any{"t1", "t2"}},
		Entity{"id": "2", "title": "ship release", "priority": 1, "done": true, "owner": "7", "tags": []any{"t1"}},
		Entity{"id": "3", "title": "review", "priority": 2, "done": false, "owner": "42", "tags": []any{}},
	))
	return f
}

func (f *fixture) engine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithAdminRole("admin"), WithTransactor(f.store.Transactor())}, opts...)
	engine, err := NewEngine(f.registry, opts...)
	require.NoError(t, err)
	return engine
}

// row returns a stored row by id, or nil.
func (f *fixture) row(entity string, id any) Entity {
	for _, row := range f.store.Rows(entity) {
		if KeyString(row["id"]) == KeyString(id) {
			return row
		}
	}
	return nil
}

// as opens a request scope for a user with roles.
func as(t *testing.T, engine *Engine, userID string, roles ...string) context.Context {
	t.Helper()
	ctx, release := engine.Scope(context.Background(), NewAuthContext(&User{ID: userID}, roles...))
	t.Cleanup(release)
	return ctx
}

func idsOf(rows []Entity) []any {
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = row["id"]
	}
	return out
}
