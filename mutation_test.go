package crudkit

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mutations(t *testing.T, engine *Engine, entity string) *MutationResolver {
	t.Helper()
	m, err := engine.MutationResolver(entity)
	require.NoError(t, err)
	return m
}

// TestCreateItem tests creates and the post-write row filter check
func TestCreateItem(t *testing.T) {
	f := newFixture(t)
	engine := f.engine(t)
	tasks := mutations(t, engine, "Task")
	ctx := as(t, engine, "42", "ROLE_A")

	row, err := tasks.CreateItem(ctx, Entity{"title": "plan", "owner": "42", "priority": 2})
	require.NoError(t, err)
	assert.Equal(t, "plan", row["title"])
	assert.Equal(t, "42", row["owner"])
	require.NotNil(t, row["id"])
	assert.NotNil(t, f.row("Task", row["id"]))

	_, err = tasks.CreateItem(ctx, Entity{"title": "not mine", "owner": "7"})
	assert.Same(t, ErrForbidden, err)
	assert.Len(t, f.store.Rows("Task"), 4)

	_, err = tasks.CreateItem(as(t, engine, "42", "auditor"), Entity{"title": "x"})
	assert.Same(t, ErrForbidden, err)
}

// TestCreateManyIsAtomic tests that one rejected payload rolls back the
// whole call
func TestCreateManyIsAtomic(t *testing.T) {
	f := newFixture(t)
	engine := f.engine(t)
	tasks := mutations(t, engine, "Task")
	ctx := as(t, engine, "42", "ROLE_A")

	_, err := tasks.CreateMany(ctx, []Entity{
		{"title": "first", "owner": "42"},
		{"title": "second", "owner": "7"},
	})
	assert.Same(t, ErrForbidden, err)
	assert.Len(t, f.store.Rows("Task"), 3)

	rows, err := tasks.CreateMany(ctx, []Entity{
		{"title": "first", "owner": "42"},
		{"title": "second", "owner": "42"},
	})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Len(t, f.store.Rows("Task"), 5)
}

// TestCreateNested tests nested creates and their grants
func TestCreateNested(t *testing.T) {
	f := newFixture(t)
	engine := f.engine(t)
	tasks := mutations(t, engine, "Task")

	row, err := tasks.CreateItem(as(t, engine, "42", "member"), Entity{
		"title": "tagged",
		"owner": "42",
		"tags":  []any{"t1", Entity{"label": "fresh"}},
	})
	require.NoError(t, err)
	members, ok := row["tags"].([]any)
	require.True(t, ok)
	require.Len(t, members, 2)
	assert.Equal(t, "t1", members[0])
	assert.Equal(t, "fresh", f.row("Tag", members[1])["label"])

	_, err = tasks.CreateItem(as(t, engine, "42", "ROLE_A"), Entity{
		"title": "tagged",
		"owner": "42",
		"tags":  []any{Entity{"label": "sneaky"}},
	})
	assert.Same(t, ErrForbidden, err)
	assert.Len(t, f.store.Rows("Tag"), 3)

	_, err = tasks.CreateItem(as(t, engine, "42", "member"), Entity{
		"title": "renaming",
		"owner": "42",
		"tags":  []any{Entity{"id": "t1", "label": "renamed"}},
	})
	assert.Same(t, ErrForbidden, err)
	assert.Equal(t, "urgent", f.row("Tag", "t1")["label"])
}

// TestNestedWritesApplyRowFilters tests that entities reached through a
// nested payload are held to the row filters of their own operation
func TestNestedWritesApplyRowFilters(t *testing.T) {
	f := newFixture(t)
	engine := f.engine(t)
	tasks := mutations(t, engine, "Task")

	t.Run("update outside the filter", func(t *testing.T) {
		ctx := as(t, engine, "7", "member")

		_, err := tasks.Update(ctx, "1", Entity{"title": "direct"})
		assert.Same(t, ErrForbidden, err)

		_, err = tasks.Update(ctx, "2", Entity{"parent": Entity{"id": "1", "title": "hacked"}})
		assert.Same(t, ErrForbidden, err)
		assert.Equal(t, "write docs", f.row("Task", "1")["title"])
		assert.Nil(t, f.row("Task", "2")["parent"])
	})

	t.Run("update inside the filter", func(t *testing.T) {
		ctx := as(t, engine, "42", "member")

		_, err := tasks.Update(ctx, "1", Entity{"parent": Entity{"id": "3", "title": "reviewed"}})
		require.NoError(t, err)
		assert.Equal(t, "reviewed", f.row("Task", "3")["title"])
		assert.Equal(t, "3", f.row("Task", "1")["parent"])
	})

	t.Run("create outside the filter", func(t *testing.T) {
		ctx := as(t, engine, "42", "member")

		_, err := tasks.CreateItem(ctx, Entity{
			"title":  "mine",
			"owner":  "42",
			"parent": Entity{"title": "planted", "owner": "7"},
		})
		assert.Same(t, ErrForbidden, err)
		assert.Len(t, f.store.Rows("Task"), 3)

		_, err = tasks.Update(ctx, "3", Entity{"parent": Entity{"title": "planted", "owner": "7"}})
		assert.Same(t, ErrForbidden, err)
		assert.Len(t, f.store.Rows("Task"), 3)
	})

	t.Run("unconditional role", func(t *testing.T) {
		ctx := as(t, engine, "7", "ROLE_B")

		_, err := tasks.Update(ctx, "2", Entity{"parent": Entity{"id": "1", "title": "shared"}})
		require.NoError(t, err)
		assert.Equal(t, "shared", f.row("Task", "1")["title"])
	})
}

// TestUpdate tests the pre-write row filter check
func TestUpdate(t *testing.T) {
	f := newFixture(t)
	engine := f.engine(t)
	tasks := mutations(t, engine, "Task")
	ctx := as(t, engine, "42", "ROLE_A")

	row, err := tasks.Update(ctx, "1", Entity{"done": true, "tags": []any{"t2"}})
	require.NoError(t, err)
	assert.Equal(t, true, row["done"])
	assert.Equal(t, []any{"t2"}, f.row("Task", "1")["tags"])

	_, err = tasks.Update(ctx, "2", Entity{"done": false})
	assert.Same(t, ErrForbidden, err)
	assert.Equal(t, true, f.row("Task", "2")["done"])

	_, err = tasks.Update(ctx, "missing", Entity{"done": false})
	assert.True(t, IsNotFound(err))

	_, err = tasks.Update(as(t, engine, "1", "admin"), "missing", Entity{"done": false})
	assert.True(t, IsNotFound(err))

	_, err = tasks.Update(ctx, "1", Entity{"tags": "t1"})
	assert.ErrorIs(t, err, ErrNotAnArray)
}

// TestUpdateMany tests batch updates
func TestUpdateMany(t *testing.T) {
	f := newFixture(t)
	engine := f.engine(t)
	tasks := mutations(t, engine, "Task")
	ctx := as(t, engine, "1", "ROLE_B")

	rows, err := tasks.UpdateMany(ctx, []Entity{
		{"id": "1", "priority": 10},
		{"id": "2", "priority": 20},
	})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, 10, f.row("Task", "1")["priority"])
	assert.Equal(t, 20, f.row("Task", "2")["priority"])

	_, err = tasks.UpdateMany(ctx, []Entity{{"priority": 1}})
	assert.True(t, IsValidation(err))

	_, err = tasks.UpdateMany(as(t, engine, "42", "ROLE_A"), []Entity{
		{"id": "1", "priority": 1},
		{"id": "2", "priority": 1},
	})
	assert.Same(t, ErrForbidden, err)
	assert.Equal(t, 10, f.row("Task", "1")["priority"])
}

// TestDeleteItem tests deletes
func TestDeleteItem(t *testing.T) {
	f := newFixture(t)
	engine := f.engine(t)
	tasks := mutations(t, engine, "Task")
	ctx := as(t, engine, "42", "ROLE_A")

	deleted, err := tasks.DeleteItem(ctx, "2")
	assert.Same(t, ErrForbidden, err)
	assert.False(t, deleted)
	assert.NotNil(t, f.row("Task", "2"))

	deleted, err = tasks.DeleteItem(ctx, "1")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Nil(t, f.row("Task", "1"))

	deleted, err = tasks.DeleteItem(ctx, "1")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = tasks.DeleteItem(as(t, engine, "42", "auditor"), "3")
	assert.Same(t, ErrForbidden, err)
}

// TestMutationHooks tests transforms and lifecycle hooks
func TestMutationHooks(t *testing.T) {
	f := newFixture(t)
	def, err := f.registry.Entity("Task")
	require.NoError(t, err)

	var calls []string
	record := func(name string) EntityHook {
		return func(_ context.Context, e Entity) (Entity, error) {
			calls = append(calls, name)
			return nil, nil
		}
	}
	def.TransformInput(func(_ context.Context, in Entity) (Entity, error) {
		out := Entity{}
		for k, v := range in {
			out[k] = v
		}
		if title, ok := out["title"].(string); ok {
			out["title"] = strings.TrimSpace(title)
		}
		return out, nil
	})
	def.Hooks(Hooks{
		BeforeCreate: func(ctx context.Context, e Entity) (Entity, error) {
			calls = append(calls, "before create")
			e["owner"] = GetAuthContext(ctx).UserID()
			return e, nil
		},
		AfterCreate:  record("after create"),
		BeforeUpdate: record("before update"),
		AfterUpdate:  record("after update"),
		BeforeDelete: record("before delete"),
		AfterDelete:  record("after delete"),
	})

	engine := f.engine(t)
	tasks := mutations(t, engine, "Task")
	ctx := as(t, engine, "42", "ROLE_A")

	row, err := tasks.CreateItem(ctx, Entity{"title": "  padded  "})
	require.NoError(t, err)
	assert.Equal(t, "padded", row["title"])
	assert.Equal(t, "42", row["owner"])

	_, err = tasks.Update(ctx, row["id"], Entity{"title": "renamed "})
	require.NoError(t, err)
	assert.Equal(t, "renamed", f.row("Task", row["id"])["title"])

	_, err = tasks.DeleteItem(ctx, row["id"])
	require.NoError(t, err)

	assert.Equal(t, []string{
		"before create", "after create",
		"before update", "after update",
		"before delete", "after delete",
	}, calls)
}

// TestMutationHookFailureRollsBack tests that an After hook error undoes
// the write
func TestMutationHookFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	def, err := f.registry.Entity("Task")
	require.NoError(t, err)
	boom := errors.New("audit sink down")
	def.Hooks(Hooks{AfterCreate: func(context.Context, Entity) (Entity, error) { return nil, boom }})

	engine := f.engine(t)
	tasks := mutations(t, engine, "Task")

	_, err = tasks.CreateItem(as(t, engine, "42", "ROLE_B"), Entity{"title": "lost"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, f.store.Rows("Task"), 3)
}

// TestMutationOutputStripsHiddenFields tests field restrictions on writes
func TestMutationOutputStripsHiddenFields(t *testing.T) {
	f := newFixture(t)
	engine := f.engine(t)
	users := mutations(t, engine, "User")

	row, err := users.CreateItem(as(t, engine, "42", "member"), Entity{"name": "Eve", "email": "eve@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Eve", row["name"])
	assert.NotContains(t, row, "email")
	assert.Equal(t, "eve@example.com", f.row("User", row["id"])["email"])
}
