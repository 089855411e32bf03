package crudkit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flush runs a session flush inside a memory transaction.
func flush(t *testing.T, f *fixture, sess *Session) error {
	t.Helper()
	txm := NewTxManager(f.store.Transactor(), nil)
	return txm.Run(context.Background(), TxOptions{}, sess.Flush)
}

// TestSessionIdentityMap tests that an entity maps to one node
func TestSessionIdentityMap(t *testing.T) {
	f := newFixture(t)
	sess := NewSession(f.registry)
	ctx := context.Background()

	a, err := sess.Locate(ctx, "Task", "1")
	require.NoError(t, err)
	b, err := sess.Locate(ctx, "Task", "1")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.False(t, a.IsNew())
	assert.False(t, a.Dirty())
	assert.Equal(t, "write docs", a.Get("title"))

	_, err = sess.Locate(ctx, "Task", "missing")
	assert.True(t, IsNotFound(err))

	owner, err := sess.Locate(ctx, "User", "42")
	require.NoError(t, err)
	n, err := sess.Assign(ctx, "Task", a, Entity{"owner": "42"}, DefaultAssignOptions)
	require.NoError(t, err)
	ref, ok := n.Ref("owner")
	require.True(t, ok)
	assert.Same(t, owner, ref)
	assert.Len(t, sess.Nodes(), 2)
}

// TestAssignToManyReconciliation tests that an array replaces membership
func TestAssignToManyReconciliation(t *testing.T) {
	f := newFixture(t)
	sess := NewSession(f.registry)
	ctx := context.Background()

	task, err := sess.Locate(ctx, "Task", "1")
	require.NoError(t, err)

	_, err = sess.Assign(ctx, "Task", task, Entity{
		"tags": []any{"t2", Entity{"label": "new"}},
	}, DefaultAssignOptions)
	require.NoError(t, err)

	tags := task.Collection("tags")
	require.NotNil(t, tags)
	require.Len(t, tags.Members(), 2)
	assert.Equal(t, "t2", tags.Members()[0].ID())
	assert.True(t, tags.Members()[1].IsNew())

	require.NoError(t, flush(t, f, sess))

	created := tags.Members()[1].ID()
	require.NotNil(t, created)
	assert.Equal(t, []any{"t2", created}, f.row("Task", "1")["tags"])
	assert.Equal(t, "new", f.row("Tag", created)["label"])
	assert.Len(t, f.store.Rows("Tag"), 3)
}

// TestAssignUnchangedMembership tests that the same members in another
// order are not a change
func TestAssignUnchangedMembership(t *testing.T) {
	f := newFixture(t)
	sess := NewSession(f.registry)
	ctx := context.Background()

	task, err := sess.Locate(ctx, "Task", "1")
	require.NoError(t, err)
	_, err = sess.Assign(ctx, "Task", task, Entity{"tags": []any{"t2", "t1"}}, DefaultAssignOptions)
	require.NoError(t, err)
	assert.False(t, task.Dirty())
}

// TestAssignCycle tests that mutually referencing payloads terminate and
// flush both sides
func TestAssignCycle(t *testing.T) {
	f := newFixture(t)
	sess := NewSession(f.registry)
	ctx := context.Background()

	a := Entity{"title": "a"}
	b := Entity{"title": "b", "parent": a}
	a["parent"] = b

	node, err := sess.Assign(ctx, "Task", nil, a, DefaultAssignOptions)
	require.NoError(t, err)
	parent, ok := node.Ref("parent")
	require.True(t, ok)
	back, ok := parent.Ref("parent")
	require.True(t, ok)
	assert.Same(t, node, back)

	require.NoError(t, flush(t, f, sess))

	rowA := f.row("Task", node.ID())
	rowB := f.row("Task", parent.ID())
	require.NotNil(t, rowA)
	require.NotNil(t, rowB)
	assert.Equal(t, parent.ID(), rowA["parent"])
	assert.Equal(t, node.ID(), rowB["parent"])
}

// TestAssignOptions tests disabled creates and updates
func TestAssignOptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := NewSession(f.registry)
	_, err := sess.Assign(ctx, "Task", nil, Entity{"title": "x"}, AssignOptions{Update: true})
	assert.ErrorIs(t, err, ErrCreatesDisabled)

	sess = NewSession(f.registry)
	task, err := sess.Locate(ctx, "Task", "1")
	require.NoError(t, err)
	_, err = sess.Assign(ctx, "Task", task, Entity{"tags": []any{Entity{"label": "x"}}}, AssignOptions{Update: true})
	assert.ErrorIs(t, err, ErrCreatesDisabled)

	sess = NewSession(f.registry)
	task, err = sess.Locate(ctx, "Task", "1")
	require.NoError(t, err)
	_, err = sess.Assign(ctx, "Task", task, Entity{"owner": Entity{"id": "42", "name": "Changed"}}, AssignOptions{Create: true})
	assert.ErrorIs(t, err, ErrUpdatesDisabled)

	// A bare reference is not an update.
	_, err = sess.Assign(ctx, "Task", task, Entity{"owner": Entity{"id": "7"}}, AssignOptions{Create: true})
	assert.NoError(t, err)
}

// TestAssignErrors tests malformed payloads
func TestAssignErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		entity  string
		payload Entity
		target  error
	}{
		{"not an array", "Task", Entity{"tags": "t1"}, ErrNotAnArray},
		{"unknown field", "Task", Entity{"colour": "red"}, ErrValidation},
		{"member not located", "Task", Entity{"tags": []any{"missing"}}, ErrEntityNotLocated},
		{"client key rejected", "Tag", Entity{"id": "mine", "label": "x"}, ErrValidation},
		{"unknown entity", "Nope", Entity{}, ErrUnknownEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := NewSession(f.registry)
			_, err := sess.Assign(ctx, tt.entity, nil, tt.payload, DefaultAssignOptions)
			assert.ErrorIs(t, err, tt.target)
		})
	}

	sess := NewSession(f.registry)
	task, err := sess.Locate(ctx, "Task", "1")
	require.NoError(t, err)
	_, err = sess.Assign(ctx, "User", task, Entity{}, DefaultAssignOptions)
	assert.True(t, IsValidation(err))
}

// TestAssignCompositeKeyRelation tests that relations to composite keys are
// rejected
func TestAssignCompositeKeyRelation(t *testing.T) {
	registry := NewRegistry()
	store := NewMemoryStore(registry)
	registry.DefineEntity("Membership").
		Provider(store.Provider("Membership")).
		PrimaryKey("user", "team").
		Field("user", KindID).
		Field("team", KindID)
	registry.DefineEntity("Badge").
		Provider(store.Provider("Badge")).
		ToOne("membership", "Membership")

	sess := NewSession(registry)
	_, err := sess.Assign(context.Background(), "Badge", nil, Entity{
		"membership": Entity{"user": "1", "team": "2"},
	}, DefaultAssignOptions)
	assert.ErrorIs(t, err, ErrCompositeKey)
}

// TestAssignGuard tests that nested writes consult the guard
func TestAssignGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var asked []Operation
	keys := map[Operation]any{}
	guard := func(_ context.Context, entity string, id any, op Operation) error {
		asked = append(asked, op)
		keys[op] = id
		if entity == "User" {
			return ErrForbidden
		}
		return nil
	}

	sess := NewSession(f.registry, WithAssignGuard(guard))
	_, err := sess.Assign(ctx, "Task", nil, Entity{
		"title": "guarded",
		"tags":  []any{Entity{"label": "fresh"}, Entity{"id": "t1", "label": "renamed"}},
	}, DefaultAssignOptions)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Operation{OpCreate, OpUpdate}, asked)
	assert.Nil(t, keys[OpCreate])
	assert.Equal(t, "t1", keys[OpUpdate])

	_, err = sess.Assign(ctx, "Task", nil, Entity{"owner": Entity{"name": "Eve"}}, DefaultAssignOptions)
	assert.ErrorIs(t, err, ErrForbidden)
}

// TestFlushRequiresTransaction tests that flush refuses to run bare
func TestFlushRequiresTransaction(t *testing.T) {
	f := newFixture(t)
	sess := NewSession(f.registry)
	assert.ErrorIs(t, sess.Flush(context.Background()), ErrNoTransaction)
}

// TestFlushCreatesDependenciesFirst tests that referenced new entities are
// written before the entities referencing them
func TestFlushCreatesDependenciesFirst(t *testing.T) {
	f := newFixture(t)
	sess := NewSession(f.registry)
	ctx := context.Background()

	task, err := sess.Assign(ctx, "Task", nil, Entity{
		"title": "onboard",
		"owner": Entity{"name": "Eve"},
	}, DefaultAssignOptions)
	require.NoError(t, err)
	require.NoError(t, flush(t, f, sess))

	owner, _ := task.Ref("owner")
	require.NotNil(t, owner.ID())
	assert.False(t, owner.IsNew())
	assert.Equal(t, owner.ID(), f.row("Task", task.ID())["owner"])
	assert.Equal(t, "Eve", f.row("User", owner.ID())["name"])
	assert.Equal(t, []*Node{owner, task}, sess.Created())
}

// TestFlushUpdatesChangedFieldsOnly tests partial updates of existing rows
func TestFlushUpdatesChangedFieldsOnly(t *testing.T) {
	f := newFixture(t)
	sess := NewSession(f.registry)
	ctx := context.Background()

	task, err := sess.Locate(ctx, "Task", "1")
	require.NoError(t, err)
	_, err = sess.Assign(ctx, "Task", task, Entity{"title": "rewritten", "owner": "7"}, DefaultAssignOptions)
	require.NoError(t, err)
	assert.True(t, task.Dirty())

	require.NoError(t, flush(t, f, sess))

	require.Len(t, f.tasks.updates, 1)
	assert.Equal(t, Entity{"title": "rewritten", "owner": "7"}, f.tasks.updates[0])
	assert.False(t, task.Dirty())

	row := f.row("Task", "1")
	assert.Equal(t, "rewritten", row["title"])
	assert.Equal(t, "7", row["owner"])
	assert.Equal(t, 3, row["priority"])
	assert.Equal(t, "rewritten", task.Row()["title"])
}

// TestFlushGeneratesKeys tests key generation before writes
func TestFlushGeneratesKeys(t *testing.T) {
	f := newFixture(t)
	sess := NewSession(f.registry)
	ctx := context.Background()

	tag, err := sess.Assign(ctx, "Tag", nil, Entity{"label": "generated"}, DefaultAssignOptions)
	require.NoError(t, err)
	assert.Nil(t, tag.ID())

	require.NoError(t, flush(t, f, sess))
	id, ok := tag.ID().(string)
	require.True(t, ok)
	assert.Len(t, id, 36)
}
