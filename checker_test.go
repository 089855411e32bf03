package crudkit

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChecker(t *testing.T, f *fixture, ac *AuthContext) *Checker {
	t.Helper()
	authorizer, err := NewAuthorizer("admin")
	require.NoError(t, err)
	return NewChecker(ac, f.registry, authorizer)
}

// TestCheckerEntryMemoization tests that entries are built once per role set
func TestCheckerEntryMemoization(t *testing.T) {
	f := newFixture(t)
	ac := NewAuthContext(&User{ID: "42"}, "member", "auditor")
	c := newTestChecker(t, f, ac)

	_, err := c.Entry("Task")
	require.NoError(t, err)
	_, err = c.Entry("Task")
	require.NoError(t, err)
	assert.Len(t, c.entries, 1)

	// Same set in another order shares the entry.
	ac.Upsert(AuthUpdate{Roles: []string{"auditor", "member"}})
	_, err = c.Entry("Task")
	require.NoError(t, err)
	assert.Len(t, c.entries, 1)

	ac.Upsert(AuthUpdate{Roles: []string{"auditor"}})
	assert.False(t, c.Can("Task", OpCreate))
	assert.Len(t, c.entries, 2)
}

// TestCheckerWithoutAuthContext tests that a missing context denies
func TestCheckerWithoutAuthContext(t *testing.T) {
	f := newFixture(t)
	c := newTestChecker(t, f, nil)

	_, err := c.Entry("Task")
	assert.ErrorIs(t, err, ErrNoAuthContext)
	assert.False(t, c.Can("Task", OpRead))
	assert.Empty(t, c.UserID())
	assert.Nil(t, c.Roles())
	assert.False(t, c.IsAdmin())
}

// TestCheckerFilter tests per-operation row filters
func TestCheckerFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := newTestChecker(t, f, NewAuthContext(&User{ID: "42"}, "ROLE_A"))
	filter, err := c.Filter(ctx, "Task", OpUpdate)
	require.NoError(t, err)
	if diff := cmp.Diff(Filter{"owner": Filter{"id": "42"}}, filter); diff != "" {
		t.Errorf("filter mismatch (-want +got):\n%s", diff)
	}

	c = newTestChecker(t, f, NewAuthContext(&User{ID: "42"}, "ROLE_B"))
	filter, err = c.Filter(ctx, "Task", OpDelete)
	require.NoError(t, err)
	assert.True(t, filter.IsEmpty())

	c = newTestChecker(t, f, NewAuthContext(&User{ID: "42"}, "auditor"))
	_, err = c.Filter(ctx, "Task", OpCreate)
	assert.True(t, IsForbidden(err))

	c = newTestChecker(t, f, NewAuthContext(nil))
	_, err = c.Filter(ctx, "Task", OpRead)
	assert.ErrorIs(t, err, ErrNoRoles)

	c = newTestChecker(t, f, NewAuthContext(nil, "admin"))
	assert.True(t, c.IsAdmin())
	filter, err = c.Filter(ctx, "Event", OpDelete)
	require.NoError(t, err)
	assert.True(t, filter.IsEmpty())

	_, err = c.Filter(ctx, "Nope", OpRead)
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

// TestCheckerHiddenFields tests that a field is hidden only when every role
// hides it
func TestCheckerHiddenFields(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		roles []string
		want  []string
	}{
		{"single role", []string{"member"}, []string{"email"}},
		{"several fields", []string{"auditor"}, []string{"email", "name"}},
		{"intersection", []string{"auditor", "member"}, []string{"email"}},
		{"role without restriction", []string{"member", "ROLE_A"}, nil},
		{"admin", []string{"member", "admin"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestChecker(t, f, NewAuthContext(nil, tt.roles...))
			assert.Equal(t, tt.want, c.HiddenFields("User"))
		})
	}
}

// TestCheckerStripFields tests that stripping copies rows
func TestCheckerStripFields(t *testing.T) {
	f := newFixture(t)
	c := newTestChecker(t, f, NewAuthContext(nil, "member"))

	rows := []Entity{{"id": "42", "name": "Ada", "email": "ada@example.com"}}
	stripped := c.StripFields("User", rows)
	assert.Equal(t, []Entity{{"id": "42", "name": "Ada"}}, stripped)
	assert.Equal(t, "ada@example.com", rows[0]["email"])

	assert.Equal(t, Entity{"id": "7"}, c.StripEntity("User", Entity{"id": "7", "email": "x"}))
	assert.Nil(t, c.StripEntity("User", nil))

	tasks := []Entity{{"id": "1", "title": "t"}}
	assert.Equal(t, tasks, c.StripFields("Task", tasks))
}
