package crudkit

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestQueryManagerOperatorGating tests per-kind operator validation
func TestQueryManagerOperatorGating(t *testing.T) {
	f := newFixture(t)
	q := NewQueryManager(f.registry, nil)

	valid := []Filter{
		{"title_like": "%docs%"},
		{"title_ilike": "%DOCS%"},
		{"priority_gte": 2},
		{"done": true},
		{"done_ne": true},
		{"owner_in": []string{"42", "7"}},
		{"tags_null": true},
		{"title_notnull": true},
		{"owner": Filter{"name_like": "A%"}},
	}
	for _, filter := range valid {
		_, err := q.Normalize("Task", filter)
		assert.NoError(t, err, "filter %v", filter)
	}

	invalid := []Filter{
		{"title_gt": "a"},
		{"done_like": "t%"},
		{"priority_like": "1%"},
		{"owner_gte": "1"},
		{"missing": 1},
		{"title_in": "a"},
		{"title_null": "yes"},
		{"title_like": 3},
		{"owner": Filter{"bogus": 1}},
		{KeyAnd: "x"},
		{KeyNot: 1},
	}
	for _, filter := range invalid {
		_, err := q.Normalize("Task", filter)
		assert.ErrorIs(t, err, ErrInvalidFilter, "filter %v", filter)
		assert.True(t, IsValidation(err))
	}
}

// TestQueryManagerNormalize tests removal of empty combinators
func TestQueryManagerNormalize(t *testing.T) {
	f := newFixture(t)
	q := NewQueryManager(f.registry, nil)

	tests := []struct {
		name   string
		filter Filter
		want   Filter
	}{
		{"empty", Filter{}, nil},
		{"empty and", Filter{KeyAnd: []Filter{}, "title": "a"}, Filter{"title": "a"}},
		{"nested empties", Filter{KeyOr: []Filter{{}, {KeyAnd: []Filter{}}}}, nil},
		{
			"kept subfilters",
			Filter{KeyOr: []any{map[string]any{"title": "a"}, Filter{}}},
			Filter{KeyOr: []Filter{{"title": "a"}}},
		},
		{"empty relation filter", Filter{"owner": Filter{}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := q.Normalize("Task", tt.filter)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("normalized filter mismatch (-want +got):\n%s", diff)
			}
		})
	}

	_, err := q.Normalize("Task", Filter{KeyNot: Filter{}})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, err = q.Normalize("Nope", Filter{})
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

// TestQueryManagerFind tests that a query issues one provider call
func TestQueryManagerFind(t *testing.T) {
	f := newFixture(t)
	q := NewQueryManager(f.registry, nil)
	ctx := context.Background()

	page := NewPagination().WithOrder("priority", "desc").WithLimit(2)
	rows, err := q.Find(ctx, "Task", Filter{"owner": Filter{"name": "Ada"}, KeyOr: []Filter{}}, &page)
	require.NoError(t, err)
	assert.Equal(t, []any{"1", "3"}, idsOf(rows))
	assert.Equal(t, 1, f.tasks.findCount())

	rows, err = q.Find(ctx, "Task", nil, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	row, err := q.FindOne(ctx, "Task", Filter{"tags": "t2"})
	require.NoError(t, err)
	assert.Equal(t, "1", row["id"])

	row, err = q.FindOne(ctx, "Task", Filter{"title": "nothing"})
	require.NoError(t, err)
	assert.Nil(t, row)
}

// TestQueryManagerPagination tests pagination validation
func TestQueryManagerPagination(t *testing.T) {
	f := newFixture(t)
	q := NewQueryManager(f.registry, nil)
	ctx := context.Background()

	pages := []Pagination{
		NewPagination().WithLimit(-1),
		NewPagination().WithOffset(-1),
		NewPagination().WithOrder("missing", Asc),
		NewPagination().WithOrder("title", "sideways"),
	}
	for _, page := range pages {
		_, err := q.Find(ctx, "Task", nil, &page)
		assert.ErrorIs(t, err, ErrInvalidPagination, "page %+v", page)
	}
	assert.Equal(t, 0, f.tasks.findCount())

	page := NewPagination().WithOrder("title", "").WithPage(1, 1)
	rows, err := q.Find(ctx, "Task", nil, &page)
	require.NoError(t, err)
	assert.Equal(t, []any{"2"}, idsOf(rows))
}

// TestOperatorTable tests the static operator sets
func TestOperatorTable(t *testing.T) {
	assert.True(t, KindText.Supports(OpILike))
	assert.False(t, KindText.Supports(OpGt))
	assert.True(t, KindTimestamp.Supports(OpLte))
	assert.False(t, KindBoolean.Supports(OpLike))
	assert.True(t, KindID.Supports(OpNin))
	assert.False(t, ScalarKind("blob").Known())
	assert.Len(t, KindNumber.Operators(), 10)
	assert.Nil(t, ScalarKind("blob").Operators())
}
