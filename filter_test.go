package crudkit

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAndFilters tests combining filters
func TestAndFilters(t *testing.T) {
	a := Filter{"title": "a"}
	b := Filter{"owner": Filter{"id": "42"}}

	tests := []struct {
		name    string
		filters []Filter
		want    Filter
	}{
		{"nothing", nil, nil},
		{"only empty", []Filter{nil, {}}, nil},
		{"single survivor", []Filter{nil, a, {}}, a},
		{"two", []Filter{a, b}, Filter{KeyAnd: []Filter{a, b}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, AndFilters(tt.filters...)); diff != "" {
				t.Errorf("AndFilters mismatch (-want +got):\n%s", diff)
			}
		})
	}

	want := Filter{KeyOr: []Filter{a, b}}
	if diff := cmp.Diff(want, OrFilters(a, nil, b)); diff != "" {
		t.Errorf("OrFilters mismatch (-want +got):\n%s", diff)
	}
}

// TestSplitKey tests leaf key parsing
func TestSplitKey(t *testing.T) {
	tests := []struct {
		key   string
		field string
		op    Operator
	}{
		{"title", "title", OpEq},
		{"priority_gte", "priority", OpGte},
		{"title_notnull", "title", OpNotNull},
		{"created_at", "created_at", OpEq},
		{"created_at_lt", "created_at", OpLt},
		{"title_unknown", "title_unknown", OpEq},
		{"title_", "title_", OpEq},
		{"_in", "_in", OpEq},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			field, op := SplitKey(tt.key)
			assert.Equal(t, tt.field, field)
			assert.Equal(t, tt.op, op)
		})
	}
}

// TestFilterClone tests that clones do not share combinator structure
func TestFilterClone(t *testing.T) {
	original := Filter{
		KeyAnd: []Filter{{"title": "a"}},
		KeyNot: Filter{"done": true},
		"owner": Filter{"id": "42"},
	}
	clone := original.Clone()
	if diff := cmp.Diff(original, clone); diff != "" {
		t.Fatalf("clone differs (-original +clone):\n%s", diff)
	}

	clone[KeyAnd].([]Filter)[0]["title"] = "b"
	clone[KeyNot].(Filter)["done"] = false
	clone["owner"].(Filter)["id"] = "7"

	assert.Equal(t, "a", original[KeyAnd].([]Filter)[0]["title"])
	assert.Equal(t, true, original[KeyNot].(Filter)["done"])
	assert.Equal(t, "42", original["owner"].(Filter)["id"])
	assert.Nil(t, Filter(nil).Clone())
}

// TestSubFilters tests the accepted combinator operand shapes
func TestSubFilters(t *testing.T) {
	subs, err := SubFilters([]any{map[string]any{"a": 1}, Filter{"b": 2}})
	require.NoError(t, err)
	assert.Equal(t, []Filter{{"a": 1}, {"b": 2}}, subs)

	subs, err = SubFilters([]map[string]any{{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, []Filter{{"a": 1}}, subs)

	subs, err = SubFilters(nil)
	require.NoError(t, err)
	assert.Nil(t, subs)

	_, err = SubFilters([]any{"x"})
	assert.Error(t, err)

	_, err = SubFilters("x")
	assert.Error(t, err)

	f, ok := AsFilter(Entity{"a": 1})
	assert.True(t, ok)
	assert.Equal(t, Filter{"a": 1}, f)
}
