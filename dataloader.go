package crudkit

import "fmt"

// KeyFunc extracts a key from a value.
type KeyFunc[K comparable, V any] func(V) K

// Thunk resolves a deferred load. Calling it blocks until the batch holding
// the load has been flushed.
type Thunk[V any] func() (V, error)

// OrderByKeys reorders values to match the order of requested keys. Missing
// values are represented as zero values.
//
// Example:
//
//	rows, _ := provider.Find(ctx, filter, nil)
//	ordered := OrderByKeys(ids, rows, func(r Entity) string { return KeyString(r["id"]) })
func OrderByKeys[K comparable, V any](keys []K, values []V, keyFn KeyFunc[K, V]) []V {
	lookup := make(map[K]V, len(values))
	for _, v := range values {
		k := keyFn(v)
		if _, seen := lookup[k]; seen {
			continue
		}
		lookup[k] = v
	}

	result := make([]V, len(keys))
	for i, key := range keys {
		result[i] = lookup[key]
	}
	return result
}

// GroupByKey groups values by a key function.
// Useful for one-to-many relationships where many rows share a foreign key.
func GroupByKey[K comparable, V any](values []V, keyFn KeyFunc[K, V]) map[K][]V {
	result := make(map[K][]V)
	for _, v := range values {
		key := keyFn(v)
		result[key] = append(result[key], v)
	}
	return result
}

// OrderGroupsByKeys reorders grouped values to match the order of requested
// keys. Keys without a group get an empty, non-nil slice.
func OrderGroupsByKeys[K comparable, V any](keys []K, groups map[K][]V) [][]V {
	result := make([][]V, len(keys))
	for i, key := range keys {
		if g, ok := groups[key]; ok {
			result[i] = g
			continue
		}
		result[i] = []V{}
	}
	return result
}

// KeyString is the canonical cache key of an entity id. Ids that print the
// same are the same key, so an int from one backend matches an int64 from
// another.
func KeyString(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
