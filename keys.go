package crudkit

import (
	"context"

	"github.com/google/uuid"
)

// KeyGenerator produces primary keys for new entities before they are
// written, so that dependent rows can reference them in the same flush.
type KeyGenerator func(ctx context.Context, entity string) (any, error)

// UUIDKeys generates random (version 4) UUID strings.
func UUIDKeys(context.Context, string) (any, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	return id.String(), nil
}

// UUIDv7Keys generates time-ordered (version 7) UUID strings.
func UUIDv7Keys(context.Context, string) (any, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return id.String(), nil
}
