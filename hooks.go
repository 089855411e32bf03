package crudkit

import "context"

// EntityHook runs around a mutation. It may replace the entity it receives.
type EntityHook func(ctx context.Context, entity Entity) (Entity, error)

// ReadHook runs on every row returned by a read path.
type ReadHook func(ctx context.Context, row Entity) (Entity, error)

// Hooks are per-entity lifecycle callbacks. Nil hooks are skipped.
//
// Before hooks receive the transformed payload and run inside the
// transaction; After hooks receive the stored row and may still fail the
// transaction. AfterRead runs after MapRow and before field stripping.
type Hooks struct {
	BeforeCreate EntityHook
	AfterCreate  EntityHook
	BeforeUpdate EntityHook
	AfterUpdate  EntityHook
	BeforeDelete EntityHook
	AfterDelete  EntityHook
	AfterRead    ReadHook
}

func runHook(ctx context.Context, hook EntityHook, entity Entity) (Entity, error) {
	if hook == nil {
		return entity, nil
	}
	out, err := hook(ctx, entity)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return entity, nil
	}
	return out, nil
}
