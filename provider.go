package crudkit

import "context"

// Provider is the storage contract. One implementation exists per storage
// technology and one instance is registered per entity.
//
// Providers receive the transaction through ctx; see TxManager.
type Provider interface {
	// Find returns rows matching filter. A nil page means no pagination.
	Find(ctx context.Context, filter Filter, page *Pagination) ([]Entity, error)

	// FindOne returns the first matching row, or nil when nothing matches.
	FindOne(ctx context.Context, filter Filter) (Entity, error)

	// FindByRelatedID returns rows whose relatedField references any of ids.
	FindByRelatedID(ctx context.Context, entity, relatedField string, ids []any, filter Filter) ([]Entity, error)

	Create(ctx context.Context, partial Entity) (Entity, error)
	CreateMany(ctx context.Context, partials []Entity) ([]Entity, error)
	Update(ctx context.Context, id any, partial Entity) (Entity, error)
	UpdateMany(ctx context.Context, partials []Entity) ([]Entity, error)
	CreateOrUpdateMany(ctx context.Context, partials []Entity) ([]Entity, error)
	Delete(ctx context.Context, id any) (bool, error)

	// GetRelatedEntityID extracts the referenced id from a to-one relation
	// value stored on entity.
	GetRelatedEntityID(entity Entity, relatedField string) any

	// IsCollection reports whether a relation value holds many references.
	IsCollection(value any) bool
}
