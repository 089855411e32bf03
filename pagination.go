package crudkit

import "strings"

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

// Order sorts results by one field.
type Order struct {
	Field     string
	Direction Direction
}

// Pagination provides limit, offset and ordering for list queries.
type Pagination struct {
	// Limit caps the number of rows. Zero means no cap from the engine;
	// providers may still apply their own.
	Limit int

	// Offset skips rows.
	Offset int

	// OrderBy is applied in order.
	OrderBy []Order
}

// NewPagination creates an empty Pagination.
func NewPagination() Pagination {
	return Pagination{}
}

// WithLimit sets the limit for results.
func (p Pagination) WithLimit(limit int) Pagination {
	p.Limit = limit
	return p
}

// WithOffset sets the offset for pagination.
func (p Pagination) WithOffset(offset int) Pagination {
	p.Offset = offset
	return p
}

// WithPage sets both limit and offset.
func (p Pagination) WithPage(limit, offset int) Pagination {
	p.Limit = limit
	p.Offset = offset
	return p
}

// WithOrder appends an ordering clause.
func (p Pagination) WithOrder(field string, dir Direction) Pagination {
	p.OrderBy = append(append([]Order{}, p.OrderBy...), Order{Field: field, Direction: dir})
	return p
}

// normalize validates the pagination against an entity definition and
// canonicalises directions.
func (p Pagination) normalize(def *EntityDefinition) (Pagination, error) {
	if p.Limit < 0 {
		return p, Errorf(ErrInvalidPagination, "limit must not be negative").WithEntity(def.name)
	}
	if p.Offset < 0 {
		return p, Errorf(ErrInvalidPagination, "offset must not be negative").WithEntity(def.name)
	}
	orders := make([]Order, 0, len(p.OrderBy))
	for _, o := range p.OrderBy {
		if _, ok := def.fields[o.Field]; !ok {
			return p, Errorf(ErrInvalidPagination, "cannot order by unknown field %q", o.Field).
				WithEntity(def.name).WithField(o.Field)
		}
		dir := Direction(strings.ToUpper(string(o.Direction)))
		switch dir {
		case "":
			dir = Asc
		case Asc, Desc:
		default:
			return p, Errorf(ErrInvalidPagination, "invalid order direction %q", o.Direction).
				WithEntity(def.name).WithField(o.Field)
		}
		orders = append(orders, Order{Field: o.Field, Direction: dir})
	}
	p.OrderBy = orders
	return p, nil
}
