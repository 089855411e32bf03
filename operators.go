package crudkit

// Operator is a filter leaf operator.
type Operator string

// Supported operators.
const (
	OpEq      Operator = "eq"
	OpNe      Operator = "ne"
	OpIn      Operator = "in"
	OpNin     Operator = "nin"
	OpNull    Operator = "null"
	OpNotNull Operator = "notnull"
	OpLike    Operator = "like"
	OpILike   Operator = "ilike"
	OpGt      Operator = "gt"
	OpGte     Operator = "gte"
	OpLt      Operator = "lt"
	OpLte     Operator = "lte"
)

func (o Operator) valid() bool {
	switch o {
	case OpEq, OpNe, OpIn, OpNin, OpNull, OpNotNull,
		OpLike, OpILike, OpGt, OpGte, OpLt, OpLte:
		return true
	}
	return false
}

// ScalarKind is the declared type of an entity field. It decides which
// filter operators the field accepts.
type ScalarKind string

// Scalar kinds.
const (
	KindID        ScalarKind = "id"
	KindEnum      ScalarKind = "enum"
	KindBoolean   ScalarKind = "boolean"
	KindText      ScalarKind = "text"
	KindNumber    ScalarKind = "number"
	KindDate      ScalarKind = "date"
	KindTimestamp ScalarKind = "timestamp"
)

var (
	identityOperators = []Operator{OpEq, OpNe, OpIn, OpNin, OpNull, OpNotNull}
	textOperators     = append(append([]Operator{}, identityOperators...), OpLike, OpILike)
	orderedOperators  = append(append([]Operator{}, identityOperators...), OpGt, OpGte, OpLt, OpLte)
)

// operatorTable is the static per-kind operator set.
var operatorTable = map[ScalarKind]map[Operator]bool{
	KindID:        operatorSet(identityOperators),
	KindEnum:      operatorSet(identityOperators),
	KindBoolean:   operatorSet(identityOperators),
	KindText:      operatorSet(textOperators),
	KindNumber:    operatorSet(orderedOperators),
	KindDate:      operatorSet(orderedOperators),
	KindTimestamp: operatorSet(orderedOperators),
}

func operatorSet(ops []Operator) map[Operator]bool {
	set := make(map[Operator]bool, len(ops))
	for _, op := range ops {
		set[op] = true
	}
	return set
}

// Supports reports whether the kind accepts the operator.
func (k ScalarKind) Supports(op Operator) bool {
	return operatorTable[k][op]
}

// Known reports whether the kind is part of the operator table.
func (k ScalarKind) Known() bool {
	_, ok := operatorTable[k]
	return ok
}

// Operators returns the operators accepted by the kind.
func (k ScalarKind) Operators() []Operator {
	switch k {
	case KindText:
		return append([]Operator{}, textOperators...)
	case KindNumber, KindDate, KindTimestamp:
		return append([]Operator{}, orderedOperators...)
	case KindID, KindEnum, KindBoolean:
		return append([]Operator{}, identityOperators...)
	}
	return nil
}
