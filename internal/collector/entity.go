package collector

import "github.com/roach88/chronicle/internal/ir"

// Entity is the capability a host record type implements to be versioned.
type Entity interface {
	// EntityTypeName returns the stable type name, e.g. "account".
	EntityTypeName() string

	// PrimaryKey returns the fields identifying the entity within its type.
	PrimaryKey() ir.Fields

	// FieldSnapshot returns the full set of persisted field values.
	FieldSnapshot() ir.Fields
}

// Restorable is an Entity whose fields can be overwritten from a snapshot.
// Used to revert an entity to a historical state.
type Restorable interface {
	Entity
	RestoreFields(fields ir.Fields) error
}

// RefOf derives the entity's reference from its type name and primary key.
func RefOf(e Entity) (ir.EntityRef, error) {
	key, err := ir.KeyOf(e.PrimaryKey())
	if err != nil {
		return ir.EntityRef{}, err
	}
	return ir.EntityRef{Type: e.EntityTypeName(), Key: key}, nil
}
