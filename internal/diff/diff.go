// Package diff computes field-level change sets between entity snapshots.
//
// All functions are pure. Snapshots and deltas are never mutated in place.
package diff

import (
	"bytes"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/chronicle/internal/ir"
)

// Diff derives the operation and per-field delta that turns previous into current.
//
// An empty previous means the entity is being created and every current
// field is reported as (Absent, value). An empty current means the entity
// is being deleted and every previous field is reported as (value, Absent).
// Otherwise the operation is update and only fields whose values differ
// under Equal are reported. An update with an empty delta is a no-op.
func Diff(previous, current ir.Fields) (ir.Operation, ir.Delta) {
	switch {
	case previous.IsEmpty() && current.IsEmpty():
		return ir.OpUpdate, ir.Delta{}
	case previous.IsEmpty():
		return ir.OpCreate, fieldsDelta(current, false)
	case current.IsEmpty():
		return ir.OpDelete, fieldsDelta(previous, true)
	}

	delta := make(ir.Delta)
	for name, oldVal := range previous {
		newVal, ok := current[name]
		if !ok {
			newVal = ir.Absent{}
		}
		if !Equal(oldVal, newVal) {
			delta[name] = ir.Change{Old: oldVal, New: newVal}
		}
	}
	for name, newVal := range current {
		if _, seen := previous[name]; seen {
			continue
		}
		if !Equal(ir.Absent{}, newVal) {
			delta[name] = ir.Change{Old: ir.Absent{}, New: newVal}
		}
	}
	return ir.OpUpdate, delta
}

func fieldsDelta(f ir.Fields, removed bool) ir.Delta {
	delta := make(ir.Delta, len(f))
	for name, v := range f {
		if removed {
			delta[name] = ir.Change{Old: v, New: ir.Absent{}}
		} else {
			delta[name] = ir.Change{Old: ir.Absent{}, New: v}
		}
	}
	return delta
}

// IsNoop reports whether an update produced no field changes.
func IsNoop(op ir.Operation, delta ir.Delta) bool {
	return op == ir.OpUpdate && len(delta) == 0
}

// Equal reports whether two values are semantically equal.
//
// Int and Decimal compare by numeric value, so 100, 100.0 and 1E2 are equal.
// Strings compare after NFC normalization. Times compare as instants.
// Null and Absent are distinct from each other and from every other value.
func Equal(a, b ir.Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if da, ok := numeric(a); ok {
		db, ok := numeric(b)
		return ok && da.Cmp(db) == 0
	}

	switch av := a.(type) {
	case ir.Null:
		_, ok := b.(ir.Null)
		return ok
	case ir.Absent:
		_, ok := b.(ir.Absent)
		return ok
	case ir.String:
		bv, ok := b.(ir.String)
		if !ok {
			return false
		}
		if av == bv {
			return true
		}
		return norm.NFC.String(string(av)) == norm.NFC.String(string(bv))
	case ir.Bool:
		bv, ok := b.(ir.Bool)
		return ok && av == bv
	case ir.Time:
		bv, ok := b.(ir.Time)
		return ok && av.Time().Equal(bv.Time())
	case ir.Bytes:
		bv, ok := b.(ir.Bytes)
		return ok && bytes.Equal(av, bv)
	}
	return false
}

func numeric(v ir.Value) (ir.Decimal, bool) {
	switch n := v.(type) {
	case ir.Int:
		return ir.DecimalFromInt(int64(n)), true
	case ir.Decimal:
		return n, true
	}
	return ir.Decimal{}, false
}

// FieldsEqual reports whether two snapshots have the same field names and
// pairwise Equal values.
func FieldsEqual(a, b ir.Fields) bool {
	if len(a) != len(b) {
		return false
	}
	for name, av := range a {
		bv, ok := b[name]
		if !ok || !Equal(av, bv) {
			return false
		}
	}
	return true
}
