package reconstruct

import (
	"sort"

	"github.com/roach88/chronicle/internal/ir"
)

// SearchAt returns the index of the latest record with TransactionID <= at,
// or -1 if every record is later. records must be in ascending transaction
// id order, as the store returns them.
func SearchAt(records []ir.VersionRecord, at ir.TransactionID) int {
	return sort.Search(len(records), func(i int) bool {
		return records[i].TransactionID > at
	}) - 1
}

// FieldsAt returns the snapshot in effect at transaction at, from an
// in-memory version list. found is false before the first create and while
// the entity is deleted.
func FieldsAt(records []ir.VersionRecord, at ir.TransactionID) (ir.Fields, bool) {
	i := SearchAt(records, at)
	if i < 0 || records[i].Operation == ir.OpDelete {
		return nil, false
	}
	return records[i].Snapshot.Clone(), true
}
