package ir

import (
	"strconv"
	"time"
)

// TransactionID is the global ordering key for all history.
// Unique and strictly increasing in commit order; gaps are permitted.
type TransactionID int64

// Operation is the kind of change a version record captures.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the three known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Key identifies an entity within its type: canonical JSON of the primary key fields.
type Key string

// EntityRef identifies a tracked entity.
type EntityRef struct {
	Type string `json:"entity_type"`
	Key  Key    `json:"entity_key"`
}

func (r EntityRef) String() string {
	return r.Type + string(r.Key)
}

// Change is one field's transition. Old or New is Absent when the field
// did not exist on that side.
type Change struct {
	Old Value `json:"old"`
	New Value `json:"new"`
}

// Delta maps changed field names to their transitions.
// Use SortedKeys() for deterministic iteration.
type Delta map[string]Change

// SortedKeys returns field names in RFC 8785 canonical order.
func (d Delta) SortedKeys() []string {
	return sortedKeys(d)
}

// TxContext carries the caller-supplied attributes of a unit of work.
type TxContext struct {
	Actor      string            `json:"actor,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Transaction is a committed unit of work. Immutable once written.
type Transaction struct {
	ID          TransactionID     `json:"id"`
	IssuedAt    time.Time         `json:"issued_at"`
	Actor       string            `json:"actor,omitempty"`
	RemoteAddr  string            `json:"remote_addr,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	EntityTypes []string          `json:"entity_types,omitempty"` // Entity types changed in this transaction
}

// VersionRecord is an immutable snapshot + delta of one entity change within one transaction.
type VersionRecord struct {
	EntityType    string        `json:"entity_type"`
	EntityKey     Key           `json:"entity_key"`
	TransactionID TransactionID `json:"transaction_id"`
	Version       int64         `json:"version"` // Per-entity counter, +1 per change
	Segment       int64         `json:"segment"` // Lifecycle segment, +1 on each recreate
	Operation     Operation     `json:"operation"`
	Delta         Delta         `json:"delta"`
	Snapshot      Fields        `json:"snapshot"` // Full fields after the operation; empty for delete
	Checksum      string        `json:"checksum"`
}

// Ref returns the entity the record belongs to.
func (r VersionRecord) Ref() EntityRef {
	return EntityRef{Type: r.EntityType, Key: r.EntityKey}
}

// AsOf selects a point in history: either a transaction id or a wall-clock instant.
type AsOf struct {
	TransactionID TransactionID
	Time          time.Time
	byTime        bool
}

// AtTransaction selects the state as of (and including) transaction id.
func AtTransaction(id TransactionID) AsOf {
	return AsOf{TransactionID: id}
}

// AtTime selects the state as of the latest transaction issued at or before t.
func AtTime(t time.Time) AsOf {
	return AsOf{Time: t.UTC(), byTime: true}
}

// ByTime reports whether the point is a timestamp rather than a transaction id.
func (a AsOf) ByTime() bool {
	return a.byTime
}

func (a AsOf) String() string {
	if a.byTime {
		return a.Time.Format(time.RFC3339Nano)
	}
	return "tx:" + strconv.FormatInt(int64(a.TransactionID), 10)
}
