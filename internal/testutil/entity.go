package testutil

import (
	"maps"
	"sync"

	"github.com/roach88/chronicle/internal/ir"
)

// Record is a generic tracked entity for tests and scenarios.
// It satisfies collector.Entity and collector.Restorable.
//
// Thread-safety: Record is safe for concurrent use.
type Record struct {
	typeName string
	pkFields []string

	mu     sync.Mutex
	fields ir.Fields
}

// NewRecord creates a record of the given type. pk names the primary key fields.
func NewRecord(typeName string, pk []string, fields ir.Fields) *Record {
	return &Record{
		typeName: typeName,
		pkFields: pk,
		fields:   fields.Clone(),
	}
}

// NewAccount creates an "account" record keyed by id.
func NewAccount(id int64, name string, balance int64) *Record {
	return NewRecord("account", []string{"id"}, ir.NewFields(
		ir.F("id", ir.Int(id)),
		ir.F("name", ir.String(name)),
		ir.F("balance", ir.Int(balance)),
	))
}

// EntityTypeName implements collector.Entity.
func (r *Record) EntityTypeName() string {
	return r.typeName
}

// PrimaryKey implements collector.Entity.
func (r *Record) PrimaryKey() ir.Fields {
	r.mu.Lock()
	defer r.mu.Unlock()
	pk := make(ir.Fields, len(r.pkFields))
	for _, name := range r.pkFields {
		if v, ok := r.fields[name]; ok {
			pk[name] = v
		} else {
			pk[name] = ir.Absent{}
		}
	}
	return pk
}

// FieldSnapshot implements collector.Entity.
func (r *Record) FieldSnapshot() ir.Fields {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fields.Clone()
}

// RestoreFields implements collector.Restorable.
func (r *Record) RestoreFields(fields ir.Fields) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fields = fields.Clone()
	return nil
}

// Set assigns a single field.
func (r *Record) Set(name string, v ir.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fields[name] = v
}

// Unset removes a field.
func (r *Record) Unset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fields, name)
}

// Get returns a field value.
func (r *Record) Get(name string) ir.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fields[name]
}

// Merge assigns every field in f.
func (r *Record) Merge(f ir.Fields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	maps.Copy(r.fields, f)
}
