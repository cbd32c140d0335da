package collector

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/chronicle/internal/diff"
	"github.com/roach88/chronicle/internal/ir"
)

// PendingChange is one mutated entity as seen at pre-commit.
type PendingChange struct {
	EntityType string
	Key        ir.Key
	Kind       ir.Operation
	Baseline   ir.Fields // Empty for create
	Current    ir.Fields // Empty for delete
}

// Ref returns the entity reference of the change.
func (p PendingChange) Ref() ir.EntityRef {
	return ir.EntityRef{Type: p.EntityType, Key: p.Key}
}

type entryState int

const (
	stateTracked entryState = iota
	stateCreated
	stateDeleted
)

type entry struct {
	entity   Entity
	key      ir.Key
	baseline ir.Fields
	state    entryState
}

// UnitOfWork collects entity mutations for a single commit.
//
// Thread-safety: UnitOfWork is safe for concurrent use.
type UnitOfWork struct {
	id string

	mu        sync.Mutex
	txc       ir.TxContext
	entries   map[ir.EntityRef]*entry
	collected bool
}

// Option configures a UnitOfWork.
type Option func(*UnitOfWork)

// WithID sets the unit of work id. Defaults to a UUIDv7.
func WithID(id string) Option {
	return func(u *UnitOfWork) {
		u.id = id
	}
}

// WithActor records who performed the unit of work.
func WithActor(actor string) Option {
	return func(u *UnitOfWork) {
		u.txc.Actor = actor
	}
}

// WithRemoteAddr records the client address of the unit of work.
func WithRemoteAddr(addr string) Option {
	return func(u *UnitOfWork) {
		u.txc.RemoteAddr = addr
	}
}

// WithMetadata adds a free-form metadata entry, e.g. ("reason", "refund").
func WithMetadata(key, value string) Option {
	return func(u *UnitOfWork) {
		if u.txc.Metadata == nil {
			u.txc.Metadata = make(map[string]string)
		}
		u.txc.Metadata[key] = value
	}
}

// NewUnitOfWork creates an empty unit of work.
func NewUnitOfWork(opts ...Option) *UnitOfWork {
	u := &UnitOfWork{
		entries: make(map[ir.EntityRef]*entry),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.id == "" {
		u.id = newID()
	}
	return u
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ID returns the unit of work id used for log correlation.
func (u *UnitOfWork) ID() string {
	return u.id
}

// Context returns a copy of the transaction context.
func (u *UnitOfWork) Context() ir.TxContext {
	u.mu.Lock()
	defer u.mu.Unlock()
	txc := u.txc
	txc.Metadata = maps.Clone(u.txc.Metadata)
	return txc
}

// SetMetadata adds or replaces a metadata entry before collection.
func (u *UnitOfWork) SetMetadata(key, value string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.collected {
		return ir.NewProtocolError("set metadata after collection in unit of work %s", u.id)
	}
	if u.txc.Metadata == nil {
		u.txc.Metadata = make(map[string]string)
	}
	u.txc.Metadata[key] = value
	return nil
}

// Track registers a persisted entity and captures its baseline.
// Tracking an already registered entity is a no-op.
func (u *UnitOfWork) Track(e Entity) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	ref, err := u.register("track", e)
	if err != nil {
		return err
	}
	if _, ok := u.entries[ref]; ok {
		return nil
	}
	u.entries[ref] = &entry{
		entity:   e,
		key:      ref.Key,
		baseline: e.FieldSnapshot().Clone(),
		state:    stateTracked,
	}
	return nil
}

// Stage registers an entity if it is not yet known.
// It is the staging half of the stage/finalize protocol.
func (u *UnitOfWork) Stage(e Entity) error {
	return u.Track(e)
}

// Create stages a new entity. Its baseline is empty.
//
// Creating an entity that was deleted earlier in the same unit of work turns
// the pair into an update against the original baseline.
func (u *UnitOfWork) Create(e Entity) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	ref, err := u.register("create", e)
	if err != nil {
		return err
	}
	if existing, ok := u.entries[ref]; ok {
		if existing.state != stateDeleted {
			return ir.NewProtocolError("create of %s already registered in unit of work %s", ref, u.id)
		}
		existing.entity = e
		if existing.baseline.IsEmpty() {
			existing.state = stateCreated
		} else {
			existing.state = stateTracked
		}
		return nil
	}
	u.entries[ref] = &entry{
		entity:   e,
		key:      ref.Key,
		baseline: ir.Fields{},
		state:    stateCreated,
	}
	return nil
}

// Delete marks an entity for deletion.
//
// Deleting an entity created in the same unit of work cancels both.
func (u *UnitOfWork) Delete(e Entity) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	ref, err := u.register("delete", e)
	if err != nil {
		return err
	}
	existing, ok := u.entries[ref]
	if !ok {
		u.entries[ref] = &entry{
			entity:   e,
			key:      ref.Key,
			baseline: e.FieldSnapshot().Clone(),
			state:    stateDeleted,
		}
		return nil
	}
	switch existing.state {
	case stateCreated:
		delete(u.entries, ref)
	case stateTracked:
		existing.state = stateDeleted
	}
	return nil
}

// register validates the entity and returns its reference.
// Callers must hold u.mu.
func (u *UnitOfWork) register(op string, e Entity) (ir.EntityRef, error) {
	if u.collected {
		return ir.EntityRef{}, ir.NewProtocolError("%s after collection in unit of work %s", op, u.id)
	}
	if e == nil {
		return ir.EntityRef{}, ir.NewProtocolError("%s of nil entity", op)
	}
	ref, err := RefOf(e)
	if err != nil {
		return ir.EntityRef{}, fmt.Errorf("%s %s: %w", op, e.EntityTypeName(), err)
	}
	if ref.Type == "" {
		return ir.EntityRef{}, ir.NewProtocolError("%s of entity with empty type name", op)
	}
	return ref, nil
}

// Len returns the number of registered entities.
func (u *UnitOfWork) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.entries)
}

// Collected reports whether CollectPending has run.
func (u *UnitOfWork) Collected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.collected
}

// CollectPending returns every registered entity whose state differs from its
// baseline, plus all creates and deletes, ordered by (entity type, key).
//
// It may be called exactly once; a second call fails with a protocol error.
// A tracked entity whose primary key changed fails with an unsupported
// mutation error.
func (u *UnitOfWork) CollectPending() ([]PendingChange, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.collected {
		return nil, ir.NewProtocolError("changes already collected for unit of work %s", u.id)
	}
	u.collected = true

	pending := make([]PendingChange, 0, len(u.entries))
	for ref, ent := range u.entries {
		change, dirty, err := ent.pending(ref)
		if err != nil {
			return nil, err
		}
		if dirty {
			pending = append(pending, change)
		}
	}

	slices.SortFunc(pending, func(a, b PendingChange) int {
		if c := strings.Compare(a.EntityType, b.EntityType); c != 0 {
			return c
		}
		return strings.Compare(string(a.Key), string(b.Key))
	})
	return pending, nil
}

func (ent *entry) pending(ref ir.EntityRef) (PendingChange, bool, error) {
	change := PendingChange{
		EntityType: ref.Type,
		Key:        ent.key,
		Baseline:   ent.baseline.Clone(),
	}

	if ent.state == stateDeleted {
		change.Kind = ir.OpDelete
		change.Current = ir.Fields{}
		return change, true, nil
	}

	newKey, err := ir.KeyOf(ent.entity.PrimaryKey())
	if err != nil {
		return PendingChange{}, false, fmt.Errorf("collect %s: %w", ref, err)
	}
	if newKey != ent.key {
		return PendingChange{}, false, ir.NewUnsupportedMutationError(ref.Type, ent.key, newKey)
	}

	current := ent.entity.FieldSnapshot().Clone()
	for name, v := range current {
		if v == nil {
			return PendingChange{}, false, ir.NewProtocolError("field %q of %s has nil value", name, ref)
		}
		if _, ok := v.(ir.Absent); ok {
			return PendingChange{}, false, ir.NewProtocolError("field %q of %s is absent in snapshot", name, ref)
		}
	}
	if current.IsEmpty() {
		return PendingChange{}, false, ir.NewProtocolError("%s has an empty field snapshot", ref)
	}
	change.Current = current

	if ent.state == stateCreated {
		change.Kind = ir.OpCreate
		return change, true, nil
	}

	if diff.FieldsEqual(ent.baseline, current) {
		return PendingChange{}, false, nil
	}
	change.Kind = ir.OpUpdate
	return change, true, nil
}
