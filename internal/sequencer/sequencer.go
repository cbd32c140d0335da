// Package sequencer assigns transaction ids and issue times.
//
// An id is drawn inside the caller's database transaction by read-and-increment
// of the durable counter row. The row lock is held until the caller commits
// or rolls back, so id order equals commit order.
package sequencer

import (
	"context"
	"database/sql"
	"maps"
	"sync/atomic"
	"time"

	"github.com/roach88/chronicle/internal/ir"
	"github.com/roach88/chronicle/internal/store"
)

// Sequencer hands out transaction ids for one store.
type Sequencer struct {
	dialect store.Dialect
	now     func() time.Time
	floor   *store.Floor
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithClock sets the wall clock used for IssuedAt. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sequencer) {
		s.now = now
	}
}

// WithFloor shares an id floor between sequencers of the same database,
// normally the Store's own (Store.IDFloor).
func WithFloor(f *store.Floor) Option {
	return func(s *Sequencer) {
		s.floor = f
	}
}

// New creates a Sequencer drawing ids through dialect.
func New(dialect store.Dialect, opts ...Option) *Sequencer {
	s := &Sequencer{
		dialect: dialect,
		now:     time.Now,
		floor:   store.NewFloor(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TxHandle is a unit of work's claim on a transaction id.
// It can be stamped exactly once.
type TxHandle struct {
	txc      ir.TxContext
	assigned atomic.Bool
	txn      ir.Transaction
}

// Begin opens a handle carrying the caller-supplied attributes.
func (s *Sequencer) Begin(txc ir.TxContext) *TxHandle {
	return &TxHandle{txc: txc}
}

// Transaction returns the stamped transaction, or false before AssignID
// succeeded.
func (h *TxHandle) Transaction() (ir.Transaction, bool) {
	if !h.assigned.Load() || h.txn.ID == 0 {
		return ir.Transaction{}, false
	}
	return h.txn, true
}

// AssignID draws the next transaction id inside tx and stamps the handle.
//
// The counter row stays locked until tx ends. A second call on the same
// handle is a protocol error, even if the first one failed.
func (s *Sequencer) AssignID(ctx context.Context, tx *sql.Tx, h *TxHandle) (ir.Transaction, error) {
	if h == nil {
		return ir.Transaction{}, ir.NewProtocolError("assign id: nil handle")
	}
	if tx == nil {
		return ir.Transaction{}, ir.NewProtocolError("assign id: no database transaction")
	}
	if !h.assigned.CompareAndSwap(false, true) {
		return ir.Transaction{}, ir.NewProtocolError("assign id: transaction id already assigned")
	}

	floor := ir.TransactionID(s.floor.Next())
	id, issuedAt, err := s.dialect.NextTransactionID(ctx, tx, floor, s.now().UTC())
	if err != nil {
		return ir.Transaction{}, err
	}
	s.floor.Observe(int64(id))

	h.txn = ir.Transaction{
		ID:         id,
		IssuedAt:   issuedAt,
		Actor:      h.txc.Actor,
		RemoteAddr: h.txc.RemoteAddr,
		Metadata:   maps.Clone(h.txc.Metadata),
	}
	return h.txn, nil
}

// Floor returns the highest id this sequencer has drawn.
func (s *Sequencer) Floor() ir.TransactionID {
	return ir.TransactionID(s.floor.Current())
}
