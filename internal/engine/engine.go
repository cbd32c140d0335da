package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/chronicle/internal/collector"
	"github.com/roach88/chronicle/internal/diff"
	"github.com/roach88/chronicle/internal/ir"
	"github.com/roach88/chronicle/internal/metrics"
	"github.com/roach88/chronicle/internal/reconstruct"
	"github.com/roach88/chronicle/internal/sequencer"
	"github.com/roach88/chronicle/internal/store"
)

// Engine turns units of work into version history.
//
// Thread-safety: Engine is safe for concurrent use. Concurrent Finalize
// calls are serialized by the counter row lock from id assignment to
// commit; everything else runs in parallel.
type Engine struct {
	st          *store.Store
	seq         *sequencer.Sequencer
	reader      *reconstruct.Reader
	consistency Consistency

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	cache   reconstruct.Cache
}

// Result describes what one commit wrote.
type Result struct {
	// Transaction is the written transaction. Zero when nothing was written.
	Transaction ir.Transaction

	// Versions holds the written records ordered by (entity type, key).
	Versions []ir.VersionRecord

	// Suppressed lists pending changes that matched stored history exactly.
	Suppressed []ir.EntityRef
}

// Empty reports whether the commit wrote no history.
func (r Result) Empty() bool {
	return len(r.Versions) == 0
}

// New creates an Engine over st.
//
// In Strict mode New fails with an unsupported backend error when the
// store's dialect cannot commit history atomically with business data.
func New(st *store.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		st:     st,
		now:    time.Now,
		logger: slog.Default(),
		tracer: otel.Tracer("chronicle/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}

	dialect := st.Dialect()
	if e.consistency == Strict && !dialect.Capabilities().AtomicCommit {
		return nil, ir.NewUnsupportedBackendError(dialect.Name())
	}
	if e.consistency == Degraded {
		if e.cache != nil {
			e.logger.Warn("reconstruction cache disabled in degraded consistency mode")
			e.cache = nil
		}
		e.logger.Warn("history is written after the host commit; a failure loses history",
			"consistency", e.consistency.String(),
			"dialect", dialect.Name(),
		)
	}

	e.seq = sequencer.New(dialect, sequencer.WithClock(e.now), sequencer.WithFloor(st.IDFloor()))

	readerOpts := []reconstruct.Option{
		reconstruct.WithMetrics(e.metrics),
		reconstruct.WithTracer(e.tracer),
		reconstruct.WithLogger(e.logger),
	}
	if e.cache != nil {
		readerOpts = append(readerOpts, reconstruct.WithCache(e.cache))
	}
	e.reader = reconstruct.New(st, readerOpts...)
	return e, nil
}

// Reader returns the query side over the same store.
func (e *Engine) Reader() *reconstruct.Reader {
	return e.reader
}

// Store returns the underlying store.
func (e *Engine) Store() *store.Store {
	return e.st
}

// Consistency returns the configured consistency mode.
func (e *Engine) Consistency() Consistency {
	return e.consistency
}

// Finalize records the unit of work's changes inside tx. Call it exactly
// once, after the host's business writes and before tx.Commit. On error the
// caller must roll back.
func (e *Engine) Finalize(ctx context.Context, tx *sql.Tx, uow *collector.UnitOfWork) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Finalize")
	defer span.End()
	start := time.Now()

	res, err := e.finalize(ctx, tx, uow)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.ObserveAbort(err)
		e.logger.Error("finalize aborted",
			"unit_of_work", unitID(uow),
			"code", string(ir.ErrorCodeOf(err)),
			"error", err,
		)
		return Result{}, err
	}

	e.metrics.ObserveCommit(res.Versions, len(res.Suppressed), time.Since(start))
	span.SetAttributes(
		attribute.Int64("transaction.id", int64(res.Transaction.ID)),
		attribute.Int("versions", len(res.Versions)),
		attribute.Int("suppressed", len(res.Suppressed)),
	)
	if !res.Empty() {
		e.logger.Info("history recorded",
			"unit_of_work", uow.ID(),
			"transaction_id", res.Transaction.ID,
			"versions", len(res.Versions),
			"entity_types", res.Transaction.EntityTypes,
		)
	}
	return res, nil
}

func (e *Engine) finalize(ctx context.Context, tx *sql.Tx, uow *collector.UnitOfWork) (Result, error) {
	if uow == nil {
		return Result{}, ir.NewProtocolError("finalize: nil unit of work")
	}
	if tx == nil {
		return Result{}, ir.NewProtocolError("finalize: no database transaction")
	}

	pending, err := uow.CollectPending()
	if err != nil {
		return Result{}, err
	}
	if len(pending) == 0 {
		return Result{}, nil
	}

	txn, err := e.seq.AssignID(ctx, tx, e.seq.Begin(uow.Context()))
	if err != nil {
		return Result{}, fmt.Errorf("finalize %s: %w", uow.ID(), err)
	}

	var res Result
	batch := make([]ir.VersionRecord, 0, len(pending))
	for _, p := range pending {
		rec, ok, err := e.prepare(ctx, tx, txn.ID, p)
		if err != nil {
			return Result{}, withTransaction(err, txn.ID)
		}
		if !ok {
			res.Suppressed = append(res.Suppressed, p.Ref())
			e.logger.Debug("no-op change suppressed",
				"entity_type", p.EntityType,
				"entity_key", string(p.Key),
				"transaction_id", txn.ID,
			)
			continue
		}
		batch = append(batch, rec)
	}
	if len(batch) == 0 {
		// The drawn id is left as a gap.
		return res, nil
	}

	txn.EntityTypes = entityTypes(batch)
	if err := e.st.Append(ctx, tx, txn, batch); err != nil {
		return Result{}, err
	}

	res.Transaction = txn
	res.Versions = batch
	return res, nil
}

// prepare builds the version record for one pending change against the
// latest stored version, read through tx under the counter lock. ok is
// false when the change is a no-op against stored history.
func (e *Engine) prepare(ctx context.Context, tx *sql.Tx, id ir.TransactionID, p collector.PendingChange) (ir.VersionRecord, bool, error) {
	latest, found, err := e.st.LatestVersion(ctx, tx, p.EntityType, p.Key, store.Latest)
	if err != nil {
		return ir.VersionRecord{}, false, err
	}

	lc := reconstruct.NewLifecycle(p.EntityType, p.Key)
	var stored ir.Fields
	if found {
		lc = reconstruct.LifecycleOf(latest)
		stored = latest.Snapshot
	}

	next, err := lc.Next(p.Kind)
	if err != nil {
		return ir.VersionRecord{}, false, err
	}

	op, delta := diff.Diff(stored, p.Current)
	if diff.IsNoop(op, delta) {
		return ir.VersionRecord{}, false, nil
	}
	if op != p.Kind {
		return ir.VersionRecord{}, false, ir.NewProtocolError("%s%s: collected %s but stored history implies %s", p.EntityType, p.Key, p.Kind, op)
	}

	// The snapshot is derived from the stored one so that a field whose value
	// only changed representation (Int 100 to Decimal 100.00) keeps its stored
	// form, and Apply(previous snapshot, delta) reproduces it byte for byte.
	snapshot := diff.Apply(stored, delta)
	checksum, err := ir.SnapshotChecksum(p.EntityType, p.Key, next.Version, snapshot)
	if err != nil {
		return ir.VersionRecord{}, false, fmt.Errorf("checksum %s%s: %w", p.EntityType, p.Key, err)
	}

	rec := ir.VersionRecord{
		EntityType:    p.EntityType,
		EntityKey:     p.Key,
		TransactionID: id,
		Version:       next.Version,
		Segment:       next.Segment,
		Operation:     op,
		Delta:         delta,
		Snapshot:      snapshot,
		Checksum:      checksum,
	}
	e.logger.Debug("version prepared",
		"entity_type", rec.EntityType,
		"entity_key", string(rec.EntityKey),
		"operation", string(rec.Operation),
		"version", rec.Version,
		"segment", rec.Segment,
		"fields_changed", len(rec.Delta),
	)
	return rec, true, nil
}

// RunInTx begins a transaction, runs fn for the host's business writes,
// finalizes history and commits. Any error rolls everything back.
// fn may be nil when there are no business writes in this database.
func (e *Engine) RunInTx(ctx context.Context, uow *collector.UnitOfWork, fn func(*sql.Tx) error) (res Result, err error) {
	tx, err := e.st.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				e.logger.Error("failed to rollback transaction", "error", rbErr)
			}
			panic(p)
		}
	}()

	rollback := func(cause error) (Result, error) {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return Result{}, fmt.Errorf("transaction error: %w, rollback error: %v", cause, rbErr)
		}
		return Result{}, cause
	}

	if fn != nil {
		if err := fn(tx); err != nil {
			return rollback(err)
		}
	}

	res, err = e.Finalize(ctx, tx, uow)
	if err != nil {
		return rollback(err)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return res, nil
}

// FinalizeAfterCommit writes history in its own transaction for a unit of
// work whose business writes were committed elsewhere. Degraded mode only.
func (e *Engine) FinalizeAfterCommit(ctx context.Context, uow *collector.UnitOfWork) (Result, error) {
	if e.consistency != Degraded {
		return Result{}, ir.NewProtocolError("finalize after commit requires degraded consistency (engine is %s)", e.consistency)
	}

	res, err := e.RunInTx(ctx, uow, nil)
	if err != nil {
		e.metrics.ObserveDegradedFailure()
		e.logger.Error("history lost for committed unit of work",
			"unit_of_work", unitID(uow),
			"error", err,
		)
		return Result{}, err
	}
	return res, nil
}

// Revert loads the entity's state as of asOf onto entity and registers it
// with uow, so the next commit records the restoration as an ordinary
// change. If the entity did not exist at asOf it is deleted; if it does not
// exist now it is recreated. The transaction is tagged reason=revert.
func (e *Engine) Revert(ctx context.Context, uow *collector.UnitOfWork, entity collector.Restorable, asOf ir.AsOf) error {
	ref, err := collector.RefOf(entity)
	if err != nil {
		return fmt.Errorf("revert: %w", err)
	}

	_, live, err := e.reader.StateAt(ctx, ref.Type, ref.Key, ir.AtTransaction(store.Latest))
	if err != nil {
		return fmt.Errorf("revert %s: current state: %w", ref, err)
	}
	target, found, err := e.reader.StateAt(ctx, ref.Type, ref.Key, asOf)
	if err != nil {
		return fmt.Errorf("revert %s: state as of %s: %w", ref, asOf, err)
	}

	switch {
	case found && live:
		if err := uow.Track(entity); err != nil {
			return err
		}
		if err := entity.RestoreFields(target.Fields.Clone()); err != nil {
			return fmt.Errorf("revert %s: restore: %w", ref, err)
		}
	case found:
		if err := entity.RestoreFields(target.Fields.Clone()); err != nil {
			return fmt.Errorf("revert %s: restore: %w", ref, err)
		}
		if err := uow.Create(entity); err != nil {
			return err
		}
	case live:
		if err := uow.Delete(entity); err != nil {
			return err
		}
	default:
		// Absent then and now.
		return nil
	}

	if err := uow.SetMetadata("reason", "revert"); err != nil {
		return err
	}
	return uow.SetMetadata("revert_to", asOf.String())
}

func withTransaction(err error, id ir.TransactionID) error {
	var ie *ir.Error
	if errors.As(err, &ie) && ie.TransactionID == 0 {
		return ie.WithTransaction(id)
	}
	return err
}

func entityTypes(batch []ir.VersionRecord) []string {
	types := make([]string, 0, len(batch))
	for _, rec := range batch {
		types = append(types, rec.EntityType)
	}
	slices.Sort(types)
	return slices.Compact(types)
}

func unitID(uow *collector.UnitOfWork) string {
	if uow == nil {
		return ""
	}
	return uow.ID()
}
