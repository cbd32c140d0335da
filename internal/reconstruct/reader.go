package reconstruct

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/chronicle/internal/ir"
	"github.com/roach88/chronicle/internal/metrics"
	"github.com/roach88/chronicle/internal/store"
)

// Cache stores encoded states. *cache.Cache satisfies it.
type Cache interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
}

// State is an entity's fields as of a point in history.
type State struct {
	EntityType string `json:"entity_type"`
	EntityKey  ir.Key `json:"entity_key"`

	// AsOf is the transaction id the query resolved to.
	AsOf ir.TransactionID `json:"as_of"`

	// TransactionID, Version and Segment identify the version in effect.
	TransactionID ir.TransactionID `json:"transaction_id"`
	Version       int64            `json:"version"`
	Segment       int64            `json:"segment"`

	Fields ir.Fields `json:"fields"`
}

// Reader answers history queries against a store.
//
// Thread Safety: safe for concurrent use.
type Reader struct {
	st      *store.Store
	cache   Cache
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	// highWater caches the last committed counter value seen. It only grows.
	highWater atomic.Int64
}

// Option configures a Reader.
type Option func(*Reader)

// WithCache enables the state cache.
func WithCache(c Cache) Option {
	return func(r *Reader) {
		r.cache = c
	}
}

// WithMetrics records query latency and cache lookups.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reader) {
		r.metrics = m
	}
}

// WithTracer sets the tracer for query spans. Default: the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(r *Reader) {
		r.tracer = t
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = l
	}
}

// New creates a Reader over st.
func New(st *store.Store, opts ...Option) *Reader {
	r := &Reader{
		st:     st,
		tracer: otel.Tracer("chronicle/reconstruct"),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps a point in history to a transaction id. found is false for
// an instant earlier than the first transaction and for ids below 1.
func (r *Reader) Resolve(ctx context.Context, asOf ir.AsOf) (ir.TransactionID, bool, error) {
	if asOf.ByTime() {
		return r.st.TransactionAtTime(ctx, asOf.Time)
	}
	if asOf.TransactionID < 1 {
		return 0, false, nil
	}
	return asOf.TransactionID, true, nil
}

// StateAt returns the entity's fields as of asOf. found is false if the
// entity did not exist then: before its first create, or at or after a
// delete and before any recreate.
func (r *Reader) StateAt(ctx context.Context, entityType string, key ir.Key, asOf ir.AsOf) (State, bool, error) {
	ctx, span := r.tracer.Start(ctx, "reconstruct.StateAt",
		trace.WithAttributes(
			attribute.String("entity.type", entityType),
			attribute.String("entity.key", string(key)),
			attribute.String("as_of", asOf.String()),
		),
	)
	defer span.End()
	defer r.observe("state_at", time.Now())

	at, ok, err := r.Resolve(ctx, asOf)
	if err != nil {
		return State{}, false, spanError(span, err)
	}
	if !ok {
		span.SetAttributes(attribute.Bool("state.found", false))
		return State{}, false, nil
	}

	cacheKey := stateCacheKey(entityType, key, at)
	if state, found, hit := r.cached(cacheKey); hit {
		span.SetAttributes(attribute.Bool("cache.hit", true), attribute.Bool("state.found", found))
		return state, found, nil
	}

	rec, ok, err := r.st.LatestVersion(ctx, nil, entityType, key, at)
	if err != nil {
		return State{}, false, spanError(span, err)
	}

	var state State
	found := ok && rec.Operation != ir.OpDelete
	if found {
		state = State{
			EntityType:    entityType,
			EntityKey:     key,
			AsOf:          at,
			TransactionID: rec.TransactionID,
			Version:       rec.Version,
			Segment:       rec.Segment,
			Fields:        rec.Snapshot,
		}
	}
	r.remember(ctx, cacheKey, at, state, found)

	span.SetAttributes(attribute.Bool("state.found", found))
	return state, found, nil
}

// Versions returns every version of an entity in ascending transaction order.
func (r *Reader) Versions(ctx context.Context, entityType string, key ir.Key) ([]ir.VersionRecord, error) {
	defer r.observe("versions", time.Now())
	return r.st.ReadVersions(ctx, entityType, key)
}

// Transaction returns a transaction and the versions it wrote.
func (r *Reader) Transaction(ctx context.Context, id ir.TransactionID) (ir.Transaction, []ir.VersionRecord, bool, error) {
	defer r.observe("transaction", time.Now())
	return r.st.ReadTransaction(ctx, id)
}

// ChangedEntities groups the versions written by a transaction by entity type.
func (r *Reader) ChangedEntities(ctx context.Context, id ir.TransactionID) (map[string][]ir.VersionRecord, bool, error) {
	_, versions, found, err := r.Transaction(ctx, id)
	if err != nil || !found {
		return nil, found, err
	}
	out := make(map[string][]ir.VersionRecord)
	for _, v := range versions {
		out[v.EntityType] = append(out[v.EntityType], v)
	}
	return out, true, nil
}

// Log returns up to limit transactions with id > after.
func (r *Reader) Log(ctx context.Context, after ir.TransactionID, limit int) ([]ir.Transaction, error) {
	return r.st.ListTransactions(ctx, after, limit)
}

// EntityTypes lists every entity type with history.
func (r *Reader) EntityTypes(ctx context.Context) ([]string, error) {
	return r.st.ListEntityTypes(ctx)
}

// Entities lists every key of entityType with history.
func (r *Reader) Entities(ctx context.Context, entityType string) ([]ir.Key, error) {
	return r.st.ListEntities(ctx, entityType)
}

// committed reports whether every transaction with id <= at has either
// committed or been abandoned, so the answer for at can no longer change.
func (r *Reader) committed(ctx context.Context, at ir.TransactionID) bool {
	if int64(at) <= r.highWater.Load() {
		return true
	}
	hw, err := r.st.HighWater(ctx)
	if err != nil {
		return false
	}
	for {
		cur := r.highWater.Load()
		if int64(hw) <= cur || r.highWater.CompareAndSwap(cur, int64(hw)) {
			break
		}
	}
	return at <= hw
}

type cachedState struct {
	Found bool   `json:"found"`
	State *State `json:"state,omitempty"`
}

func stateCacheKey(entityType string, key ir.Key, at ir.TransactionID) string {
	return "state\x00" + entityType + "\x00" + string(key) + "\x00" + strconv.FormatInt(int64(at), 10)
}

func (r *Reader) cached(key string) (State, bool, bool) {
	if r.cache == nil {
		return State{}, false, false
	}
	data, hit, err := r.cache.Get(key)
	if err != nil {
		r.logger.Warn("state cache read failed", "key", key, "error", err)
		hit = false
	}
	r.metrics.ObserveCache(hit)
	if !hit {
		return State{}, false, false
	}

	var c cachedState
	if err := json.Unmarshal(data, &c); err != nil {
		r.logger.Warn("state cache entry unreadable", "key", key, "error", err)
		return State{}, false, false
	}
	if !c.Found || c.State == nil {
		return State{}, false, true
	}
	return *c.State, true, true
}

func (r *Reader) remember(ctx context.Context, key string, at ir.TransactionID, state State, found bool) {
	if r.cache == nil || !r.committed(ctx, at) {
		return
	}
	c := cachedState{Found: found}
	if found {
		c.State = &state
	}
	data, err := json.Marshal(c)
	if err != nil {
		r.logger.Warn("state cache encode failed", "key", key, "error", err)
		return
	}
	if err := r.cache.Set(key, data); err != nil {
		r.logger.Warn("state cache write failed", "key", key, "error", err)
	}
}

func (r *Reader) observe(operation string, start time.Time) {
	r.metrics.ObserveRead(operation, time.Since(start))
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
