// Package chronicle records an immutable, transaction-ordered history of
// changes to host records and answers point-in-time queries over it.
//
// A host application opens a Store, builds an Engine over it, stages
// creates, updates and deletes on a UnitOfWork and commits it with
// Engine.RunInTx. Every committed unit gets a TransactionID; every changed
// entity gets a VersionRecord holding its delta and full snapshot.
// Engine.Reader answers StateAt, Versions, DiffVersions and Transaction
// queries.
package chronicle

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/chronicle/internal/cache"
	"github.com/roach88/chronicle/internal/collector"
	"github.com/roach88/chronicle/internal/config"
	"github.com/roach88/chronicle/internal/engine"
	"github.com/roach88/chronicle/internal/ir"
	"github.com/roach88/chronicle/internal/logging"
	"github.com/roach88/chronicle/internal/metrics"
	"github.com/roach88/chronicle/internal/reconstruct"
	"github.com/roach88/chronicle/internal/store"
)

// Values and records.
type (
	Value         = ir.Value
	Fields        = ir.Fields
	Key           = ir.Key
	TransactionID = ir.TransactionID
	Operation     = ir.Operation
	Change        = ir.Change
	Delta         = ir.Delta
	Transaction   = ir.Transaction
	VersionRecord = ir.VersionRecord
	AsOf          = ir.AsOf
	Error         = ir.Error
	ErrorCode     = ir.ErrorCode

	Null    = ir.Null
	String  = ir.String
	Int     = ir.Int
	Bool    = ir.Bool
	Decimal = ir.Decimal
	Time    = ir.Time
	Bytes   = ir.Bytes
)

// Engine and query types.
type (
	Store        = store.Store
	StoreConfig  = store.Config
	Engine       = engine.Engine
	Result       = engine.Result
	Consistency  = engine.Consistency
	EngineOption = engine.Option
	UnitOfWork   = collector.UnitOfWork
	UnitOption   = collector.Option
	Entity       = collector.Entity
	Restorable   = collector.Restorable
	Reader       = reconstruct.Reader
	State        = reconstruct.State
	DiffOptions  = reconstruct.DiffOptions
	Report       = reconstruct.Report
)

const (
	OpCreate = ir.OpCreate
	OpUpdate = ir.OpUpdate
	OpDelete = ir.OpDelete

	Strict   = engine.Strict
	Degraded = engine.Degraded

	// Latest selects the most recent version in AtTransaction.
	Latest = store.Latest
)

var (
	F             = ir.F
	NewFields     = ir.NewFields
	FieldsFromMap = ir.FieldsFromMap
	KeyOf         = ir.KeyOf
	ParseKey      = ir.ParseKey
	AtTransaction = ir.AtTransaction
	AtTime        = ir.AtTime
	NewDecimal    = ir.NewDecimal
	NewTime       = ir.NewTime
	Format        = ir.Format

	WithConsistency = engine.WithConsistency
	WithClock       = engine.WithClock
	WithLogger      = engine.WithLogger
	WithMetrics     = engine.WithMetrics
	WithTracer      = engine.WithTracer
	WithCache       = engine.WithCache

	WithID         = collector.WithID
	WithActor      = collector.WithActor
	WithRemoteAddr = collector.WithRemoteAddr
	WithMetadata   = collector.WithMetadata

	IsProtocolError              = ir.IsProtocolError
	IsUnsupportedMutation        = ir.IsUnsupportedMutation
	IsConflict                   = ir.IsConflict
	IsInvalidLifecycleTransition = ir.IsInvalidLifecycleTransition
	IsUnsupportedBackend         = ir.IsUnsupportedBackend
)

// Open connects to a history store and applies pending migrations.
func Open(ctx context.Context, cfg StoreConfig) (*Store, error) {
	return store.Open(ctx, cfg)
}

// NewEngine builds an engine over an open store.
func NewEngine(st *Store, opts ...EngineOption) (*Engine, error) {
	return engine.New(st, opts...)
}

// NewUnitOfWork starts collecting changes for one transaction.
func NewUnitOfWork(opts ...UnitOption) *UnitOfWork {
	return collector.NewUnitOfWork(opts...)
}

// Runtime is an engine assembled from a configuration file. Close releases
// the store and the cache.
type Runtime struct {
	Engine *Engine
	Logger *slog.Logger

	// Registry holds the engine and reader metrics. Hosts expose it with
	// promhttp or merge it into their own gatherer.
	Registry *prometheus.Registry

	store *store.Store
	cache *cache.Cache
}

// Close releases the cache and the database.
func (r *Runtime) Close() error {
	var cacheErr error
	if r.cache != nil {
		cacheErr = r.cache.Close()
	}
	if err := r.store.Close(); err != nil {
		return err
	}
	return cacheErr
}

// OpenConfig loads configuration from path (or ./chronicle.yaml and
// CHRONICLE_* variables when path is empty) and assembles an engine from it.
// Extra options are applied after the configured ones.
func OpenConfig(ctx context.Context, path string, opts ...EngineOption) (*Runtime, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.Logging())
	if err != nil {
		return nil, err
	}
	consistency, err := engine.ParseConsistency(cfg.Engine.Consistency)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Store())
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Logger: logger, Registry: prometheus.NewRegistry(), store: st}

	engineOpts := []EngineOption{
		engine.WithConsistency(consistency),
		engine.WithLogger(logger),
		engine.WithMetrics(metrics.New(rt.Registry)),
	}
	if cc, ok := cfg.CacheConfig(); ok {
		cc.Logger = logger
		c, err := cache.Open(cc)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to open cache: %w", err)
		}
		rt.cache = c
		engineOpts = append(engineOpts, engine.WithCache(c))
	}

	rt.Engine, err = engine.New(st, append(engineOpts, opts...)...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}
