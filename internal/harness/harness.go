package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/roach88/chronicle/internal/collector"
	"github.com/roach88/chronicle/internal/engine"
	"github.com/roach88/chronicle/internal/ir"
	"github.com/roach88/chronicle/internal/store"
	"github.com/roach88/chronicle/internal/testutil"
)

// Harness executes one scenario against its own store.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	clock  *testutil.DeterministicClock
	logger *slog.Logger

	// live holds the current in-memory entities, as a host application
	// would after its own commits.
	live map[ir.EntityRef]*testutil.Record
}

// Option configures a scenario run.
type Option func(*runConfig)

type runConfig struct {
	logger *slog.Logger
	dsn    string
}

// WithLogger receives engine logs. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) { c.logger = l }
}

// WithDatabase runs against a SQLite file instead of an in-memory database,
// leaving the history behind for inspection.
func WithDatabase(path string) Option {
	return func(c *runConfig) { c.dsn = path }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh database with a deterministic clock.
// Execution flow:
//  1. Commit every unit through the engine, recording a trace event each
//  2. Check each unit's outcome against its expect_error
//  3. Evaluate assertions and verify the stored history
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		dsn:    ":memory:",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	st, err := store.OpenSQLite(cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewDeterministicClock()
	eng, err := engine.New(st, engine.WithClock(clock.Now), engine.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	h := &Harness{
		store:  st,
		engine: eng,
		clock:  clock,
		logger: cfg.logger,
		live:   make(map[ir.EntityRef]*testutil.Record),
	}

	result := NewResult()
	for i, unit := range scenario.Units {
		if err := h.executeUnit(ctx, scenario.Name, i, unit, result); err != nil {
			return nil, fmt.Errorf("unit %d: %w", i, err)
		}
	}

	actx := &AssertionContext{Reader: eng.Reader(), Ctx: ctx}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}
	for _, msg := range verifyHistory(ctx, actx) {
		result.AddError(msg)
	}

	return result, nil
}

// executeUnit stages every step on a fresh unit of work and commits it.
// An engine error is recorded in the trace; only harness failures (bad
// step values) are returned.
func (h *Harness) executeUnit(ctx context.Context, name string, index int, unit Unit, result *Result) error {
	opts := []collector.Option{
		collector.WithID(fmt.Sprintf("%s-%d", name, index+1)),
		collector.WithActor(unit.Actor),
		collector.WithRemoteAddr(unit.RemoteAddr),
	}
	for _, k := range sortedMetadataKeys(unit.Metadata) {
		opts = append(opts, collector.WithMetadata(k, unit.Metadata[k]))
	}
	uow := collector.NewUnitOfWork(opts...)

	saved := h.snapshotLive()
	for j, step := range unit.Steps {
		if err := h.stage(uow, step); err != nil {
			return fmt.Errorf("step %d: %w", j, err)
		}
	}

	res, err := h.engine.RunInTx(ctx, uow, nil)
	if err != nil {
		h.live = saved
		code := ir.ErrorCodeOf(err)
		result.addFailure(index+1, code)

		switch {
		case unit.ExpectError == "":
			result.AddError(fmt.Sprintf("unit %d: unexpected error: %v", index+1, err))
		case unit.ExpectError != code:
			result.AddError(fmt.Sprintf("unit %d: expected error %s, got %v", index+1, unit.ExpectError, err))
		}
		h.logger.Info("unit failed", "unit", index+1, "code", code, "error", err)
		return nil
	}

	result.addCommit(index+1, res)
	if unit.ExpectError != "" {
		result.AddError(fmt.Sprintf("unit %d: expected error %s, but it committed", index+1, unit.ExpectError))
	}
	h.logger.Info("unit committed", "unit", index+1, "transaction_id", res.Transaction.ID, "versions", len(res.Versions))
	return nil
}

// stage applies one step to the live entities and registers it on uow.
func (h *Harness) stage(uow *collector.UnitOfWork, step Step) error {
	pk, err := ir.FieldsFromMap(step.Key)
	if err != nil {
		return fmt.Errorf("key: %w", err)
	}
	fields, err := ir.FieldsFromMap(step.Fields)
	if err != nil {
		return fmt.Errorf("fields: %w", err)
	}
	key, err := ir.KeyOf(pk)
	if err != nil {
		return err
	}
	ref := ir.EntityRef{Type: step.Entity, Key: key}

	switch step.Op {
	case ir.OpCreate:
		rec := testutil.NewRecord(step.Entity, pk.SortedKeys(), pk)
		rec.Merge(fields)
		h.live[ref] = rec
		return uow.Create(rec)

	case ir.OpUpdate:
		rec, ok := h.live[ref]
		if !ok {
			// Updating an entity the host never loaded: track its key only.
			rec = testutil.NewRecord(step.Entity, pk.SortedKeys(), pk)
			h.live[ref] = rec
		}
		if err := uow.Track(rec); err != nil {
			return err
		}
		rec.Merge(fields)
		for _, name := range step.Unset {
			rec.Unset(name)
		}
		return nil

	case ir.OpDelete:
		rec, ok := h.live[ref]
		if !ok {
			rec = testutil.NewRecord(step.Entity, pk.SortedKeys(), pk)
		}
		delete(h.live, ref)
		return uow.Delete(rec)

	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
}

// snapshotLive copies the live entities so a failed unit can be undone.
func (h *Harness) snapshotLive() map[ir.EntityRef]*testutil.Record {
	saved := make(map[ir.EntityRef]*testutil.Record, len(h.live))
	for ref, rec := range h.live {
		saved[ref] = testutil.NewRecord(ref.Type, rec.PrimaryKey().SortedKeys(), rec.FieldSnapshot())
	}
	return saved
}

func sortedMetadataKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ErrScenarioFailed is returned by RunFile when a scenario ran but did not pass.
var ErrScenarioFailed = errors.New("scenario failed")

// RunFile loads and runs the scenario at path.
func RunFile(ctx context.Context, path string, opts ...Option) (*Scenario, *Result, error) {
	scenario, err := LoadScenario(path)
	if err != nil {
		return nil, nil, err
	}
	result, err := Run(ctx, scenario, opts...)
	if err != nil {
		return scenario, nil, err
	}
	if !result.Pass {
		return scenario, result, fmt.Errorf("%w: %s", ErrScenarioFailed, scenario.Name)
	}
	return scenario, result, nil
}
