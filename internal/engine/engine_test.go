package engine

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/chronicle/internal/cache"
	"github.com/roach88/chronicle/internal/collector"
	"github.com/roach88/chronicle/internal/diff"
	"github.com/roach88/chronicle/internal/ir"
	"github.com/roach88/chronicle/internal/metrics"
	"github.com/roach88/chronicle/internal/reconstruct"
	"github.com/roach88/chronicle/internal/store"
	"github.com/roach88/chronicle/internal/testutil"
)

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.DB().Exec(`CREATE TABLE accounts (id INTEGER PRIMARY KEY, name TEXT, balance INTEGER)`)
	require.NoError(t, err)
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	st := createTestStore(t)
	base := []Option{
		WithClock(testutil.NewDeterministicClock().Now),
		WithLogger(quietLogger()),
	}
	e, err := New(st, append(base, opts...)...)
	require.NoError(t, err)
	return e
}

// upsert is a host business write mirroring the account into its own table.
func upsert(a *testutil.Record) func(*sql.Tx) error {
	return func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO accounts (id, name, balance) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, balance = excluded.balance`,
			int64(a.Get("id").(ir.Int)), string(a.Get("name").(ir.String)), int64(a.Get("balance").(ir.Int)))
		return err
	}
}

func commit(t *testing.T, e *Engine, build func(*collector.UnitOfWork)) Result {
	t.Helper()
	uow := collector.NewUnitOfWork(collector.WithActor("tester"))
	build(uow)
	res, err := e.RunInTx(context.Background(), uow, nil)
	require.NoError(t, err)
	return res
}

func accountKey(id int64) ir.Key {
	return ir.MustKeyOf(ir.NewFields(ir.F("id", ir.Int(id))))
}

func TestCreateUpdateDelete(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	acct := testutil.NewAccount(1, "A", 100)

	r1 := commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(acct)) })
	r2 := commit(t, e, func(u *collector.UnitOfWork) {
		require.NoError(t, u.Track(acct))
		acct.Set("balance", ir.Int(150))
	})
	r3 := commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Delete(acct)) })

	assert.Equal(t, ir.TransactionID(1), r1.Transaction.ID)
	assert.Equal(t, ir.TransactionID(2), r2.Transaction.ID)
	assert.Equal(t, ir.TransactionID(3), r3.Transaction.ID)
	assert.Equal(t, "tester", r1.Transaction.Actor)
	assert.Equal(t, []string{"account"}, r1.Transaction.EntityTypes)

	versions, err := e.Reader().Versions(ctx, "account", accountKey(1))
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, []ir.Operation{ir.OpCreate, ir.OpUpdate, ir.OpDelete},
		[]ir.Operation{versions[0].Operation, versions[1].Operation, versions[2].Operation})
	assert.Equal(t, r2.Versions[0], versions[1])

	state, found, err := e.Reader().StateAt(ctx, "account", accountKey(1), ir.AtTransaction(2))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, testutil.NewAccount(1, "A", 150).FieldSnapshot(), state.Fields)

	_, found, err = e.Reader().StateAt(ctx, "account", accountKey(1), ir.AtTransaction(3))
	require.NoError(t, err)
	assert.False(t, found)

	delta, err := e.Reader().DiffVersions(ctx, "account", accountKey(1), 1, 2, reconstruct.DiffOptions{})
	require.NoError(t, err)
	assert.Equal(t, ir.Delta{"balance": {Old: ir.Int(100), New: ir.Int(150)}}, delta)

	report, err := e.Reader().Verify(ctx, "account")
	require.NoError(t, err)
	assert.True(t, report.OK(), "%v", report.Issues)
}

func TestStateAtLatestMatchesLiveEntity(t *testing.T) {
	e := newTestEngine(t)
	acct := testutil.NewAccount(1, "A", 100)
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(acct)) })
	commit(t, e, func(u *collector.UnitOfWork) {
		require.NoError(t, u.Track(acct))
		acct.Set("name", ir.String("Alice"))
		acct.Set("opened", ir.NewTime(testutil.Epoch))
		acct.Unset("balance")
	})

	state, found, err := e.Reader().StateAt(context.Background(), "account", accountKey(1), ir.AtTransaction(store.Latest))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, acct.FieldSnapshot(), state.Fields)
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(testutil.NewAccount(1, "A", 100))) })

	// Both units of work load the entity while the balance is 100.
	first := testutil.NewAccount(1, "A", 100)
	second := testutil.NewAccount(1, "A", 100)
	u1 := collector.NewUnitOfWork()
	u2 := collector.NewUnitOfWork()
	require.NoError(t, u1.Track(first))
	require.NoError(t, u2.Track(second))
	first.Set("balance", ir.Int(150))
	second.Set("balance", ir.Int(120))

	var wg sync.WaitGroup
	for _, u := range []*collector.UnitOfWork{u1, u2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.RunInTx(ctx, u, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	versions, err := e.Reader().Versions(ctx, "account", accountKey(1))
	require.NoError(t, err)
	require.Len(t, versions, 3)

	winner, loser := versions[1], versions[2]
	assert.Less(t, winner.TransactionID, loser.TransactionID)
	assert.Equal(t, int64(3), loser.Version)
	assert.Equal(t, winner.Delta["balance"].New, loser.Delta["balance"].Old,
		"the later committer diffs against the earlier one's value, not the stale 100")
	assert.Equal(t, ir.Int(100), winner.Delta["balance"].Old)
}

func TestNoopChangesProduceNoVersion(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	acct := testutil.NewAccount(1, "A", 100)
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(acct)) })

	// Numerically equal value: clean at collection time.
	res := commit(t, e, func(u *collector.UnitOfWork) {
		require.NoError(t, u.Track(acct))
		acct.Set("balance", ir.MustDecimal("100.00"))
	})
	assert.True(t, res.Empty())
	assert.Empty(t, res.Suppressed)

	// Dirty against a stale baseline but equal to stored history.
	stale := testutil.NewAccount(1, "A", 90)
	res = commit(t, e, func(u *collector.UnitOfWork) {
		require.NoError(t, u.Track(stale))
		stale.Set("balance", ir.Int(100))
	})
	assert.True(t, res.Empty())
	assert.Equal(t, []ir.EntityRef{{Type: "account", Key: accountKey(1)}}, res.Suppressed)
	assert.Equal(t, ir.TransactionID(0), res.Transaction.ID)

	versions, err := e.Reader().Versions(ctx, "account", accountKey(1))
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	log, err := e.Reader().Log(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestDeleteAndRecreate(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	acct := testutil.NewAccount(1, "A", 100)

	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(acct)) })
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Delete(acct)) })
	again := testutil.NewAccount(1, "B", 7)
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(again)) })

	versions, err := e.Reader().Versions(ctx, "account", accountKey(1))
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, []int64{1, 1, 2}, []int64{versions[0].Segment, versions[1].Segment, versions[2].Segment})
	assert.Equal(t, int64(3), versions[2].Version)

	state, found, err := e.Reader().StateAt(ctx, "account", accountKey(1), ir.AtTransaction(1))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ir.String("A"), state.Fields["name"])

	_, found, err = e.Reader().StateAt(ctx, "account", accountKey(1), ir.AtTransaction(2))
	require.NoError(t, err)
	assert.False(t, found)

	state, found, err = e.Reader().StateAt(ctx, "account", accountKey(1), ir.AtTransaction(3))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ir.String("B"), state.Fields["name"])
}

func TestUpdateAfterConcurrentDeleteFails(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(testutil.NewAccount(1, "A", 100))) })

	loaded := testutil.NewAccount(1, "A", 100)
	u := collector.NewUnitOfWork()
	require.NoError(t, u.Track(loaded))
	loaded.Set("balance", ir.Int(5))

	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Delete(testutil.NewAccount(1, "A", 100))) })

	_, err := e.RunInTx(ctx, u, upsert(loaded))
	require.Error(t, err)
	assert.True(t, ir.IsInvalidLifecycleTransition(err))

	var ie *ir.Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, ir.TransactionID(3), ie.TransactionID)

	var n int
	require.NoError(t, e.Store().DB().QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&n))
	assert.Equal(t, 0, n, "business write rolled back with the history write")
}

func TestAbortRollsBackBusinessWrites(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	acct := testutil.NewAccount(1, "A", 100)
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(acct)) })

	u := collector.NewUnitOfWork()
	require.NoError(t, u.Track(acct))
	acct.Set("id", ir.Int(2))

	_, err := e.RunInTx(ctx, u, upsert(acct))
	assert.True(t, ir.IsUnsupportedMutation(err))

	var n int
	require.NoError(t, e.Store().DB().QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&n))
	assert.Equal(t, 0, n)

	hw, err := e.Store().HighWater(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.TransactionID(1), hw)
}

func TestFinalizeInHostTransaction(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	acct := testutil.NewAccount(1, "A", 100)

	tx, err := e.Store().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, upsert(acct)(tx))

	u := collector.NewUnitOfWork()
	require.NoError(t, u.Create(acct))
	res, err := e.Finalize(ctx, tx, u)
	require.NoError(t, err)
	require.Len(t, res.Versions, 1)

	// Host decides to roll back after all
	require.NoError(t, tx.Rollback())

	versions, err := e.Reader().Versions(ctx, "account", accountKey(1))
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestFinalizeProtocolErrors(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Finalize(ctx, nil, collector.NewUnitOfWork())
	assert.True(t, ir.IsProtocolError(err))

	u := collector.NewUnitOfWork()
	require.NoError(t, u.Create(testutil.NewAccount(1, "A", 1)))
	_, err = e.RunInTx(ctx, u, nil)
	require.NoError(t, err)

	_, err = e.RunInTx(ctx, u, nil)
	assert.True(t, ir.IsProtocolError(err), "a unit of work finalizes once")
}

func TestEmptyUnitOfWorkDrawsNoID(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.RunInTx(context.Background(), collector.NewUnitOfWork(), nil)
	require.NoError(t, err)
	assert.True(t, res.Empty())

	hw, err := e.Store().HighWater(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ir.TransactionID(0), hw)
}

// nonAtomic reports a backend that cannot commit history with business data.
type nonAtomic struct {
	store.Dialect
}

func (nonAtomic) Capabilities() store.Capabilities {
	return store.Capabilities{}
}

func TestStrictRejectsNonAtomicBackend(t *testing.T) {
	st := createTestStore(t).WithDialect(nonAtomic{store.SQLiteDialect{}})

	_, err := New(st, WithLogger(quietLogger()))
	require.Error(t, err)
	assert.True(t, ir.IsUnsupportedBackend(err))

	e, err := New(st, WithLogger(quietLogger()), WithConsistency(Degraded))
	require.NoError(t, err)
	assert.Equal(t, Degraded, e.Consistency())
}

func TestFinalizeAfterCommit(t *testing.T) {
	strict := newTestEngine(t)
	_, err := strict.FinalizeAfterCommit(context.Background(), collector.NewUnitOfWork())
	assert.True(t, ir.IsProtocolError(err))

	reg := prometheus.NewRegistry()
	e := newTestEngine(t, WithConsistency(Degraded), WithMetrics(metrics.New(reg)))
	ctx := context.Background()

	u := collector.NewUnitOfWork()
	require.NoError(t, u.Create(testutil.NewAccount(1, "A", 100)))
	res, err := e.FinalizeAfterCommit(ctx, u)
	require.NoError(t, err)
	assert.Len(t, res.Versions, 1)

	// An update of an entity with no history fails and is counted.
	u = collector.NewUnitOfWork()
	ghost := testutil.NewAccount(9, "G", 1)
	require.NoError(t, u.Track(ghost))
	ghost.Set("balance", ir.Int(2))
	_, err = e.FinalizeAfterCommit(ctx, u)
	assert.True(t, ir.IsInvalidLifecycleTransition(err))

	expected := `
# HELP chronicle_degraded_write_failures_total History writes that failed after the host had already committed
# TYPE chronicle_degraded_write_failures_total counter
chronicle_degraded_write_failures_total 1
`
	assert.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected), "chronicle_degraded_write_failures_total"))
}

func TestDegradedDisablesCache(t *testing.T) {
	c, err := cache.Open(cache.InMemoryConfig())
	require.NoError(t, err)
	defer c.Close()

	reg := prometheus.NewRegistry()
	e := newTestEngine(t, WithConsistency(Degraded), WithCache(c), WithMetrics(metrics.New(reg)))
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(testutil.NewAccount(1, "A", 1))) })

	_, _, err = e.Reader().StateAt(context.Background(), "account", accountKey(1), ir.AtTransaction(1))
	require.NoError(t, err)

	n, err := promtest.GatherAndCount(reg, "chronicle_cache_lookups_total")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEngineWithCache(t *testing.T) {
	c, err := cache.Open(cache.InMemoryConfig())
	require.NoError(t, err)
	defer c.Close()

	e := newTestEngine(t, WithCache(c))
	ctx := context.Background()
	acct := testutil.NewAccount(1, "A", 100)
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(acct)) })

	for i := 0; i < 2; i++ {
		state, found, err := e.Reader().StateAt(ctx, "account", accountKey(1), ir.AtTransaction(1))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, acct.FieldSnapshot(), state.Fields)
	}
}

func TestRevert(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	acct := testutil.NewAccount(1, "A", 100)
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(acct)) })
	commit(t, e, func(u *collector.UnitOfWork) {
		require.NoError(t, u.Track(acct))
		acct.Set("balance", ir.Int(150))
		acct.Set("nickname", ir.String("Al"))
	})

	u := collector.NewUnitOfWork(collector.WithActor("auditor"))
	require.NoError(t, e.Revert(ctx, u, acct, ir.AtTransaction(1)))
	res, err := e.RunInTx(ctx, u, nil)
	require.NoError(t, err)

	require.Len(t, res.Versions, 1)
	rec := res.Versions[0]
	assert.Equal(t, ir.OpUpdate, rec.Operation)
	assert.Equal(t, ir.Delta{
		"balance":  {Old: ir.Int(150), New: ir.Int(100)},
		"nickname": {Old: ir.String("Al"), New: ir.Absent{}},
	}, rec.Delta)
	assert.Equal(t, "revert", res.Transaction.Metadata["reason"])
	assert.Equal(t, "tx:1", res.Transaction.Metadata["revert_to"])
	assert.Equal(t, "auditor", res.Transaction.Actor)
	assert.Equal(t, testutil.NewAccount(1, "A", 100).FieldSnapshot(), acct.FieldSnapshot())
}

func TestRevertRecreatesDeletedEntity(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	acct := testutil.NewAccount(1, "A", 100)
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(acct)) })
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Delete(acct)) })

	restored := testutil.NewRecord("account", []string{"id"}, ir.NewFields(ir.F("id", ir.Int(1))))
	u := collector.NewUnitOfWork()
	require.NoError(t, e.Revert(ctx, u, restored, ir.AtTransaction(1)))
	res, err := e.RunInTx(ctx, u, nil)
	require.NoError(t, err)

	require.Len(t, res.Versions, 1)
	assert.Equal(t, ir.OpCreate, res.Versions[0].Operation)
	assert.Equal(t, int64(2), res.Versions[0].Segment)
	assert.Equal(t, acct.FieldSnapshot(), res.Versions[0].Snapshot)
}

func TestRevertToBeforeCreationDeletes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(testutil.NewAccount(5, "X", 1))) })
	acct := testutil.NewAccount(1, "A", 100)
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(acct)) })

	u := collector.NewUnitOfWork()
	require.NoError(t, e.Revert(ctx, u, acct, ir.AtTransaction(1)))
	res, err := e.RunInTx(ctx, u, nil)
	require.NoError(t, err)

	require.Len(t, res.Versions, 1)
	assert.Equal(t, ir.OpDelete, res.Versions[0].Operation)
}

func TestFinalizeObservability(t *testing.T) {
	reg := prometheus.NewRegistry()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	e := newTestEngine(t, WithMetrics(metrics.New(reg)), WithTracer(tp.Tracer("test")), WithLogger(logger))
	acct := testutil.NewAccount(1, "A", 100)
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(acct)) })
	commit(t, e, func(u *collector.UnitOfWork) {
		require.NoError(t, u.Track(acct))
		acct.Set("balance", ir.Int(1))
	})

	expected := `
# HELP chronicle_commits_total Transactions written to history
# TYPE chronicle_commits_total counter
chronicle_commits_total 2
# HELP chronicle_versions_total Version records written by operation
# TYPE chronicle_versions_total counter
chronicle_versions_total{operation="create"} 1
chronicle_versions_total{operation="update"} 1
`
	assert.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected),
		"chronicle_commits_total", "chronicle_versions_total"))

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "engine.Finalize", spans[0].Name())

	out := logs.String()
	assert.Contains(t, out, `"msg":"history recorded"`)
	assert.Contains(t, out, `"msg":"version prepared"`)
}

func TestParseConsistency(t *testing.T) {
	c, err := ParseConsistency("Degraded")
	require.NoError(t, err)
	assert.Equal(t, Degraded, c)

	c, err = ParseConsistency("")
	require.NoError(t, err)
	assert.Equal(t, Strict, c)

	_, err = ParseConsistency("eventual")
	assert.Error(t, err)
	assert.Equal(t, "strict", Strict.String())
}

func TestRepresentationOnlyChangeKeepsStoredForm(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	acct := testutil.NewAccount(1, "A", 100)
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(acct)) })
	res := commit(t, e, func(u *collector.UnitOfWork) {
		require.NoError(t, u.Track(acct))
		acct.Set("name", ir.String("B"))
		acct.Set("balance", ir.MustDecimal("100.00"))
	})

	versions, err := e.Reader().Versions(ctx, "account", accountKey(1))
	require.NoError(t, err)
	require.Len(t, versions, 2)
	v1, v2 := versions[0], versions[1]
	assert.Equal(t, res.Versions[0], v2)
	assert.Equal(t, ir.Delta{"name": {Old: ir.String("A"), New: ir.String("B")}}, v2.Delta)
	assert.Equal(t, ir.Int(100), v2.Snapshot["balance"])

	replayed, err := ir.MarshalFields(diff.Apply(v1.Snapshot, v2.Delta))
	require.NoError(t, err)
	stored, err := ir.MarshalFields(v2.Snapshot)
	require.NoError(t, err)
	assert.Equal(t, string(stored), string(replayed))

	report, err := e.Reader().Verify(ctx, "account")
	require.NoError(t, err)
	assert.True(t, report.OK(), "%v", report.Issues)
}

func TestEnginesSharingAStoreNeverReuseAnID(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()
	open := func() *Engine {
		e, err := New(st, WithClock(testutil.NewDeterministicClock().Now), WithLogger(quietLogger()))
		require.NoError(t, err)
		return e
	}
	first, second := open(), open()
	commit(t, first, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(testutil.NewAccount(1, "A", 100))) })

	// Account 2 was never created, so the update fails after drawing an id
	// and the rollback returns the id to the counter row.
	missing := testutil.NewAccount(2, "B", 5)
	u := collector.NewUnitOfWork()
	require.NoError(t, u.Track(missing))
	missing.Set("balance", ir.Int(6))
	_, err := first.RunInTx(ctx, u, nil)
	require.True(t, ir.IsInvalidLifecycleTransition(err), "%v", err)
	var ie *ir.Error
	require.ErrorAs(t, err, &ie)
	failed := ie.TransactionID
	assert.Equal(t, ir.TransactionID(2), failed)

	res := commit(t, second, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(testutil.NewAccount(3, "C", 1))) })
	assert.Greater(t, res.Transaction.ID, failed)
	assert.Equal(t, ir.TransactionID(3), res.Transaction.ID)
}

func TestReadsDuringOpenCommit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	acct := testutil.NewAccount(1, "A", 100)
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(acct)) })

	parked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	u := collector.NewUnitOfWork()
	require.NoError(t, u.Track(acct))
	acct.Set("balance", ir.Int(150))
	go func() {
		_, err := e.RunInTx(ctx, u, func(tx *sql.Tx) error {
			if err := upsert(acct)(tx); err != nil {
				return err
			}
			close(parked)
			<-release
			return nil
		})
		done <- err
	}()

	<-parked
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	state, found, err := e.Reader().StateAt(readCtx, "account", accountKey(1), ir.AtTransaction(store.Latest))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ir.Int(100), state.Fields["balance"], "open commit not visible")

	versions, err := e.Reader().Versions(readCtx, "account", accountKey(1))
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	close(release)
	require.NoError(t, <-done)

	state, _, err = e.Reader().StateAt(ctx, "account", accountKey(1), ir.AtTransaction(store.Latest))
	require.NoError(t, err)
	assert.Equal(t, ir.Int(150), state.Fields["balance"])
}

func TestRevertInsideOpenCommit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	acct := testutil.NewAccount(1, "A", 100)
	commit(t, e, func(u *collector.UnitOfWork) { require.NoError(t, u.Create(acct)) })
	commit(t, e, func(u *collector.UnitOfWork) {
		require.NoError(t, u.Track(acct))
		acct.Set("balance", ir.Int(150))
	})

	u := collector.NewUnitOfWork()
	res, err := e.RunInTx(ctx, u, func(*sql.Tx) error {
		readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return e.Revert(readCtx, u, acct, ir.AtTransaction(1))
	})
	require.NoError(t, err)
	require.Len(t, res.Versions, 1)
	assert.Equal(t, ir.Delta{"balance": {Old: ir.Int(150), New: ir.Int(100)}}, res.Versions[0].Delta)
}
