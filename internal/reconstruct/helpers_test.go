package reconstruct

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/chronicle/internal/diff"
	"github.com/roach88/chronicle/internal/ir"
	"github.com/roach88/chronicle/internal/store"
	"github.com/roach88/chronicle/internal/testutil"
)

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// recorder writes consistent history straight through the store.
type recorder struct {
	t     *testing.T
	st    *store.Store
	clock *testutil.DeterministicClock
	live  map[ir.EntityRef]ir.Fields
	lc    map[ir.EntityRef]Lifecycle
}

func newRecorder(t *testing.T, st *store.Store) *recorder {
	return &recorder{
		t:     t,
		st:    st,
		clock: testutil.NewDeterministicClock(),
		live:  make(map[ir.EntityRef]ir.Fields),
		lc:    make(map[ir.EntityRef]Lifecycle),
	}
}

// change is one entity mutation; nil fields means delete.
type change struct {
	entityType string
	id         int64
	fields     ir.Fields
}

func put(entityType string, id int64, fields ir.Fields) change {
	return change{entityType: entityType, id: id, fields: fields}
}

func del(entityType string, id int64) change {
	return change{entityType: entityType, id: id}
}

func (r *recorder) commit(changes ...change) ir.Transaction {
	r.t.Helper()
	ctx := context.Background()

	tx, err := r.st.BeginTx(ctx, nil)
	require.NoError(r.t, err)
	defer tx.Rollback()

	id, issued, err := r.st.Dialect().NextTransactionID(ctx, tx, 0, r.clock.Now())
	require.NoError(r.t, err)

	var batch []ir.VersionRecord
	for _, c := range changes {
		key := ir.MustKeyOf(ir.NewFields(ir.F("id", ir.Int(c.id))))
		ref := ir.EntityRef{Type: c.entityType, Key: key}

		lc, ok := r.lc[ref]
		if !ok {
			lc = NewLifecycle(c.entityType, key)
		}
		op, delta := diff.Diff(r.live[ref], c.fields)
		next, err := lc.Next(op)
		require.NoError(r.t, err)

		snapshot := c.fields.Clone()
		batch = append(batch, ir.VersionRecord{
			EntityType:    c.entityType,
			EntityKey:     key,
			TransactionID: id,
			Version:       next.Version,
			Segment:       next.Segment,
			Operation:     op,
			Delta:         delta,
			Snapshot:      snapshot,
			Checksum:      ir.MustSnapshotChecksum(c.entityType, key, next.Version, snapshot),
		})
		r.lc[ref] = next
		r.live[ref] = snapshot
	}

	txn := ir.Transaction{ID: id, IssuedAt: issued, Actor: "tester"}
	require.NoError(r.t, r.st.Append(ctx, tx, txn, batch))
	require.NoError(r.t, tx.Commit())
	return txn
}

func account(id int64, name string, balance int64) ir.Fields {
	return ir.NewFields(
		ir.F("id", ir.Int(id)),
		ir.F("name", ir.String(name)),
		ir.F("balance", ir.Int(balance)),
	)
}

func accountKey(id int64) ir.Key {
	return ir.MustKeyOf(ir.NewFields(ir.F("id", ir.Int(id))))
}

// mapCache is an in-memory Cache for tests.
type mapCache struct {
	data map[string][]byte
	gets int
	sets int
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte)}
}

func (c *mapCache) Get(key string) ([]byte, bool, error) {
	c.gets++
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(key string, value []byte) error {
	c.sets++
	c.data[key] = value
	return nil
}
