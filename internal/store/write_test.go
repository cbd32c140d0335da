package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chronicle/internal/ir"
)

func TestAppendAndReadVersions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	snap1 := accountSnapshot(1, "A", 100)
	txn1 := commitBatch(t, s, testEpoch, func(id ir.TransactionID) []ir.VersionRecord {
		return []ir.VersionRecord{testRecord("account", 1, id, 1, ir.OpCreate, snap1, ir.Delta{
			"id":      {Old: ir.Absent{}, New: ir.Int(1)},
			"name":    {Old: ir.Absent{}, New: ir.String("A")},
			"balance": {Old: ir.Absent{}, New: ir.Int(100)},
		})}
	})

	snap2 := accountSnapshot(1, "A", 150)
	txn2 := commitBatch(t, s, testEpoch.Add(time.Second), func(id ir.TransactionID) []ir.VersionRecord {
		return []ir.VersionRecord{testRecord("account", 1, id, 2, ir.OpUpdate, snap2, ir.Delta{
			"balance": {Old: ir.Int(100), New: ir.Int(150)},
		})}
	})

	assert.Equal(t, ir.TransactionID(1), txn1.ID)
	assert.Equal(t, ir.TransactionID(2), txn2.ID)

	versions, err := s.ReadVersions(ctx, "account", `{"id":1}`)
	require.NoError(t, err)
	require.Len(t, versions, 2)

	assert.Equal(t, ir.OpCreate, versions[0].Operation)
	assert.Equal(t, ir.OpUpdate, versions[1].Operation)
	assert.Equal(t, int64(2), versions[1].Version)
	assert.Equal(t, ir.Delta{"balance": {Old: ir.Int(100), New: ir.Int(150)}}, versions[1].Delta)
	assert.Equal(t, snap2, versions[1].Snapshot)
	assert.Equal(t, ir.MustSnapshotChecksum("account", `{"id":1}`, 2, snap2), versions[1].Checksum)
}

func TestAppendEmptyBatchWritesNothing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	require.NoError(t, s.Append(ctx, tx, ir.Transaction{ID: 1}, nil))
	require.NoError(t, tx.Commit())

	txns, err := s.ListTransactions(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestAppendRejectsUnassignedID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	rec := testRecord("account", 1, 0, 1, ir.OpCreate, accountSnapshot(1, "A", 1), ir.Delta{})
	err = s.Append(ctx, tx, ir.Transaction{}, []ir.VersionRecord{rec})
	assert.True(t, ir.IsProtocolError(err))
}

func TestAppendRejectsMismatchedTransaction(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	rec := testRecord("account", 1, 99, 1, ir.OpCreate, accountSnapshot(1, "A", 1), ir.Delta{})
	err = s.Append(ctx, tx, ir.Transaction{ID: 1, IssuedAt: testEpoch}, []ir.VersionRecord{rec})
	assert.True(t, ir.IsProtocolError(err))
}

func TestAppendDuplicateEntityInTransactionIsConflict(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	snap := accountSnapshot(1, "A", 1)
	batch := []ir.VersionRecord{
		testRecord("account", 1, 1, 1, ir.OpCreate, snap, ir.Delta{}),
		testRecord("account", 1, 1, 2, ir.OpUpdate, snap, ir.Delta{}),
	}
	err = s.Append(ctx, tx, ir.Transaction{ID: 1, IssuedAt: testEpoch}, batch)

	require.Error(t, err)
	assert.True(t, ir.IsConflict(err))
}

func TestAppendDuplicateVersionIsConflict(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	snap := accountSnapshot(1, "A", 1)
	commitBatch(t, s, testEpoch, func(id ir.TransactionID) []ir.VersionRecord {
		return []ir.VersionRecord{testRecord("account", 1, id, 1, ir.OpCreate, snap, ir.Delta{})}
	})

	tx, err := s.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	// Same entity, new transaction, but version 1 again
	rec := testRecord("account", 1, 5, 1, ir.OpUpdate, snap, ir.Delta{})
	err = s.Append(ctx, tx, ir.Transaction{ID: 5, IssuedAt: testEpoch}, []ir.VersionRecord{rec})

	require.Error(t, err)
	assert.True(t, ir.IsConflict(err))
}

func TestAppendDuplicateTransactionIsConflict(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	txn := commitBatch(t, s, testEpoch, func(id ir.TransactionID) []ir.VersionRecord {
		return []ir.VersionRecord{testRecord("account", 1, id, 1, ir.OpCreate, accountSnapshot(1, "A", 1), ir.Delta{})}
	})

	tx, err := s.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	rec := testRecord("account", 2, txn.ID, 1, ir.OpCreate, accountSnapshot(2, "B", 1), ir.Delta{})
	err = s.Append(ctx, tx, ir.Transaction{ID: txn.ID, IssuedAt: testEpoch}, []ir.VersionRecord{rec})

	require.Error(t, err)
	assert.True(t, ir.IsConflict(err))
}

func TestRollbackLeavesNoHistory(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx, nil)
	require.NoError(t, err)

	id, issued, err := s.Dialect().NextTransactionID(ctx, tx, 0, testEpoch)
	require.NoError(t, err)
	rec := testRecord("account", 1, id, 1, ir.OpCreate, accountSnapshot(1, "A", 1), ir.Delta{})
	require.NoError(t, s.Append(ctx, tx, ir.Transaction{ID: id, IssuedAt: issued}, []ir.VersionRecord{rec}))
	require.NoError(t, tx.Rollback())

	versions, err := s.ReadVersions(ctx, "account", rec.EntityKey)
	require.NoError(t, err)
	assert.Empty(t, versions, "no partial version may be visible after rollback")

	_, _, found, err := s.ReadTransaction(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHistoryIsAppendOnly(t *testing.T) {
	s := createTestStore(t)

	commitBatch(t, s, testEpoch, func(id ir.TransactionID) []ir.VersionRecord {
		return []ir.VersionRecord{testRecord("account", 1, id, 1, ir.OpCreate, accountSnapshot(1, "A", 1), ir.Delta{})}
	})

	statements := []string{
		`UPDATE chronicle_versions SET operation = 'update'`,
		`DELETE FROM chronicle_versions`,
		`UPDATE chronicle_transactions SET actor = 'mallory'`,
		`DELETE FROM chronicle_transactions`,
		`DELETE FROM chronicle_transaction_changes`,
	}
	for _, stmt := range statements {
		_, err := s.db.Exec(stmt)
		assert.Error(t, err, "%s must be rejected", stmt)
	}

	versions, err := s.ReadVersions(context.Background(), "account", `{"id":1}`)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestMarshalMetadata(t *testing.T) {
	got, err := marshalMetadata(map[string]string{"reason": "a<b", "actor_ip": "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"actor_ip":"x","reason":"a<b"}`, got)

	empty, err := marshalMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", empty)

	m, err := unmarshalMetadata(got)
	require.NoError(t, err)
	assert.Equal(t, "a<b", m["reason"])
}
