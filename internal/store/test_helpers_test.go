package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/chronicle/internal/ir"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed SQLite store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// verifyPragma checks that a pragma is set to the expected value.
func verifyPragma(s *Store, name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// testRecord builds a version record with a valid checksum.
func testRecord(entityType string, id int64, txID ir.TransactionID, version int64, op ir.Operation, snapshot ir.Fields, delta ir.Delta) ir.VersionRecord {
	key := ir.MustKeyOf(ir.NewFields(ir.F("id", ir.Int(id))))
	return ir.VersionRecord{
		EntityType:    entityType,
		EntityKey:     key,
		TransactionID: txID,
		Version:       version,
		Segment:       1,
		Operation:     op,
		Delta:         delta,
		Snapshot:      snapshot,
		Checksum:      ir.MustSnapshotChecksum(entityType, key, version, snapshot),
	}
}

// commitBatch assigns the next transaction id and appends records built by
// build (which receives the assigned id) in one committed transaction.
func commitBatch(t *testing.T, s *Store, issuedAt time.Time, build func(ir.TransactionID) []ir.VersionRecord) ir.Transaction {
	t.Helper()
	ctx := context.Background()

	tx, err := s.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	id, issued, err := s.Dialect().NextTransactionID(ctx, tx, 0, issuedAt)
	require.NoError(t, err)

	txn := ir.Transaction{ID: id, IssuedAt: issued, Actor: "tester"}
	require.NoError(t, s.Append(ctx, tx, txn, build(id)))
	require.NoError(t, tx.Commit())
	return txn
}

func accountSnapshot(id int64, name string, balance int64) ir.Fields {
	return ir.NewFields(
		ir.F("id", ir.Int(id)),
		ir.F("name", ir.String(name)),
		ir.F("balance", ir.Int(balance)),
	)
}
