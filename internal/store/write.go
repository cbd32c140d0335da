package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/roach88/chronicle/internal/ir"
)

// Append writes a transaction and its version records inside tx.
//
// The transaction row, every version row and the transaction-change rows are
// written with the caller's tx, so they become visible atomically with the
// caller's commit or not at all. An empty batch writes nothing: transaction
// rows only exist for units of work that changed something.
//
// A duplicate (entity_type, entity_key, transaction_id) or
// (entity_type, entity_key, version) is reported as a CONFLICT ir.Error.
// The caller must roll back; conflicts are never retried.
func (s *Store) Append(ctx context.Context, tx *sql.Tx, txn ir.Transaction, batch []ir.VersionRecord) error {
	if len(batch) == 0 {
		return nil
	}
	if tx == nil {
		return ir.NewProtocolError("append requires a transaction")
	}
	if txn.ID <= 0 {
		return ir.NewProtocolError("append with unassigned transaction id")
	}

	metaJSON, err := marshalMetadata(txn.Metadata)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO chronicle_transactions
		(id, issued_at, actor, remote_addr, metadata)
		VALUES (?, ?, ?, ?, ?)
	`),
		int64(txn.ID),
		toMicros(txn.IssuedAt),
		txn.Actor,
		txn.RemoteAddr,
		metaJSON,
	)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return ir.NewConflictError("", "", txn.ID, err)
		}
		return fmt.Errorf("append: insert transaction %d: %w", txn.ID, err)
	}

	var entityTypes []string
	for _, rec := range batch {
		if err := s.insertVersion(ctx, tx, txn.ID, rec); err != nil {
			return err
		}
		if !slices.Contains(entityTypes, rec.EntityType) {
			entityTypes = append(entityTypes, rec.EntityType)
		}
	}

	slices.Sort(entityTypes)
	for _, entityType := range entityTypes {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO chronicle_transaction_changes (transaction_id, entity_type)
			VALUES (?, ?)
		`), int64(txn.ID), entityType)
		if err != nil {
			return fmt.Errorf("append: insert transaction change %d/%s: %w", txn.ID, entityType, err)
		}
	}

	return nil
}

func (s *Store) insertVersion(ctx context.Context, tx *sql.Tx, txID ir.TransactionID, rec ir.VersionRecord) error {
	if rec.TransactionID != txID {
		return ir.NewProtocolError("version for %s carries transaction %d, appending %d", rec.Ref(), rec.TransactionID, txID)
	}
	if !rec.Operation.Valid() {
		return ir.NewProtocolError("version for %s has invalid operation %q", rec.Ref(), rec.Operation)
	}

	deltaJSON, err := marshalDelta(rec.Delta)
	if err != nil {
		return fmt.Errorf("append %s: %w", rec.Ref(), err)
	}
	snapshotJSON, err := marshalSnapshot(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("append %s: %w", rec.Ref(), err)
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO chronicle_versions
		(entity_type, entity_key, transaction_id, version, segment, operation, delta, snapshot, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		rec.EntityType,
		string(rec.EntityKey),
		int64(rec.TransactionID),
		rec.Version,
		rec.Segment,
		string(rec.Operation),
		deltaJSON,
		snapshotJSON,
		rec.Checksum,
	)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return ir.NewConflictError(rec.EntityType, rec.EntityKey, txID, err)
		}
		return fmt.Errorf("append %s: insert version: %w", rec.Ref(), err)
	}
	return nil
}
