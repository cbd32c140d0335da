package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/roach88/chronicle/internal/ir"
)

// Latest is the as-of bound that selects the most recent version.
const Latest ir.TransactionID = math.MaxInt64

const versionColumns = `entity_type, entity_key, transaction_id, version, segment, operation, delta, snapshot, checksum`

const transactionColumns = `id, issued_at, actor, remote_addr, metadata`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// ReadVersions returns every version of an entity in ascending transaction id order.
// Returns an empty slice (not nil) if the entity has no history.
func (s *Store) ReadVersions(ctx context.Context, entityType string, key ir.Key) ([]ir.VersionRecord, error) {
	return s.VersionsBetween(ctx, entityType, key, 0, Latest)
}

// VersionsBetween returns versions of an entity with lo <= transaction_id <= hi,
// in ascending transaction id order.
func (s *Store) VersionsBetween(ctx context.Context, entityType string, key ir.Key, lo, hi ir.TransactionID) ([]ir.VersionRecord, error) {
	rows, err := s.read.QueryContext(ctx, s.q(`
		SELECT `+versionColumns+`
		FROM chronicle_versions
		WHERE entity_type = ? AND entity_key = ? AND transaction_id >= ? AND transaction_id <= ?
		ORDER BY transaction_id ASC
	`), entityType, string(key), int64(lo), int64(hi))
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	return collectVersions(rows)
}

// LatestVersion returns the newest version of an entity with transaction_id <= at.
// Pass Latest for the current version. q may be nil to read from the pool, or
// the caller's transaction to read under its locks.
//
// Uses the (entity_type, entity_key, transaction_id) primary key index:
// a single O(log n) lookup, never a scan of the entity's history.
func (s *Store) LatestVersion(ctx context.Context, q Querier, entityType string, key ir.Key, at ir.TransactionID) (ir.VersionRecord, bool, error) {
	row := s.querier(q).QueryRowContext(ctx, s.q(`
		SELECT `+versionColumns+`
		FROM chronicle_versions
		WHERE entity_type = ? AND entity_key = ? AND transaction_id <= ?
		ORDER BY transaction_id DESC
		LIMIT 1
	`), entityType, string(key), int64(at))

	rec, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.VersionRecord{}, false, nil
	}
	if err != nil {
		return ir.VersionRecord{}, false, err
	}
	return rec, true, nil
}

// ReadTransaction returns a transaction and every version it wrote, ordered by
// (entity type, entity key). found is false if no such transaction exists.
func (s *Store) ReadTransaction(ctx context.Context, id ir.TransactionID) (txn ir.Transaction, versions []ir.VersionRecord, found bool, err error) {
	row := s.read.QueryRowContext(ctx, s.q(`
		SELECT `+transactionColumns+`
		FROM chronicle_transactions
		WHERE id = ?
	`), int64(id))

	txn, err = scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Transaction{}, nil, false, nil
	}
	if err != nil {
		return ir.Transaction{}, nil, false, err
	}

	txn.EntityTypes, err = s.EntityTypesForTransaction(ctx, nil, id)
	if err != nil {
		return ir.Transaction{}, nil, false, err
	}

	rows, err := s.read.QueryContext(ctx, s.q(`
		SELECT `+versionColumns+`
		FROM chronicle_versions
		WHERE transaction_id = ?
		ORDER BY entity_type ASC, entity_key ASC
	`), int64(id))
	if err != nil {
		return ir.Transaction{}, nil, false, fmt.Errorf("query transaction versions: %w", err)
	}
	versions, err = collectVersions(rows)
	if err != nil {
		return ir.Transaction{}, nil, false, err
	}

	return txn, versions, true, nil
}

// EntityTypesForTransaction returns the entity types a transaction changed, sorted.
func (s *Store) EntityTypesForTransaction(ctx context.Context, q Querier, id ir.TransactionID) ([]string, error) {
	rows, err := s.querier(q).QueryContext(ctx, s.q(`
		SELECT entity_type
		FROM chronicle_transaction_changes
		WHERE transaction_id = ?
		ORDER BY entity_type ASC
	`), int64(id))
	if err != nil {
		return nil, fmt.Errorf("query transaction changes: %w", err)
	}
	return collectStrings(rows)
}

// TransactionAtTime returns the latest transaction issued at or before t.
// issued_at is non-decreasing in id order, so the issued_at index answers
// this with one lookup.
func (s *Store) TransactionAtTime(ctx context.Context, t time.Time) (ir.TransactionID, bool, error) {
	var id int64
	err := s.read.QueryRowContext(ctx, s.q(`
		SELECT id
		FROM chronicle_transactions
		WHERE issued_at <= ?
		ORDER BY issued_at DESC, id DESC
		LIMIT 1
	`), toMicros(t)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("transaction at time: %w", err)
	}
	return ir.TransactionID(id), true, nil
}

// HighWater returns the last committed value of the transaction counter.
// Every id at or below it belongs to a committed or abandoned transaction,
// never to one still in flight.
func (s *Store) HighWater(ctx context.Context) (ir.TransactionID, error) {
	var last int64
	err := s.read.QueryRowContext(ctx, s.q(`
		SELECT last_value FROM chronicle_sequence WHERE name = ?
	`), sequenceName).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("high water: %w", err)
	}
	return ir.TransactionID(last), nil
}

// ListTransactions returns up to limit transactions with id > after, ascending.
func (s *Store) ListTransactions(ctx context.Context, after ir.TransactionID, limit int) ([]ir.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.read.QueryContext(ctx, s.q(`
		SELECT `+transactionColumns+`
		FROM chronicle_transactions
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`), int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}

	var txns []ir.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	rows.Close()

	// Entity types are read after rows is closed: SQLite runs on one connection.
	for i := range txns {
		types, err := s.EntityTypesForTransaction(ctx, nil, txns[i].ID)
		if err != nil {
			return nil, err
		}
		txns[i].EntityTypes = types
	}

	if txns == nil {
		txns = []ir.Transaction{}
	}
	return txns, nil
}

// ListEntityTypes returns every entity type with recorded history, sorted.
func (s *Store) ListEntityTypes(ctx context.Context) ([]string, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT DISTINCT entity_type
		FROM chronicle_versions
		ORDER BY entity_type ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query entity types: %w", err)
	}
	return collectStrings(rows)
}

// ListEntities returns the keys of every entity of a type with recorded history, sorted.
func (s *Store) ListEntities(ctx context.Context, entityType string) ([]ir.Key, error) {
	rows, err := s.read.QueryContext(ctx, s.q(`
		SELECT DISTINCT entity_key
		FROM chronicle_versions
		WHERE entity_type = ?
		ORDER BY entity_key ASC
	`), entityType)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	raw, err := collectStrings(rows)
	if err != nil {
		return nil, err
	}
	keys := make([]ir.Key, len(raw))
	for i, k := range raw {
		keys[i] = ir.Key(k)
	}
	return keys, nil
}

func collectVersions(rows *sql.Rows) ([]ir.VersionRecord, error) {
	defer rows.Close()

	var versions []ir.VersionRecord
	for rows.Next() {
		rec, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}

	// Return empty slice instead of nil
	if versions == nil {
		versions = []ir.VersionRecord{}
	}
	return versions, nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return out, nil
}

func scanVersion(row scanner) (ir.VersionRecord, error) {
	var (
		rec                 ir.VersionRecord
		key, op             string
		txID                int64
		deltaJSON, snapJSON string
	)
	err := row.Scan(
		&rec.EntityType,
		&key,
		&txID,
		&rec.Version,
		&rec.Segment,
		&op,
		&deltaJSON,
		&snapJSON,
		&rec.Checksum,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.VersionRecord{}, err
	}
	if err != nil {
		return ir.VersionRecord{}, fmt.Errorf("scan version: %w", err)
	}

	rec.EntityKey = ir.Key(key)
	rec.TransactionID = ir.TransactionID(txID)
	rec.Operation = ir.Operation(op)

	if rec.Delta, err = unmarshalDelta(deltaJSON); err != nil {
		return ir.VersionRecord{}, fmt.Errorf("version %s@%d: %w", rec.Ref(), txID, err)
	}
	if rec.Snapshot, err = unmarshalSnapshot(snapJSON); err != nil {
		return ir.VersionRecord{}, fmt.Errorf("version %s@%d: %w", rec.Ref(), txID, err)
	}
	return rec, nil
}

func scanTransaction(row scanner) (ir.Transaction, error) {
	var (
		txn      ir.Transaction
		id       int64
		issued   int64
		metaJSON string
	)
	err := row.Scan(&id, &issued, &txn.Actor, &txn.RemoteAddr, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Transaction{}, err
	}
	if err != nil {
		return ir.Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}

	txn.ID = ir.TransactionID(id)
	txn.IssuedAt = fromMicros(issued)
	if txn.Metadata, err = unmarshalMetadata(metaJSON); err != nil {
		return ir.Transaction{}, fmt.Errorf("transaction %d: %w", id, err)
	}
	return txn, nil
}
