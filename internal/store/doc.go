// Package store provides the append-only history store.
//
// The store persists three relations:
//   - chronicle_transactions: one row per committed unit of work that changed something
//   - chronicle_versions: one row per (entity type, entity key, transaction id)
//   - chronicle_transaction_changes: entity types touched by each transaction
//
// plus chronicle_sequence, the single durable counter rows the sequencer
// read-and-increments inside the caller's transaction.
//
// # Guarantees
//
// Append-only: history tables reject UPDATE and DELETE via triggers.
//
// Uniqueness: (entity_type, entity_key, transaction_id) and
// (entity_type, entity_key, version) are unique. A violation surfaces as an
// ir.Error with code CONFLICT and is never retried.
//
// Atomicity: Append writes inside the caller's *sql.Tx, so history commits or
// rolls back together with the business data.
//
// Deterministic reads: every list query has a total ORDER BY.
//
// # Payload encoding
//
// Snapshots and deltas are stored as self-describing JSON (see ir.MarshalFields
// and ir.MarshalDelta), independent of the live entity schema.
//
// # Dialects
//
// SQLite (mattn/go-sqlite3) and PostgreSQL (jackc/pgx/v5 stdlib driver).
// Schema is managed by embedded goose migrations, one directory per dialect.
package store
