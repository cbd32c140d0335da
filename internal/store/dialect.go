package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/roach88/chronicle/internal/ir"
)

// Supported driver names for Config.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// sequenceName is the chronicle_sequence row holding the transaction counter.
const sequenceName = "transaction"

// Capabilities describes what a backend can guarantee.
type Capabilities struct {
	// AtomicCommit is true when history rows can be written in the same
	// multi-statement transaction as the business data.
	AtomicCommit bool

	// NativeSequence is true when ids come from a non-transactional database
	// sequence, so a rolled-back id is never handed out again.
	NativeSequence bool
}

// Dialect adapts the store to one database engine.
type Dialect interface {
	// Name is the configuration name, e.g. "sqlite".
	Name() string

	// DriverName is the database/sql driver to open.
	DriverName() string

	// GooseDialect selects the migration dialect.
	GooseDialect() goose.Dialect

	// MigrationsDir is the embedded migrations directory for this dialect.
	MigrationsDir() string

	// Capabilities reports backend guarantees.
	Capabilities() Capabilities

	// Configure applies pool limits and session settings after connecting.
	Configure(ctx context.Context, db *sql.DB, cfg Config) error

	// Rebind rewrites ? placeholders into the dialect's bind syntax.
	Rebind(query string) string

	// NextTransactionID read-and-increments the durable counter inside tx and
	// returns the new id and the clamped issue time. The counter row stays
	// locked until tx ends. The returned id is at least floor.
	NextTransactionID(ctx context.Context, tx *sql.Tx, floor ir.TransactionID, issuedAt time.Time) (ir.TransactionID, time.Time, error)

	// IsUniqueViolation reports whether err is a unique/primary key violation.
	IsUniqueViolation(err error) bool
}

// readPooler is implemented by dialects that serve reads from a second pool
// so that queries do not queue behind an open write transaction.
type readPooler interface {
	// ReadDSN derives the read pool DSN from dsn. ok is false when reads must
	// share the write pool.
	ReadDSN(dsn string) (readDSN string, ok bool)
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case DriverSQLite, "sqlite3":
		return SQLiteDialect{}, nil
	case DriverPostgres, "postgresql", "pgx":
		return PostgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q (expected %q or %q)", name, DriverSQLite, DriverPostgres)
	}
}

// SQLiteDialect stores history in SQLite via mattn/go-sqlite3.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string                { return DriverSQLite }
func (SQLiteDialect) DriverName() string          { return "sqlite3" }
func (SQLiteDialect) GooseDialect() goose.Dialect { return goose.DialectSQLite3 }
func (SQLiteDialect) MigrationsDir() string       { return "migrations/sqlite" }
func (SQLiteDialect) Rebind(query string) string  { return query }

func (SQLiteDialect) Capabilities() Capabilities {
	return Capabilities{AtomicCommit: true}
}

// ReadDSN opens the same file with query_only set. WAL lets those
// connections read the last committed state while a writer holds the lock.
// In-memory databases are private to one connection and cannot be shared.
func (SQLiteDialect) ReadDSN(dsn string) (string, bool) {
	if isMemoryDSN(dsn) {
		return "", false
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_query_only=1&_busy_timeout=5000", true
}

func isMemoryDSN(dsn string) bool {
	return dsn == "" ||
		strings.Contains(dsn, ":memory:") ||
		strings.Contains(dsn, "mode=memory")
}

// Configure limits the write pool to one connection and applies pragmas.
// Reads against a file database go through the pool opened from ReadDSN.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func (SQLiteDialect) Configure(ctx context.Context, db *sql.DB, _ Config) error {
	// SQLite only supports one writer at a time, and ":memory:" databases are
	// per-connection, so keep exactly one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// NextTransactionID bumps the counter row. The UPDATE takes SQLite's write
// lock, which is held until the transaction ends.
func (SQLiteDialect) NextTransactionID(ctx context.Context, tx *sql.Tx, floor ir.TransactionID, issuedAt time.Time) (ir.TransactionID, time.Time, error) {
	var id, issued int64
	err := tx.QueryRowContext(ctx, `
		UPDATE chronicle_sequence
		SET last_value = MAX(last_value + 1, ?),
		    last_issued_at = MAX(last_issued_at, ?)
		WHERE name = ?
		RETURNING last_value, last_issued_at
	`, int64(floor), issuedAt.UnixMicro(), sequenceName).Scan(&id, &issued)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("next transaction id: %w", err)
	}
	return ir.TransactionID(id), fromMicros(issued), nil
}

func (SQLiteDialect) IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// PostgresDialect stores history in PostgreSQL via the pgx stdlib driver.
type PostgresDialect struct{}

func (PostgresDialect) Name() string                { return DriverPostgres }
func (PostgresDialect) DriverName() string          { return "pgx" }
func (PostgresDialect) GooseDialect() goose.Dialect { return goose.DialectPostgres }
func (PostgresDialect) MigrationsDir() string       { return "migrations/postgres" }

func (PostgresDialect) Capabilities() Capabilities {
	return Capabilities{AtomicCommit: true, NativeSequence: true}
}

func (PostgresDialect) Configure(_ context.Context, db *sql.DB, cfg Config) error {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return nil
}

// Rebind converts ? placeholders to $1, $2, ...
// Queries in this package never contain a literal question mark.
func (PostgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// NextTransactionID draws from a native sequence through the locked counter
// row. nextval is never rolled back, so ids are never reused; the row lock
// orders assignment by commit. floor is not needed and ignored.
func (PostgresDialect) NextTransactionID(ctx context.Context, tx *sql.Tx, _ ir.TransactionID, issuedAt time.Time) (ir.TransactionID, time.Time, error) {
	var id, issued int64
	err := tx.QueryRowContext(ctx, `
		UPDATE chronicle_sequence
		SET last_value = nextval('chronicle_transaction_id_seq'),
		    last_issued_at = GREATEST(last_issued_at, $1)
		WHERE name = $2
		RETURNING last_value, last_issued_at
	`, issuedAt.UnixMicro(), sequenceName).Scan(&id, &issued)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("next transaction id: %w", err)
	}
	return ir.TransactionID(id), fromMicros(issued), nil
}

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func (PostgresDialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}
