package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Config selects and tunes the database backend.
type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string

	// DSN is a file path (or ":memory:") for sqlite, a connection string for postgres.
	DSN string

	// MaxOpenConns bounds the postgres pool and the SQLite read pool. SQLite
	// always writes through one connection.
	MaxOpenConns int

	// SkipMigrations leaves the schema untouched on Open.
	SkipMigrations bool
}

// Store provides durable, append-only storage for version history.
type Store struct {
	db      *sql.DB
	dialect Dialect

	// read serves queries that do not take a Querier. It is db itself unless
	// the dialect opens a separate read-only pool.
	read *sql.DB

	floor *Floor
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
// Reads that must observe the caller's uncommitted writes take a Querier.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to the configured backend, applies connection settings and
// runs pending migrations.
//
// This function is idempotent - safe to call multiple times on the same database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := dialect.Configure(ctx, db, cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure %s: %w", dialect.Name(), err)
	}

	s := &Store{db: db, dialect: dialect, read: db, floor: NewFloor()}

	if !cfg.SkipMigrations {
		if _, err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	if rp, ok := dialect.(readPooler); ok {
		if err := s.openReadPool(ctx, rp, cfg); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) openReadPool(ctx context.Context, rp readPooler, cfg Config) error {
	readDSN, ok := rp.ReadDSN(cfg.DSN)
	if !ok {
		return nil
	}
	read, err := sql.Open(s.dialect.DriverName(), readDSN)
	if err != nil {
		return fmt.Errorf("failed to open read pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		read.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := read.PingContext(ctx); err != nil {
		read.Close()
		return fmt.Errorf("failed to connect read pool: %w", err)
	}
	s.read = read
	return nil
}

// OpenSQLite opens a SQLite store at path. Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*Store, error) {
	return Open(context.Background(), Config{Driver: DriverSQLite, DSN: path})
}

// Close closes the read pool and the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if s.read != nil && s.read != s.db {
		if err := s.read.Close(); err != nil {
			s.db.Close()
			return err
		}
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB.
// Host applications use it to begin the transactions their business writes
// and history appends share.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the active dialect adapter.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// WithDialect returns a Store sharing the same connection pools and id
// floor but using d. Used to wrap a dialect, e.g. to declare reduced
// capabilities.
func (s *Store) WithDialect(d Dialect) *Store {
	return &Store{db: s.db, dialect: d, read: s.read, floor: s.floor}
}

// IDFloor returns the id floor shared by every sequencer drawing from this
// store.
func (s *Store) IDFloor() *Floor {
	return s.floor
}

// BeginTx starts a transaction on the underlying database.
func (s *Store) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	return s.read.PingContext(ctx)
}

// q rebinds a query written with ? placeholders for the active dialect.
func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

// querier returns q, or the read pool when q is nil.
func (s *Store) querier(q Querier) Querier {
	if q == nil {
		return s.read
	}
	return q
}
