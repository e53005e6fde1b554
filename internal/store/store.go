// Package store provides SQL-backed persistence for drydock: versioned
// documents, leased locks, tasks, execution logs and the audit journal.
//
// Two dialects are supported. SQLite (modernc.org/sqlite) serves single-host
// deployments and tests; PostgreSQL (pgx) serves several controller replicas
// sharing one store. Every mutation that other instances can race on is a
// single conditional write, so the database is the only coordination medium.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and tunes the backing database.
type Config struct {
	Driver         string
	DSN            string
	MaxOpenConns   int
	ConnectTimeout time.Duration
}

// Store provides access to the drydock database.
type Store struct {
	db       *sql.DB
	postgres bool
	now      func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for document and audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens a SQLite store at dbPath and runs migrations.
func New(dbPath string, opts ...Option) (*Store, error) {
	return Open(context.Background(), Config{Driver: DriverSQLite, DSN: dbPath}, opts...)
}

// Open connects to the configured database, waits for it to answer and
// brings the schema up to date.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	var (
		driverName string
		dsn        string
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		dir := filepath.Dir(cfg.DSN)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		driverName = "sqlite"
		dsn = sqliteDSN(cfg.DSN)
	case DriverPostgres:
		driverName = "pgx"
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{db: db, postgres: cfg.Driver == DriverPostgres, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if s.postgres {
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 10
		}
		db.SetMaxOpenConns(maxOpen)
	} else {
		// SQLite only supports one writer at a time.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	if err := pingWithRetry(ctx, db, connectTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := migrateUp(driverName, dsn, s.postgres); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func sqliteDSN(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
}

// pingWithRetry waits for the database with exponential backoff, so a
// controller started next to its database does not crash-loop.
func pingWithRetry(ctx context.Context, db *sql.DB, maxElapsed time.Duration) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond
	expBackoff.MaxInterval = 5 * time.Second
	expBackoff.MaxElapsedTime = maxElapsed

	operation := func() error {
		return db.PingContext(ctx)
	}
	return backoff.Retry(operation, backoff.WithContext(expBackoff, ctx))
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) unixNow() int64 {
	return s.now().Unix()
}

// q rewrites ?-style placeholders into the dialect's form.
func (s *Store) q(query string) string {
	if !s.postgres {
		return query
	}
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

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// withTx runs fn inside a transaction, committing only when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}
