// Package backend is the abstraction over the black-box relational
// backend each node talks to over its native wire protocol (spec §1
// "the relational backend itself... is out of scope"; this package is
// the narrow seam the core calls through, grounded on
// go-sql-driver/mysql since the wire proxy and original_source both
// target MariaDB/MySQL).
package backend

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/wolfscale/wolfscale/internal/logentry"
	"github.com/wolfscale/wolfscale/internal/wolferr"
)

// Backend executes re-materialized log entries and raw SQL against a
// node's local relational backend, and reports its own health.
type Backend interface {
	Apply(ctx context.Context, entry logentry.LogEntry) error
	ExecRawSQL(ctx context.Context, sql string) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// SQLBackend is the go-sql-driver/mysql-backed Backend.
type SQLBackend struct {
	db *sql.DB
}

// Config configures the connection to the local backend.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open opens a connection pool to the backend identified by cfg.DSN.
// Opening does not itself verify connectivity; call HealthCheck for
// that (mirrors database/sql's lazy-connect semantics).
func Open(cfg Config) (*SQLBackend, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, wolferr.Wrap(wolferr.KindDatabase, err, "open backend dsn")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return &SQLBackend{db: db}, nil
}

// HealthCheck pings the backend (spec §4.6 "backend.health_check()").
func (b *SQLBackend) HealthCheck(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return wolferr.Wrap(wolferr.KindDatabaseHealth, err, "backend ping failed")
	}
	return nil
}

// Close closes the underlying connection pool.
func (b *SQLBackend) Close() error {
	return b.db.Close()
}

// ExecRawSQL executes sql verbatim. RawSQL replication entries do not
// come through here; they are applied through Apply like every other
// entry.
func (b *SQLBackend) ExecRawSQL(ctx context.Context, query string) error {
	if _, err := b.db.ExecContext(ctx, query); err != nil {
		return wolferr.Wrap(wolferr.KindDatabaseQuery, err, "exec raw sql")
	}
	return nil
}

// Apply re-materializes a log entry against the backend by rendering
// it to SQL via logentry.LogEntry.SQL() and executing each statement
// inside a transaction for Transaction entries, or directly otherwise.
func (b *SQLBackend) Apply(ctx context.Context, entry logentry.LogEntry) error {
	if txn, ok := entry.(logentry.Transaction); ok {
		return b.applyTransaction(ctx, txn)
	}
	for _, stmt := range entry.SQL() {
		if err := b.execStatement(ctx, entry, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLBackend) execStatement(ctx context.Context, entry logentry.LogEntry, stmt string) error {
	if _, err := b.db.ExecContext(ctx, stmt); err != nil {
		kind := wolferr.KindDatabaseQuery
		if isSchemaEntry(entry) {
			kind = wolferr.KindDatabaseSchema
		}
		return wolferr.Wrap(kind, err, "apply %s", entry.EntryKind())
	}
	return nil
}

func isSchemaEntry(entry logentry.LogEntry) bool {
	switch entry.EntryKind() {
	case logentry.KindAlterTable, logentry.KindCreateTable, logentry.KindDropTable,
		logentry.KindCreateIndex, logentry.KindDropIndex:
		return true
	default:
		return false
	}
}

func (b *SQLBackend) applyTransaction(ctx context.Context, txn logentry.Transaction) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return wolferr.Wrap(wolferr.KindDatabaseQuery, err, "begin transaction")
	}
	for _, entry := range txn.Entries {
		for _, stmt := range entry.SQL() {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return wolferr.Wrap(wolferr.KindDatabaseQuery, err, "apply transaction entry %s", entry.EntryKind())
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return wolferr.Wrap(wolferr.KindDatabaseQuery, err, "commit transaction")
	}
	return nil
}

// DriverName exposes the registered sql driver name for callers
// constructing their own *sql.DB.
const DriverName = "mysql"
