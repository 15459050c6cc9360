// Package database opens the per-service relational store and builds dialect-aware SQL.
//
// Three drivers are supported: "postgres" (lib/pq), "pgx" (pgx stdlib) and "sqlite" (modernc, used for
// local development and tests). Queries are built with goqu in prepared mode so the same builder code
// yields $n placeholders on PostgreSQL and ? placeholders on SQLite.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite"
)

func init() {
	goqu.SetDefaultPrepared(true)
}

// DB is a sqlx handle that knows its SQL dialect.
type DB struct {
	*sqlx.DB
	Driver  string
	Dialect goqu.DialectWrapper
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	var dialect string
	switch driver {
	case DriverPostgres, DriverPgx:
		dialect = "postgres"
	case DriverSQLite:
		dialect = "sqlite3"
		dsn = withSQLitePragmas(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return &DB{DB: db, Driver: driver, Dialect: goqu.Dialect(dialect)}, nil
}

// withSQLitePragmas appends per-connection pragmas understood by modernc.org/sqlite.
// Times are written in SQLite's own layout so DATETIME columns compare and scan back as time.Time.
func withSQLitePragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_time_format=sqlite"
}

// IsSQLite reports whether the handle talks to SQLite.
func (db *DB) IsSQLite() bool {
	return db.Driver == DriverSQLite
}

// Migrate executes the schema file matching the dialect: schema/postgres.sql or schema/sqlite.sql.
// Statements must be idempotent (CREATE ... IF NOT EXISTS).
func (db *DB) Migrate(ctx context.Context, schemas fs.FS) error {
	name := "schema/postgres.sql"
	if db.IsSQLite() {
		name = "schema/sqlite.sql"
	}
	ddl, err := fs.ReadFile(schemas, name)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	for _, stmt := range strings.Split(string(ddl), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %s: %w", name, err)
		}
	}
	return nil
}

// Builder is any goqu dataset.
type Builder interface {
	ToSQL() (string, []interface{}, error)
}

// Queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type Queryer interface {
	sqlx.ExtContext
}

// Get runs a single-row query built by b and scans it into dest.
func Get(ctx context.Context, q Queryer, dest any, b Builder) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return sqlx.GetContext(ctx, q, dest, query, args...)
}

// Select runs a multi-row query built by b and scans it into dest.
func Select(ctx context.Context, q Queryer, dest any, b Builder) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return sqlx.SelectContext(ctx, q, dest, query, args...)
}

// Exec runs a statement built by b and returns the number of affected rows.
func Exec(ctx context.Context, q Queryer, b Builder) (int64, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build statement: %w", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertID runs an insert and returns the generated "id" column.
// PostgreSQL drivers do not implement LastInsertId, so they get a RETURNING clause instead.
func (db *DB) InsertID(ctx context.Context, q Queryer, ds *goqu.InsertDataset) (int64, error) {
	if db.IsSQLite() {
		query, args, err := ds.ToSQL()
		if err != nil {
			return 0, fmt.Errorf("build insert: %w", err)
		}
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}

	query, args, err := ds.Returning("id").ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build insert: %w", err)
	}
	var id int64
	if err := q.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// WithTx runs fn inside a transaction, committing on success and rolling back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
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

// IsNoRows reports whether err means the query matched nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsUniqueViolation reports whether err is a unique constraint violation on any supported driver.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
