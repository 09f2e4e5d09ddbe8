// Package store persists the mailbox pool and the usage ledger in SQL.
// SQLite is the default; PostgreSQL and MySQL serve deployments where
// several mailgate processes share one database. All gate and claim
// decisions are conditional writes, so correctness holds across processes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/mailgate/mailgate/internal/model"
)

// ErrNotFound is returned when a requested resource does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store is the SQL-backed resource pool and ledger.
type Store struct {
	db      *sqlx.DB
	dialect dialect
}

// Open connects to the database named by driver and dsn and applies
// migrations. An empty sqlite DSN opens a private in-memory database.
func Open(driver, dsn string) (*Store, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}

	connDSN, err := normalizeDSN(d.name, dsn)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Connect(d.driverName, connDSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", d.name, err)
	}

	if d.name == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	}

	s := &Store{db: db, dialect: d}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s store: %w", d.name, err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the dialect name: sqlite, postgres or mysql.
func (s *Store) Driver() string {
	return s.dialect.name
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return model.StoreError("ping", s.db.PingContext(ctx))
}

// rebind converts ? placeholders to the dialect's bind style.
func (s *Store) rebind(q string) string {
	return s.db.Rebind(q)
}

func normalizeDSN(driver, dsn string) (string, error) {
	switch driver {
	case "sqlite":
		return sqliteDSN(dsn)
	case "postgres":
		if dsn == "" {
			return "", errors.New("postgres store requires a DSN")
		}
		return sanitizeURLDSN(dsn), nil
	case "mysql":
		if dsn == "" {
			return "", errors.New("mysql store requires a DSN")
		}
		return sanitizeMySQLDSN(dsn), nil
	}
	return dsn, nil
}

// sqliteDSN turns a bare file path into a modernc DSN with WAL and a busy
// timeout. DSNs that already carry options are passed through.
func sqliteDSN(dsn string) (string, error) {
	if dsn == "" || dsn == ":memory:" {
		return ":memory:", nil
	}
	if strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, "?") {
		return dsn, nil
	}
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create data dir: %w", err)
		}
	}
	return "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
}

// affected reports whether a conditional write changed exactly one row.
func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
