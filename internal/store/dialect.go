package store

import (
	"fmt"
	"strings"
)

// dialect holds the statements that differ between SQL backends. Queries are
// written with ? placeholders and rebound by sqlx for postgres.
type dialect struct {
	name       string // store.driver value
	driverName string // database/sql driver
	migrations []string

	// lockSuffix is appended to candidate selection inside a claim
	// transaction so concurrent claimers skip rows another transaction holds.
	lockSuffix string
}

var dialects = map[string]dialect{
	"sqlite": {
		name:       "sqlite",
		driverName: "sqlite",
		migrations: sqliteMigrations,
	},
	"postgres": {
		name:       "postgres",
		driverName: "pgx",
		migrations: postgresMigrations,
		lockSuffix: " FOR UPDATE SKIP LOCKED",
	},
	"mysql": {
		name:       "mysql",
		driverName: "mysql",
		migrations: mysqlMigrations,
		lockSuffix: " FOR UPDATE SKIP LOCKED",
	},
}

func lookupDialect(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return dialects["sqlite"], nil
	case "postgres", "postgresql", "pgx":
		return dialects["postgres"], nil
	case "mysql":
		return dialects["mysql"], nil
	default:
		return dialect{}, fmt.Errorf("unsupported store driver %q (want sqlite, postgres or mysql)", driver)
	}
}

// insertIgnore returns an INSERT that silently skips rows whose key already
// exists. RowsAffected is 1 for an inserted row and 0 for a skipped one.
func (d dialect) insertIgnore(table, columns string) string {
	n := len(strings.Split(columns, ","))
	values := strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
	if d.name == "mysql" {
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, columns, values)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, columns, values)
}

// markerUpsert takes the per-owner allocation marker. Inserting or updating
// the row locks it until the claim transaction ends, which serializes
// allocations for the same owner.
func (d dialect) markerUpsert() string {
	if d.name == "mysql" {
		return `INSERT INTO allocations (owner_id, attempts, updated_at) VALUES (?, 1, ?)
			ON DUPLICATE KEY UPDATE attempts = attempts + 1, updated_at = VALUES(updated_at)`
	}
	return `INSERT INTO allocations (owner_id, attempts, updated_at) VALUES (?, 1, ?)
		ON CONFLICT (owner_id) DO UPDATE SET attempts = allocations.attempts + 1, updated_at = excluded.updated_at`
}
