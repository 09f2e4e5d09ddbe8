package store

import (
	"fmt"
	"strings"
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS email_resources (
		address TEXT PRIMARY KEY,
		protocol TEXT NOT NULL,
		owner_id TEXT,
		banned INTEGER NOT NULL DEFAULT 0,
		password TEXT NOT NULL DEFAULT '',
		client_id TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		claimed_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_email_resources_pick ON email_resources(protocol, banned, owner_id)`,
	`CREATE INDEX IF NOT EXISTS idx_email_resources_owner ON email_resources(owner_id)`,

	`CREATE TABLE IF NOT EXISTS allocations (
		owner_id TEXT PRIMARY KEY,
		attempts INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS card_key_uses (
		card_key TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		used_at INTEGER NOT NULL,
		used_by TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS invite_counters (
		invite_id TEXT PRIMARY KEY,
		used INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS invite_uses (
		id TEXT PRIMARY KEY,
		invite_id TEXT NOT NULL,
		used_at INTEGER NOT NULL,
		used_by TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invite_uses_invite ON invite_uses(invite_id)`,
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS email_resources (
		address TEXT PRIMARY KEY,
		protocol TEXT NOT NULL,
		owner_id TEXT,
		banned INTEGER NOT NULL DEFAULT 0,
		password TEXT NOT NULL DEFAULT '',
		client_id TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		claimed_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_email_resources_pick ON email_resources(protocol, banned, owner_id)`,
	`CREATE INDEX IF NOT EXISTS idx_email_resources_owner ON email_resources(owner_id)`,

	`CREATE TABLE IF NOT EXISTS allocations (
		owner_id TEXT PRIMARY KEY,
		attempts INTEGER NOT NULL DEFAULT 1,
		updated_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS card_key_uses (
		card_key TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		used_at BIGINT NOT NULL,
		used_by TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS invite_counters (
		invite_id TEXT PRIMARY KEY,
		used INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS invite_uses (
		id TEXT PRIMARY KEY,
		invite_id TEXT NOT NULL,
		used_at BIGINT NOT NULL,
		used_by TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invite_uses_invite ON invite_uses(invite_id)`,
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes are declared inline.
var mysqlMigrations = []string{
	`CREATE TABLE IF NOT EXISTS email_resources (
		address VARCHAR(320) NOT NULL PRIMARY KEY,
		protocol VARCHAR(16) NOT NULL,
		owner_id VARCHAR(191) NULL,
		banned INTEGER NOT NULL DEFAULT 0,
		password TEXT NOT NULL,
		client_id VARCHAR(255) NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		claimed_at BIGINT NULL,
		INDEX idx_email_resources_pick (protocol, banned, owner_id),
		INDEX idx_email_resources_owner (owner_id)
	)`,

	`CREATE TABLE IF NOT EXISTS allocations (
		owner_id VARCHAR(191) NOT NULL PRIMARY KEY,
		attempts INTEGER NOT NULL DEFAULT 1,
		updated_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS card_key_uses (
		card_key VARCHAR(512) NOT NULL PRIMARY KEY,
		id VARCHAR(64) NOT NULL,
		used_at BIGINT NOT NULL,
		used_by VARCHAR(191) NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS invite_counters (
		invite_id VARCHAR(64) NOT NULL PRIMARY KEY,
		used INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS invite_uses (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		invite_id VARCHAR(64) NOT NULL,
		used_at BIGINT NOT NULL,
		used_by VARCHAR(191) NOT NULL DEFAULT '',
		method VARCHAR(32) NOT NULL DEFAULT '',
		INDEX idx_invite_uses_invite (invite_id)
	)`,
}

func (s *Store) migrate() error {
	for _, m := range s.dialect.migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Re-running an ALTER or inline index on an existing schema is a
			// no-op for idempotent migrations.
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "duplicate key name") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
