package store

import (
	"fmt"
	"strings"
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		lookup_hash TEXT UNIQUE NOT NULL,
		key_prefix TEXT NOT NULL,
		scope_type TEXT NOT NULL,
		scope_namespace TEXT NOT NULL DEFAULT '',
		rate_limit INTEGER NOT NULL DEFAULT 100,
		revoked INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		last_used_at DATETIME,
		expires_at DATETIME,
		rotated_from TEXT,
		rotated_at DATETIME
	)`,

	`CREATE INDEX IF NOT EXISTS idx_api_keys_lookup_hash ON api_keys(lookup_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_created_at ON api_keys(created_at)`,

	// Key-value settings table (rotation webhook secret, instance ID, etc.)
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	)`,
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		lookup_hash TEXT UNIQUE NOT NULL,
		key_prefix TEXT NOT NULL,
		scope_type TEXT NOT NULL,
		scope_namespace TEXT NOT NULL DEFAULT '',
		rate_limit INTEGER NOT NULL DEFAULT 100,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		last_used_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ,
		rotated_from TEXT,
		rotated_at TIMESTAMPTZ
	)`,

	`CREATE INDEX IF NOT EXISTS idx_api_keys_lookup_hash ON api_keys(lookup_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_created_at ON api_keys(created_at)`,

	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	)`,
}

func (s *Store) migrate() error {
	migrations := sqliteMigrations
	if s.db.DriverName() == "pgx" {
		migrations = postgresMigrations
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// ALTER TABLE ADD COLUMN fails if the column already exists;
			// treat "duplicate column" as a no-op for idempotent migrations.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
