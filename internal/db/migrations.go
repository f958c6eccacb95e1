package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS handle_mappings (
	device_id TEXT NOT NULL,
	handle_hash TEXT NOT NULL CHECK(length(handle_hash) = 64),
	logical_app_id TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY(device_id, handle_hash)
);

CREATE TABLE IF NOT EXISTS configurations (
	logical_app_id TEXT PRIMARY KEY,
	category TEXT NOT NULL CHECK(category IN ('primary','secondary')),
	rate REAL NOT NULL DEFAULT 0 CHECK(rate >= 0),
	enabled INTEGER NOT NULL DEFAULT 1,
	enforced INTEGER NOT NULL DEFAULT 0,
	last_modified TEXT NOT NULL,
	origin_device_id TEXT NOT NULL,
	origin_role TEXT NOT NULL CHECK(origin_role IN ('controller','agent'))
);

CREATE TABLE IF NOT EXISTS usage_records (
	logical_app_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	session_start TEXT NOT NULL,
	session_end TEXT NOT NULL,
	category TEXT NOT NULL CHECK(category IN ('primary','secondary')),
	accumulated_seconds INTEGER NOT NULL CHECK(accumulated_seconds >= 0),
	derived_points REAL NOT NULL DEFAULT 0,
	synced INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY(logical_app_id, device_id, session_start)
);

CREATE INDEX IF NOT EXISTS usage_records_open
ON usage_records(device_id, logical_app_id, category, synced, session_end DESC);

CREATE TABLE IF NOT EXISTS commands (
	command_id TEXT PRIMARY KEY,
	direction TEXT NOT NULL CHECK(direction IN ('inbound','outbound')),
	target_device_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at TEXT NOT NULL,
	executed_at TEXT,
	status TEXT NOT NULL CHECK(status IN ('pending','executed','failed')),
	error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS commands_direction_status_created_at
ON commands(direction, status, created_at);

CREATE TABLE IF NOT EXISTS queue_items (
	queue_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	dedupe_key TEXT NOT NULL DEFAULT '',
	payload BLOB NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK(status IN ('queued','in_flight','failed'))
);

CREATE UNIQUE INDEX IF NOT EXISTS queue_items_live_dedupe
ON queue_items(dedupe_key)
WHERE status = 'queued' AND dedupe_key != '';

CREATE INDEX IF NOT EXISTS queue_items_status_created_at
ON queue_items(status, created_at);
`,
		DownSQL: `
DROP INDEX IF EXISTS queue_items_status_created_at;
DROP INDEX IF EXISTS queue_items_live_dedupe;
DROP TABLE IF EXISTS queue_items;
DROP INDEX IF EXISTS commands_direction_status_created_at;
DROP TABLE IF EXISTS commands;
DROP INDEX IF EXISTS usage_records_open;
DROP TABLE IF EXISTS usage_records;
DROP TABLE IF EXISTS configurations;
DROP TABLE IF EXISTS handle_mappings;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
