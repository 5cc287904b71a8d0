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
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_uid TEXT NOT NULL UNIQUE,
	track TEXT NOT NULL CHECK(track IN ('local','cloud')),
	origin TEXT NOT NULL DEFAULT 'device' CHECK(origin IN ('device','remote')),
	owner_id TEXT,
	start_time TEXT NOT NULL,
	end_time TEXT,
	total_events INTEGER NOT NULL DEFAULT 0,
	avg_rate REAL NOT NULL DEFAULT 0,
	max_rate REAL NOT NULL DEFAULT 0,
	derived_score INTEGER,
	sync_state TEXT NOT NULL DEFAULT 'unsynced' CHECK(sync_state IN ('unsynced','syncing','synced','conflict')),
	remote_id TEXT,
	created_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS sessions_open_per_track
ON sessions(track)
WHERE end_time IS NULL AND origin = 'device';

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	sequence_value INTEGER NOT NULL,
	rate REAL NOT NULL,
	signal_quality REAL,
	cpu_usage REAL,
	memory_usage REAL,
	sync_state TEXT NOT NULL DEFAULT 'unsynced' CHECK(sync_state IN ('unsynced','syncing','synced')),
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS sync_cursor (
	owner_id TEXT PRIMARY KEY,
	last_synced_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS events_session_id
ON events(session_id);

CREATE INDEX IF NOT EXISTS events_session_timestamp
ON events(session_id, timestamp ASC);

CREATE INDEX IF NOT EXISTS events_sync_state
ON events(sync_state);

CREATE INDEX IF NOT EXISTS sessions_start_time
ON sessions(start_time DESC);

CREATE INDEX IF NOT EXISTS sessions_sync_state
ON sessions(sync_state);
`,
		DownSQL: `
DROP INDEX IF EXISTS sessions_sync_state;
DROP INDEX IF EXISTS sessions_start_time;
DROP INDEX IF EXISTS events_sync_state;
DROP INDEX IF EXISTS events_session_timestamp;
DROP INDEX IF EXISTS events_session_id;
DROP TABLE IF EXISTS sync_cursor;
DROP TABLE IF EXISTS events;
DROP INDEX IF EXISTS sessions_open_per_track;
DROP TABLE IF EXISTS sessions;
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
		if err != nil && err != sql.ErrNoRows {
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
