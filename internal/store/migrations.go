package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	return s.migrateV1()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		awareness   TEXT NOT NULL,
		confidence  REAL NOT NULL,
		context     TEXT NOT NULL,
		source      TEXT,
		created_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, created_at);

	CREATE TABLE IF NOT EXISTS raw_signals (
		kind        TEXT NOT NULL,
		value       REAL NOT NULL,
		source      TEXT NOT NULL,
		created_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_signals_kind ON raw_signals(kind, created_at);

	CREATE TABLE IF NOT EXISTS trust_state (
		id                     INTEGER PRIMARY KEY CHECK (id = 1),
		phase                  TEXT NOT NULL,
		score                  REAL NOT NULL,
		days_active            INTEGER NOT NULL,
		accepted_count         INTEGER NOT NULL,
		completed_count        INTEGER NOT NULL,
		override_count         INTEGER NOT NULL,
		consecutive_rejections INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL,
		version                INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS derived_metrics (
		kind          TEXT NOT NULL,
		value         REAL NOT NULL,
		confidence    REAL NOT NULL,
		version       TEXT NOT NULL,
		computed_at   INTEGER NOT NULL,
		window_start  INTEGER NOT NULL,
		window_end    INTEGER NOT NULL,
		input_digest  TEXT NOT NULL,
		explanation   TEXT NOT NULL,
		PRIMARY KEY (kind, version, window_start, window_end)
	);

	CREATE INDEX IF NOT EXISTS idx_metrics_kind ON derived_metrics(kind, computed_at);

	CREATE TABLE IF NOT EXISTS decision_receipts (
		id          TEXT PRIMARY KEY,
		action_kind TEXT NOT NULL,
		payload     TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_receipts_expires ON decision_receipts(expires_at);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}
	return nil
}
