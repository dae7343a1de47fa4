// Package store persists learned state across daemon restarts: seasonal
// hysteresis patterns and thermal probe history, in a single SQLite file.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteDriverName = "sqlite"

const schemaHysteresisPatterns = `
CREATE TABLE IF NOT EXISTS hysteresis_patterns (
    id TEXT PRIMARY KEY,
    observed_at REAL NOT NULL,
    start_temp REAL NOT NULL,
    stop_temp REAL NOT NULL,
    outdoor_temp REAL NOT NULL
);
`

const schemaProbeResults = `
CREATE TABLE IF NOT EXISTS probe_results (
    id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    tau_value REAL NOT NULL,
    confidence REAL NOT NULL,
    duration_s INTEGER NOT NULL,
    fit_quality REAL NOT NULL,
    aborted BOOLEAN NOT NULL,
    outdoor_temp REAL
);
`

const schemaProbeResultsIndex = `
CREATE INDEX IF NOT EXISTS idx_probe_results_entity_time
ON probe_results(entity_id, created_at DESC);
`

// Open opens/creates the SQLite file and ensures the schema exists.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", path, err)
	}

	// SQLite tolerates exactly one writer; keep the pool honest about it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

func ensureSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, stmt := range []string{
		schemaHysteresisPatterns,
		schemaProbeResults,
		schemaProbeResultsIndex,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}
	return nil
}
