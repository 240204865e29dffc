// Package storage implements the staging store: the on-disk
// patient/study/series layout, the per-series instance index, and the
// session/scan/upload-log records backing it.
package storage

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS patient_mappings (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	original_name     TEXT NOT NULL,
	original_id       TEXT NOT NULL,
	anonymous_name    TEXT NOT NULL UNIQUE,
	anonymous_id      TEXT NOT NULL UNIQUE,
	patient_level_phi TEXT NOT NULL DEFAULT '{}',
	created_at        TIMESTAMP NOT NULL,
	UNIQUE (original_name, original_id)
);

CREATE TABLE IF NOT EXISTS sessions (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	study_instance_uid TEXT NOT NULL UNIQUE,
	patient_name       TEXT NOT NULL,
	patient_id         TEXT NOT NULL,
	study_date         TEXT NOT NULL DEFAULT '',
	study_time         TEXT NOT NULL DEFAULT '',
	study_description  TEXT NOT NULL DEFAULT '',
	accession_number   TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'incomplete',
	last_received_at   TIMESTAMP NOT NULL,
	completed_at       TIMESTAMP,
	storage_path       TEXT NOT NULL,
	study_level_phi    TEXT NOT NULL DEFAULT '{}',
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_patient_id ON sessions (patient_id);

CREATE TABLE IF NOT EXISTS scans (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id          INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	series_instance_uid TEXT NOT NULL UNIQUE,
	series_number       TEXT NOT NULL DEFAULT '',
	modality            TEXT NOT NULL DEFAULT '',
	series_description  TEXT NOT NULL DEFAULT '',
	storage_path        TEXT NOT NULL,
	instances_count     INTEGER NOT NULL DEFAULT 0,
	series_level_phi    TEXT NOT NULL DEFAULT '{}',
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scans_session_id ON scans (session_id);

CREATE TABLE IF NOT EXISTS upload_logs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id       INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	attempt_number   INTEGER NOT NULL,
	status           TEXT NOT NULL,
	api_response_id  TEXT NOT NULL DEFAULT '',
	upload_file_size INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	error_code       TEXT NOT NULL DEFAULT '',
	started_at       TIMESTAMP,
	completed_at     TIMESTAMP,
	duration_seconds REAL NOT NULL DEFAULT 0,
	chunk_index      INTEGER,
	total_chunks     INTEGER,
	created_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_upload_logs_session_id ON upload_logs (session_id);
`

// Open opens (or creates) the proxy database and applies the schema.
func Open(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; one connection avoids lock contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return db, nil
}
