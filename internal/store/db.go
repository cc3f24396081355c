package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Open creates (if needed) and opens the SQLite database backing the engine.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL; PRAGMA temp_store=MEMORY;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the persisted tables. The fingerprint column on raw_logs
// is the stable raw-entry identity that makes job reruns idempotent.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS raw_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			level TEXT NOT NULL CHECK (level IN ('ERROR','WARNING','INFO','DEBUG')),
			category TEXT NOT NULL,
			message TEXT NOT NULL,
			raw_log TEXT NOT NULL,
			file_name TEXT NOT NULL,
			line_number INTEGER NOT NULL,
			source_archive TEXT NOT NULL,
			ingested_at DATETIME NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_raw_logs_fingerprint ON raw_logs(fingerprint);`,
		`CREATE TABLE IF NOT EXISTS processed_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			raw_log_id INTEGER NOT NULL,
			timestamp DATETIME NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			generalized_message TEXT NOT NULL,
			file_name TEXT NOT NULL,
			line_number INTEGER NOT NULL,
			problem_id INTEGER NOT NULL DEFAULT 0,
			anomaly_id INTEGER NOT NULL DEFAULT 0,
			match_score REAL NOT NULL DEFAULT 0,
			processed_at DATETIME NOT NULL,
			model_used TEXT NOT NULL,
			FOREIGN KEY(raw_log_id) REFERENCES raw_logs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS analysis_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scenario_id TEXT NOT NULL,
			analysis_date DATETIME NOT NULL,
			total_logs INTEGER NOT NULL,
			total_errors INTEGER NOT NULL,
			total_warnings INTEGER NOT NULL,
			unique_problems INTEGER NOT NULL,
			unique_anomalies INTEGER NOT NULL,
			time_range_start DATETIME,
			time_range_end DATETIME,
			result_json TEXT NOT NULL,
			model_used TEXT NOT NULL,
			processing_duration_sec REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scenario_id TEXT NOT NULL,
			anomaly_id INTEGER NOT NULL,
			problem_id INTEGER NOT NULL,
			error_file TEXT NOT NULL,
			error_line INTEGER NOT NULL,
			error_log TEXT NOT NULL,
			warning_file TEXT NOT NULL,
			warning_line INTEGER NOT NULL,
			warning_log TEXT NOT NULL,
			impact_score REAL NOT NULL,
			error_timestamp DATETIME NOT NULL,
			warning_timestamp DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS predictive_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scenario_id TEXT NOT NULL,
			alert_type TEXT NOT NULL DEFAULT 'anomaly_precursor',
			trigger_anomaly_id INTEGER NOT NULL,
			trigger_log TEXT NOT NULL,
			trigger_timestamp DATETIME NOT NULL,
			predicted_problem_id INTEGER NOT NULL,
			confidence_score REAL NOT NULL,
			is_verified INTEGER NOT NULL DEFAULT 0,
			verified_at DATETIME,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS novel_anomalies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scenario_id TEXT NOT NULL,
			anomaly_id INTEGER NOT NULL DEFAULT 0,
			warning_message TEXT NOT NULL,
			warning_log TEXT NOT NULL,
			warning_file TEXT NOT NULL,
			warning_line INTEGER NOT NULL,
			warning_timestamp DATETIME NOT NULL,
			correlated_problem_id INTEGER NOT NULL DEFAULT 0,
			correlation_score REAL NOT NULL DEFAULT 0,
			time_delta_seconds REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'NEW',
			reviewed_at DATETIME,
			notes TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS etl_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_name TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('PENDING','RUNNING','COMPLETED','FAILED')),
			started_at DATETIME,
			completed_at DATETIME,
			duration_seconds REAL NOT NULL DEFAULT 0,
			source_path TEXT NOT NULL,
			source_type TEXT NOT NULL,
			records_processed INTEGER NOT NULL DEFAULT 0,
			records_loaded INTEGER NOT NULL DEFAULT 0,
			errors_count INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_raw_logs_archive_ts ON raw_logs(source_archive, timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_processed_logs_raw ON processed_logs(raw_log_id);`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_scenario_ts ON incidents(scenario_id, error_timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_scenario_ts ON predictive_alerts(scenario_id, trigger_timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_scenario_ts ON novel_anomalies(scenario_id, warning_timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_etl_jobs_status ON etl_jobs(status, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}
