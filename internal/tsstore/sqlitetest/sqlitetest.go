// Package sqlitetest gives tsstore-dependent tests a real database/sql
// connection without a live Postgres instance, the same role the
// teacher's own lightweight sqlite backend plays next to its primary
// store.
package sqlitetest

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE build_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	build_id TEXT NOT NULL,
	timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	duration_seconds REAL, log_line_count REAL, char_density REAL,
	error_count REAL, warning_count REAL, step_count REAL,
	unique_templates REAL, template_entropy REAL, suspicious_pattern_count REAL,
	external_ip_count REAL, external_url_count REAL, base64_pattern_count REAL
);
CREATE INDEX idx_build_metrics_build_id ON build_metrics (build_id);

CREATE TABLE anomaly_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	build_id TEXT NOT NULL,
	timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	is_anomaly INTEGER NOT NULL,
	anomaly_score REAL NOT NULL,
	prediction INTEGER NOT NULL,
	confidence REAL NOT NULL,
	anomaly_reasons TEXT,
	top_features TEXT,
	model_version TEXT,
	raw_features TEXT
);
CREATE INDEX idx_anomaly_results_build_id ON anomaly_results (build_id);
`

// Open returns an in-memory sqlite database with the tsstore schema
// already applied, closed automatically when t finishes.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("applying schema: %v", err)
	}
	return db
}
