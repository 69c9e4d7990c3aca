package sqlitetest

import "testing"

func TestOpenAppliesSchema(t *testing.T) {
	db := Open(t)

	if _, err := db.Exec(`INSERT INTO build_metrics (build_id, duration_seconds) VALUES (?, ?)`, "b1", 12.5); err != nil {
		t.Fatalf("inserting build metrics: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO anomaly_results (build_id, is_anomaly, anomaly_score, prediction, confidence) VALUES (?, ?, ?, ?, ?)`,
		"b1", 0, 0.3, 1, 0.7); err != nil {
		t.Fatalf("inserting anomaly result: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT count(*) FROM build_metrics WHERE build_id = ?`, "b1").Scan(&count); err != nil {
		t.Fatalf("querying: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}
