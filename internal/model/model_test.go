package model

import (
	"path/filepath"
	"testing"

	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

func trainingRows(n int) []TrainingRow {
	rows := make([]TrainingRow, n)
	for i := 0; i < n; i++ {
		rows[i] = TrainingRow{Vector: []float64{
			120, 500, 40, 2, 3, 8, 30, 3.5, 0, 0, 0, 0,
		}}
	}
	return rows
}

func TestTrainRequiresMinimumSamples(t *testing.T) {
	_, err := Train(trainingRows(5), DefaultForestConfig(), "v1")
	if err == nil {
		t.Fatal("expected error for too few samples")
	}
}

func TestTrainAndPredictNormalBuild(t *testing.T) {
	m, err := Train(trainingRows(150), DefaultForestConfig(), "v1")
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}

	pred := m.Predict(models.BuildFeatures{
		DurationSeconds: 130, LogLineCount: 520, CharDensity: 41,
		ErrorCount: 2, WarningCount: 3, StepCount: 8, UniqueTemplates: 31,
		TemplateEntropy: 3.4,
	})
	if pred.IsAnomaly {
		t.Fatalf("expected a near-identical build to be classified normal, got reasons %v", pred.Reasons)
	}
}

func TestSecurityOverrideForcesAnomaly(t *testing.T) {
	m, err := Train(trainingRows(150), DefaultForestConfig(), "v1")
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}

	pred := m.Predict(models.BuildFeatures{
		DurationSeconds: 130, LogLineCount: 520, CharDensity: 41,
		ErrorCount: 2, WarningCount: 3, StepCount: 8, UniqueTemplates: 31,
		TemplateEntropy: 3.4, SuspiciousPatternCount: 3,
	})
	if !pred.IsAnomaly {
		t.Fatal("expected suspicious_pattern_count >= 1 to force is_anomaly")
	}
	if pred.RawScore > 0 {
		t.Fatalf("expected coerced negative score, got %v", pred.RawScore)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m, err := Train(trainingRows(150), DefaultForestConfig(), "v1")
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}

	dir := t.TempDir()
	if err := Save(m, dir); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	want := m.Predict(models.BuildFeatures{DurationSeconds: 130, LogLineCount: 520})
	got := loaded.Predict(models.BuildFeatures{DurationSeconds: 130, LogLineCount: 520})
	if want.IsAnomaly != got.IsAnomaly || want.Prediction != got.Prediction {
		t.Fatalf("round-tripped model disagrees with original: want %+v got %+v", want, got)
	}

	if _, err := Backup(dir); err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	backups, err := filepath.Glob(filepath.Join(dir, "backups", "*"))
	if err != nil || len(backups) != 1 {
		t.Fatalf("expected one backup directory, got %v (err %v)", backups, err)
	}
}

func TestTopContributingFeaturesSortedByAbsZScore(t *testing.T) {
	scaler := &Scaler{
		Mean: []float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100},
		Std:  []float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 10},
	}
	raw := models.VectorToMap([]float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 400, 100, 100})
	top := topContributingFeatures(raw, scaler)
	if len(top) != 5 {
		t.Fatalf("expected top 5 features, got %d", len(top))
	}
	if top[0].Feature != "external_ip_count" {
		t.Fatalf("expected external_ip_count to dominate, got %q", top[0].Feature)
	}
	if top[0].Deviation != "high" {
		t.Fatalf("expected high deviation label, got %q", top[0].Deviation)
	}
}
