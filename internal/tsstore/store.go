// Package tsstore is the timeseries side of persistence: per-build
// metrics and anomaly-detection results, each time-partition-friendly via
// a timestamp column and indexes, stored in Postgres through pgx.
//
// The original Python ran these tables under TimescaleDB hypertables; no
// Timescale-equivalent extension exists anywhere in the pack, so this
// keeps plain indexed Postgres tables instead (see DESIGN.md).
package tsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS build_metrics (
	id BIGSERIAL PRIMARY KEY,
	build_id TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
	duration_seconds DOUBLE PRECISION,
	log_line_count DOUBLE PRECISION,
	char_density DOUBLE PRECISION,
	error_count DOUBLE PRECISION,
	warning_count DOUBLE PRECISION,
	step_count DOUBLE PRECISION,
	unique_templates DOUBLE PRECISION,
	template_entropy DOUBLE PRECISION,
	suspicious_pattern_count DOUBLE PRECISION,
	external_ip_count DOUBLE PRECISION,
	external_url_count DOUBLE PRECISION,
	base64_pattern_count DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS idx_build_metrics_build_id ON build_metrics (build_id);

CREATE TABLE IF NOT EXISTS anomaly_results (
	id BIGSERIAL PRIMARY KEY,
	build_id TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_anomaly BOOLEAN NOT NULL,
	anomaly_score DOUBLE PRECISION NOT NULL,
	prediction INTEGER NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	anomaly_reasons JSONB,
	top_features JSONB,
	model_version TEXT,
	raw_features JSONB
);
CREATE INDEX IF NOT EXISTS idx_anomaly_results_build_id ON anomaly_results (build_id);
CREATE INDEX IF NOT EXISTS idx_anomaly_results_is_anomaly ON anomaly_results (is_anomaly) WHERE is_anomaly = true;
`

// Store is the pgx-backed timeseries store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn, ensures the schema exists, and returns a Store.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// InsertBuildMetrics inserts one build_metrics row for f.
func (s *Store) InsertBuildMetrics(ctx context.Context, f models.BuildFeatures) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO build_metrics (
			build_id, duration_seconds, log_line_count, char_density, error_count,
			warning_count, step_count, unique_templates, template_entropy,
			suspicious_pattern_count, external_ip_count, external_url_count, base64_pattern_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		f.BuildID, f.DurationSeconds, f.LogLineCount, f.CharDensity, f.ErrorCount,
		f.WarningCount, f.StepCount, f.UniqueTemplates, f.TemplateEntropy,
		f.SuspiciousPatternCount, f.ExternalIPCount, f.ExternalURLCount, f.Base64PatternCount,
	)
	if err != nil {
		return fmt.Errorf("inserting build metrics for %s: %w", f.BuildID, err)
	}
	return nil
}

// InsertAnomalyResult inserts one anomaly_results row. Per-build
// idempotence: inserting twice for the same build_id is allowed and
// yields two rows; callers that want "latest wins" use GetLatestResult.
func (s *Store) InsertAnomalyResult(ctx context.Context, res models.AnomalyResult) error {
	reasons, err := json.Marshal(res.AnomalyReasons)
	if err != nil {
		return fmt.Errorf("marshaling anomaly reasons: %w", err)
	}
	top, err := json.Marshal(res.TopFeatures)
	if err != nil {
		return fmt.Errorf("marshaling top features: %w", err)
	}
	raw, err := json.Marshal(res.RawFeatures)
	if err != nil {
		return fmt.Errorf("marshaling raw features: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO anomaly_results (
			build_id, is_anomaly, anomaly_score, prediction, confidence,
			anomaly_reasons, top_features, model_version, raw_features
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		res.BuildID, res.IsAnomaly, res.AnomalyScore, res.Prediction, res.Confidence,
		reasons, top, res.ModelVersion, raw,
	)
	if err != nil {
		return fmt.Errorf("inserting anomaly result for %s: %w", res.BuildID, err)
	}
	return nil
}

// GetLatestResult returns the most recent anomaly_results row for
// buildID, models.ErrNotFound if none exist.
func (s *Store) GetLatestResult(ctx context.Context, buildID string) (models.AnomalyResult, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, build_id, timestamp, is_anomaly, anomaly_score, prediction,
			confidence, anomaly_reasons, top_features, model_version, raw_features
		FROM anomaly_results WHERE build_id = $1
		ORDER BY timestamp DESC LIMIT 1`, buildID)
	return scanResult(row)
}

// ListResults returns up to limit anomaly_results rows ordered by most
// recent first, optionally filtered to is_anomaly = true.
func (s *Store) ListResults(ctx context.Context, limit int, anomaliesOnly bool) ([]models.AnomalyResult, error) {
	query := `SELECT id, build_id, timestamp, is_anomaly, anomaly_score, prediction,
		confidence, anomaly_reasons, top_features, model_version, raw_features
		FROM anomaly_results`
	if anomaliesOnly {
		query += ` WHERE is_anomaly = true`
	}
	query += ` ORDER BY timestamp DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	defer rows.Close()

	var results []models.AnomalyResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanResult(row scanner) (models.AnomalyResult, error) {
	var (
		res            models.AnomalyResult
		id             int64
		reasons        []byte
		top            []byte
		raw            []byte
		modelVersion   *string
	)
	err := row.Scan(&id, &res.BuildID, &res.Timestamp, &res.IsAnomaly, &res.AnomalyScore,
		&res.Prediction, &res.Confidence, &reasons, &top, &modelVersion, &raw)
	if err != nil {
		return models.AnomalyResult{}, fmt.Errorf("scanning anomaly result: %w", err)
	}
	res.ID = id
	if modelVersion != nil {
		res.ModelVersion = *modelVersion
	}
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &res.AnomalyReasons); err != nil {
			return models.AnomalyResult{}, fmt.Errorf("unmarshaling reasons: %w", err)
		}
	}
	if len(top) > 0 {
		if err := json.Unmarshal(top, &res.TopFeatures); err != nil {
			return models.AnomalyResult{}, fmt.Errorf("unmarshaling top features: %w", err)
		}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res.RawFeatures); err != nil {
			return models.AnomalyResult{}, fmt.Errorf("unmarshaling raw features: %w", err)
		}
	}
	return res, nil
}

// Stats is the aggregate window summary behind GET /stats.
type Stats struct {
	TotalBuilds    int     `json:"total_builds"`
	TotalAnomalies int     `json:"total_anomalies"`
	AnomalyRate    float64 `json:"anomaly_rate"`
	AvgScore       float64 `json:"avg_score"`
	MinScore       float64 `json:"min_score"`
	MaxScore       float64 `json:"max_score"`
	AvgConfidence  float64 `json:"avg_confidence"`
}

// GetStats summarizes anomaly_results over the last window.
func (s *Store) GetStats(ctx context.Context, window time.Duration) (Stats, error) {
	var stats Stats
	var anomalyCount int
	row := s.pool.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE is_anomaly),
			coalesce(avg(anomaly_score), 0),
			coalesce(min(anomaly_score), 0),
			coalesce(max(anomaly_score), 0),
			coalesce(avg(confidence), 0)
		FROM anomaly_results WHERE timestamp >= now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err := row.Scan(&stats.TotalBuilds, &anomalyCount, &stats.AvgScore, &stats.MinScore, &stats.MaxScore, &stats.AvgConfidence); err != nil {
		return Stats{}, fmt.Errorf("computing stats: %w", err)
	}
	stats.TotalAnomalies = anomalyCount
	if stats.TotalBuilds > 0 {
		stats.AnomalyRate = float64(anomalyCount) / float64(stats.TotalBuilds)
	}
	return stats, nil
}

// Bucket is one timeseries point: a count of builds and anomalies plus
// the average score within an interval.
type Bucket struct {
	BucketStart time.Time `json:"bucket_start"`
	BuildCount  int       `json:"build_count"`
	Anomalies   int       `json:"anomalies"`
	AvgScore    float64   `json:"avg_score"`
}

// GetTimeseries buckets anomaly_results over window into interval-wide
// buckets.
func (s *Store) GetTimeseries(ctx context.Context, window, interval time.Duration) ([]Bucket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			to_timestamp(floor(extract(epoch FROM timestamp) / $1) * $1) AS bucket_start,
			count(*),
			count(*) FILTER (WHERE is_anomaly),
			coalesce(avg(anomaly_score), 0)
		FROM anomaly_results
		WHERE timestamp >= now() - $2::interval
		GROUP BY bucket_start
		ORDER BY bucket_start`,
		interval.Seconds(), fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("bucketing timeseries: %w", err)
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.BucketStart, &b.BuildCount, &b.Anomalies, &b.AvgScore); err != nil {
			return nil, fmt.Errorf("scanning bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// NormalBuildFeatures returns build_metrics rows joined to non-anomalous
// builds within the last window, for retrain-from-normal.
func (s *Store) NormalBuildFeatures(ctx context.Context, window time.Duration) ([]models.BuildFeatures, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bm.build_id, bm.duration_seconds, bm.log_line_count, bm.char_density,
			bm.error_count, bm.warning_count, bm.step_count, bm.unique_templates,
			bm.template_entropy, bm.suspicious_pattern_count, bm.external_ip_count,
			bm.external_url_count, bm.base64_pattern_count
		FROM build_metrics bm
		JOIN anomaly_results ar ON ar.build_id = bm.build_id
		WHERE ar.is_anomaly = false AND bm.timestamp >= now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("loading normal builds: %w", err)
	}
	defer rows.Close()

	var out []models.BuildFeatures
	for rows.Next() {
		var f models.BuildFeatures
		if err := rows.Scan(&f.BuildID, &f.DurationSeconds, &f.LogLineCount, &f.CharDensity,
			&f.ErrorCount, &f.WarningCount, &f.StepCount, &f.UniqueTemplates,
			&f.TemplateEntropy, &f.SuspiciousPatternCount, &f.ExternalIPCount,
			&f.ExternalURLCount, &f.Base64PatternCount); err != nil {
			return nil, fmt.Errorf("scanning normal build: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
