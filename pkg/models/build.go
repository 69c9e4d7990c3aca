// Package models holds the wire and persistence types shared across the
// parser worker, detector worker, stores, and HTTP API.
package models

import "time"

// RawBuild is the wire-decoded projection of an inbound CI build payload:
// the common fields every dialect resolves (build_id, repo/branch/commit,
// timestamps, steps, log text) plus the untouched provider-specific
// objects (WorkflowRun, ObjectAttributes) the feature extractor inspects
// to classify which dialect produced the message.
type RawBuild struct {
	Provider         string                 `json:"provider"`
	BuildID          string                 `json:"build_id"`
	RepoName         string                 `json:"repo_name"`
	Branch           string                 `json:"branch"`
	CommitSHA        string                 `json:"commit_sha"`
	Status           string                 `json:"status"`
	StartedAt        string                 `json:"started_at"`
	FinishedAt       string                 `json:"finished_at"`
	Steps            []RawStep              `json:"steps"`
	LogLines         []string               `json:"log_lines"`
	WorkflowRun      map[string]interface{} `json:"workflow_run,omitempty"`
	ObjectAttributes map[string]interface{} `json:"object_attributes,omitempty"`
	Enriched         map[string]interface{} `json:"_enriched,omitempty"`
	Meta             map[string]interface{} `json:"_meta,omitempty"`
}

// RawStep is a single job/step within a build, carrying its own log lines.
type RawStep struct {
	Name     string   `json:"name"`
	LogLines []string `json:"log_lines"`
}

// BuildFeatures is the fixed 12-value numeric feature vector extracted from
// one build's logs, in the exact field order required for model training
// and inference, plus the identifier fields the features message carries
// alongside them on the wire.
type BuildFeatures struct {
	BuildID     string `json:"build_id"`
	RepoName    string `json:"repo_name"`
	Branch      string `json:"branch"`
	CommitSHA   string `json:"commit_sha"`

	DurationSeconds        float64 `json:"duration_seconds"`
	LogLineCount           float64 `json:"log_line_count"`
	CharDensity            float64 `json:"char_density"`
	ErrorCount             float64 `json:"error_count"`
	WarningCount           float64 `json:"warning_count"`
	StepCount              float64 `json:"step_count"`
	UniqueTemplates        float64 `json:"unique_templates"`
	TemplateEntropy        float64 `json:"template_entropy"`
	SuspiciousPatternCount float64 `json:"suspicious_pattern_count"`
	ExternalIPCount        float64 `json:"external_ip_count"`
	ExternalURLCount       float64 `json:"external_url_count"`
	Base64PatternCount     float64 `json:"base64_pattern_count"`

	Provider    string    `json:"provider"`
	ProcessedAt time.Time `json:"processed_at"`
}

// FeatureNames returns the canonical ordered feature names, matching
// ToVector's element order exactly.
func FeatureNames() []string {
	return []string{
		"duration_seconds",
		"log_line_count",
		"char_density",
		"error_count",
		"warning_count",
		"step_count",
		"unique_templates",
		"template_entropy",
		"suspicious_pattern_count",
		"external_ip_count",
		"external_url_count",
		"base64_pattern_count",
	}
}

// ToVector flattens the struct into the ordered numeric vector the model
// consumes, in the same order as FeatureNames.
func (f BuildFeatures) ToVector() []float64 {
	return []float64{
		f.DurationSeconds,
		f.LogLineCount,
		f.CharDensity,
		f.ErrorCount,
		f.WarningCount,
		f.StepCount,
		f.UniqueTemplates,
		f.TemplateEntropy,
		f.SuspiciousPatternCount,
		f.ExternalIPCount,
		f.ExternalURLCount,
		f.Base64PatternCount,
	}
}

// VectorToMap pairs FeatureNames with a raw vector for threshold lookups
// and z-score explanation generation.
func VectorToMap(vec []float64) map[string]float64 {
	names := FeatureNames()
	out := make(map[string]float64, len(names))
	for i, n := range names {
		if i < len(vec) {
			out[n] = vec[i]
		}
	}
	return out
}

// AnomalyResult is the per-build prediction persisted to the timeseries
// store and returned from the predict endpoints.
type AnomalyResult struct {
	ID             int64                  `json:"id,omitempty"`
	BuildID        string                 `json:"build_id"`
	Timestamp      time.Time              `json:"timestamp"`
	IsAnomaly      bool                   `json:"is_anomaly"`
	AnomalyScore   float64                `json:"anomaly_score"`
	Prediction     int                    `json:"prediction"`
	Confidence     float64                `json:"confidence"`
	AnomalyReasons []AnomalyReason        `json:"anomaly_reasons"`
	TopFeatures    []ContributingFeature  `json:"top_features"`
	ModelVersion   string                 `json:"model_version"`
	RawFeatures    map[string]float64     `json:"raw_features"`
}

// AnomalyReason is one structured entry in a prediction's anomaly_reasons
// list. Feature, Value, and Threshold are omitted from the JSON when a
// reason isn't tied to a specific feature (e.g. the generic fallback or
// the "within normal parameters" reason for non-anomalous builds).
type AnomalyReason struct {
	Feature   string   `json:"feature,omitempty"`
	Value     *float64 `json:"value,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Reason    string   `json:"reason"`
	Severity  string   `json:"severity"`
}

// ContributingFeature describes one feature's deviation from the training
// distribution, used in the top-5 explanation list.
type ContributingFeature struct {
	Feature   string  `json:"feature"`
	Value     float64 `json:"value"`
	ZScore    float64 `json:"z_score"`
	Deviation string  `json:"deviation"`
}
