package model

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

// ErrNotTrained is returned by Predict when no model has been loaded or
// trained yet.
var ErrNotTrained = errors.New("model: not trained")

// ErrInsufficientSamples is returned by training operations that require
// a minimum sample count they did not receive.
var ErrInsufficientSamples = errors.New("model: insufficient training samples")

// Metadata records the statistics needed to interpret predictions: the
// per-feature training mean/std (duplicated from the Scaler for
// human-readable persistence) plus bookkeeping about the training run.
type Metadata struct {
	Version       string    `json:"version"`
	TrainedAt     time.Time `json:"trained_at"`
	SampleCount   int       `json:"sample_count"`
	AnomalyRatio  float64   `json:"anomaly_ratio"`
	FeatureMeans  []float64 `json:"feature_means"`
	FeatureStds   []float64 `json:"feature_stds"`
	ScoreMean     float64   `json:"score_mean"`
	ScoreStd      float64   `json:"score_std"`
	ForestConfig  ForestConfig `json:"forest_config"`
}

// Model bundles a trained Forest, its Scaler, and descriptive Metadata.
// A Model value is immutable once built; the Service wrapping it swaps
// the whole pointer on retrain so readers never observe a forest paired
// with a mismatched scaler.
type Model struct {
	Forest   *Forest
	Scaler   *Scaler
	Metadata Metadata
}

// Prediction is the result of scoring one build's raw feature vector.
type Prediction struct {
	IsAnomaly    bool
	RawScore     float64
	Prediction   int
	Confidence   float64
	Reasons      []models.AnomalyReason
	TopFeatures  []models.ContributingFeature
	ModelVersion string
}

// Service holds the live model under a RWMutex: predictions take a read
// lock, (re)training builds a replacement Model off to the side and swaps
// it in under a write lock so Forest and Scaler never cross versions.
type Service struct {
	mu      sync.RWMutex
	current *Model
}

// NewService returns a Service with no model loaded.
func NewService() *Service {
	return &Service{}
}

// Load installs m as the current model.
func (s *Service) Load(m *Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = m
}

// Current returns the live model, or nil if none is loaded.
func (s *Service) Current() *Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Predict scores features against the live model.
func (s *Service) Predict(features models.BuildFeatures) (Prediction, error) {
	s.mu.RLock()
	m := s.current
	s.mu.RUnlock()
	if m == nil {
		return Prediction{}, ErrNotTrained
	}
	return m.Predict(features), nil
}

// Predict scores a single build's features.
func (m *Model) Predict(features models.BuildFeatures) Prediction {
	vec := features.ToVector()
	raw := models.VectorToMap(vec)

	scaled := m.Scaler.Transform(vec)
	prediction := m.Forest.Predict(scaled)
	rawScore := m.Forest.DecisionFunction(scaled)

	override, rawScore := applySecurityOverrides(raw, rawScore)
	isAnomaly := prediction == -1 || override.triggered
	if override.triggered {
		prediction = -1
	}

	confidence := clamp(0.5-rawScore, 0, 1)

	reasons := generateReasons(raw, isAnomaly)
	reasons = append(override.reasons, reasons...)
	reasons = dedupReasons(reasons)

	top := topContributingFeatures(raw, m.Scaler)

	return Prediction{
		IsAnomaly:    isAnomaly,
		RawScore:     rawScore,
		Prediction:   prediction,
		Confidence:   confidence,
		Reasons:      reasons,
		TopFeatures:  top,
		ModelVersion: m.Metadata.Version,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func dedupReasons(in []models.AnomalyReason) []models.AnomalyReason {
	seen := map[string]bool{}
	out := make([]models.AnomalyReason, 0, len(in))
	for _, r := range in {
		key := r.Feature + "|" + r.Reason + "|" + r.Severity
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}
