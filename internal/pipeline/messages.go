// Package pipeline defines the queue message contracts and the durable
// broker plumbing shared by the parser and detector workers.
package pipeline

import (
	"strconv"
	"strings"

	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

// RawLogsQueue and FeaturesQueue are the two durable queue names the
// pipeline wires together: the parser worker consumes RawLogsQueue and
// publishes FeaturesQueue; the detector worker consumes FeaturesQueue.
const (
	RawLogsQueue  = "raw_logs"
	FeaturesQueue = "features"
)

// RawLogMessage is the wire shape consumed from raw_logs (spec's ingester
// contract): a `_meta` envelope, exactly one of `workflow_run` (GitHub) or
// `object_attributes` (GitLab) left untouched for dialect classification,
// the matching `repository`/`project` object, and an `_enriched` payload
// the ingester attached with the log text, steps, and normalized
// repo/branch/commit fields shared across all three dialects.
type RawLogMessage struct {
	Meta             map[string]interface{} `json:"_meta,omitempty"`
	WorkflowRun      map[string]interface{} `json:"workflow_run,omitempty"`
	ObjectAttributes map[string]interface{} `json:"object_attributes,omitempty"`
	Repository       map[string]interface{} `json:"repository,omitempty"`
	Project          map[string]interface{} `json:"project,omitempty"`
	Enriched         EnrichedBuild          `json:"_enriched"`
}

// EnrichedBuild is the ingester-attached `_enriched` object: the raw log
// text and per-step line arrays, a precomputed duration (nil when the
// ingester couldn't compute one; the extractor uses it only when the
// build's own timestamps yield no duration), and the repo/branch/commit
// fields normalized across providers.
type EnrichedBuild struct {
	RawLogs         string           `json:"raw_logs"`
	Steps           []EnrichedStep   `json:"steps"`
	DurationSeconds *float64         `json:"duration_seconds"`
	Repository      string           `json:"repository"`
	Branch          string           `json:"branch"`
	CommitSHA       string           `json:"commit_sha"`
}

// EnrichedStep is one step's line-split log output within `_enriched.steps`.
type EnrichedStep struct {
	Name     string   `json:"name"`
	LogLines []string `json:"log_lines"`
}

// ToRawBuild projects the wire message into the extractor's common input
// type: the raw dialect objects and the already-normalized _enriched
// fields pass through untouched, and build_id falls back across
// whichever provider object carries one. Dialect classification (which
// label a build gets) and per-dialect duration overrides are the
// feature extractor's job (spec §4.2).
func (m RawLogMessage) ToRawBuild() models.RawBuild {
	steps := make([]models.RawStep, 0, len(m.Enriched.Steps))
	for _, s := range m.Enriched.Steps {
		steps = append(steps, models.RawStep{Name: s.Name, LogLines: s.LogLines})
	}

	enriched := map[string]interface{}{
		"raw_logs":   m.Enriched.RawLogs,
		"repository": m.Enriched.Repository,
		"branch":     m.Enriched.Branch,
		"commit_sha": m.Enriched.CommitSHA,
	}
	if m.Enriched.DurationSeconds != nil {
		enriched["duration_seconds"] = *m.Enriched.DurationSeconds
	}

	return models.RawBuild{
		BuildID:          m.buildID(),
		RepoName:         m.Enriched.Repository,
		Branch:           m.Enriched.Branch,
		CommitSHA:        m.Enriched.CommitSHA,
		StartedAt:        stringField(m.WorkflowRun, "run_started_at"),
		FinishedAt:       stringField(m.WorkflowRun, "updated_at"),
		Steps:            steps,
		LogLines:         splitRawLogs(m.Enriched.RawLogs),
		WorkflowRun:      m.WorkflowRun,
		ObjectAttributes: m.ObjectAttributes,
		Enriched:         enriched,
		Meta:             m.Meta,
	}
}

// buildID resolves the build identifier from whichever provider object is
// present (its "id" field, GitHub and GitLab both key on "id"), falling
// back to the ingester's request_id when neither is present.
func (m RawLogMessage) buildID() string {
	if id := idField(m.WorkflowRun); id != "" {
		return id
	}
	if id := idField(m.ObjectAttributes); id != "" {
		return id
	}
	return stringField(m.Meta, "request_id")
}

func idField(obj map[string]interface{}) string {
	if obj == nil {
		return ""
	}
	switch v := obj["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}

// stringField reads a string-valued key out of a raw provider object,
// returning "" if the object or key is absent or not a string.
func stringField(obj map[string]interface{}, key string) string {
	if obj == nil {
		return ""
	}
	v, _ := obj[key].(string)
	return v
}

func splitRawLogs(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

// FeatureMessage is the wire shape published onto features: the
// extracted vector plus enough context for the detector to persist and
// explain its prediction.
type FeatureMessage struct {
	BuildID       string             `json:"build_id"`
	FeatureVector []float64          `json:"feature_vector"`
	FeatureNames  []string           `json:"feature_names"`
	Features      models.BuildFeatures `json:"features"`
}

// NewFeatureMessage builds the wire message for a build's extracted
// features.
func NewFeatureMessage(f models.BuildFeatures) FeatureMessage {
	return FeatureMessage{
		BuildID:       f.BuildID,
		FeatureVector: f.ToVector(),
		FeatureNames:  models.FeatureNames(),
		Features:      f,
	}
}
