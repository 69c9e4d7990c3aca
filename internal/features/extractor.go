// Package features extracts the fixed 12-value numeric feature vector
// from a CI build's webhook payload and log text.
package features

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/safeops/ci-anomaly-pipeline/internal/drain"
	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

var errorKeywords = []string{"error", "failed", "failure", "exception", "fatal", "critical"}
var warningKeywords = []string{"warning", "warn", "deprecated", "caution"}

// durationLayouts are tried in order; the first that parses both
// timestamps wins. All are tolerant of a trailing "Z" being stripped
// before matching.
var durationLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Extractor turns webhook payloads into BuildFeatures using a Drain tree
// owned by the caller (typically the parser worker's single shared tree).
type Extractor struct {
	miner              *drain.Tree
	broadBase64        bool
	extraSuspicious    []*regexp.Regexp
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithBroadBase64 re-enables the original extractor's context-free base64
// pattern instead of the context-restricted default.
func WithBroadBase64(enabled bool) Option {
	return func(e *Extractor) { e.broadBase64 = enabled }
}

// WithExtraSuspiciousPatterns layers additional compiled patterns (e.g.
// loaded via LoadSuspiciousPatterns) onto the built-in catalog.
func WithExtraSuspiciousPatterns(patterns []*regexp.Regexp) Option {
	return func(e *Extractor) { e.extraSuspicious = patterns }
}

// New constructs an Extractor backed by miner.
func New(miner *drain.Tree, opts ...Option) *Extractor {
	e := &Extractor{miner: miner}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract dispatches to the provider dialect implied by raw and returns
// its feature vector.
func (e *Extractor) Extract(raw models.RawBuild) models.BuildFeatures {
	common := e.toCommon(raw)
	return e.extractCommon(common)
}

// TemplateDistribution exposes the underlying Drain tree's cluster sizes,
// for callers (the parser worker) that persist the template breakdown
// alongside the feature vector.
func (e *Extractor) TemplateDistribution() map[string]int64 {
	return e.miner.TemplateDistribution()
}

type commonInput struct {
	buildID   string
	repoName  string
	branch    string
	commitSHA string
	provider  string
	duration  float64
	logLines  []string
	stepN     int
}

func (e *Extractor) toCommon(raw models.RawBuild) commonInput {
	provider := dialectOf(raw)

	buildID := raw.BuildID
	switch provider {
	case "github":
		if id := idField(raw.WorkflowRun); id != "" {
			buildID = id
		}
	case "gitlab":
		if id := idField(raw.ObjectAttributes); id != "" {
			buildID = id
		}
	}
	if buildID == "" {
		if id, ok := raw.Meta["request_id"].(string); ok {
			buildID = id
		}
	}

	// Duration comes from the build's start/end timestamps when both parse;
	// otherwise the ingester's _enriched duration_seconds is used, else 0.
	duration := e.calculateDuration(raw.StartedAt, raw.FinishedAt)
	if duration == 0 {
		if d, ok := raw.Enriched["duration_seconds"]; ok {
			duration = toFloat(d)
		}
	}

	logLines := raw.LogLines
	if len(logLines) == 0 {
		for _, step := range raw.Steps {
			logLines = append(logLines, step.LogLines...)
		}
	}

	return commonInput{
		buildID:   buildID,
		repoName:  raw.RepoName,
		branch:    raw.Branch,
		commitSHA: raw.CommitSHA,
		provider:  provider,
		duration:  duration,
		logLines:  logLines,
		stepN:     len(raw.Steps),
	}
}

// dialectOf applies the provider-selection priority rule: explicit hint,
// then workflow_run presence, then object_attributes presence, else
// generic.
func dialectOf(raw models.RawBuild) string {
	if hint, ok := raw.Meta["provider"].(string); ok && hint != "" {
		return hint
	}
	if len(raw.WorkflowRun) > 0 {
		return "github"
	}
	if len(raw.ObjectAttributes) > 0 {
		return "gitlab"
	}
	return "generic"
}

// idField reads a provider object's "id" field as a string, tolerant of
// it arriving as a JSON number.
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

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return 0
}

// calculateDuration parses start/end against the declared layouts,
// tolerant of a trailing Z, returning 0.0 on any failure.
func (e *Extractor) calculateDuration(start, end string) float64 {
	if start == "" || end == "" {
		return 0
	}
	start = strings.TrimSuffix(start, "Z")
	end = strings.TrimSuffix(end, "Z")

	for _, layout := range durationLayouts {
		st, errS := time.Parse(layout, start)
		en, errE := time.Parse(layout, end)
		if errS == nil && errE == nil {
			return en.Sub(st).Seconds()
		}
	}
	return 0
}

func (e *Extractor) extractCommon(in commonInput) models.BuildFeatures {
	nonEmpty := make([]string, 0, len(in.logLines))
	for _, l := range in.logLines {
		if strings.TrimSpace(l) != "" {
			nonEmpty = append(nonEmpty, l)
		}
	}
	lineCount := len(nonEmpty)

	totalChars := 0
	for _, l := range in.logLines {
		totalChars += len(l)
	}
	denom := lineCount
	if denom == 0 {
		denom = 1
	}
	charDensity := round2(float64(totalChars) / float64(denom))

	errorCount := countKeywordLines(nonEmpty, errorKeywords)
	warningCount := countKeywordLines(nonEmpty, warningKeywords)

	templateCounts := map[string]int64{}
	for _, line := range nonEmpty {
		out := e.miner.Parse(line)
		if out.TemplateID == "" || out.TemplateID == "empty" {
			continue
		}
		templateCounts[out.TemplateID]++
	}
	uniqueTemplates := len(templateCounts)
	entropy := round4(shannonEntropy(templateCounts))

	allText := strings.Join(in.logLines, "\n")
	suspicious := countSuspiciousPatterns(allText)
	for _, re := range e.extraSuspicious {
		suspicious += len(re.FindAllString(allText, -1))
	}
	externalIPs := countExternalIPs(allText)
	externalURLs := countExternalURLs(allText)
	base64Count := countBase64Patterns(allText, e.broadBase64)

	return models.BuildFeatures{
		BuildID:                in.buildID,
		RepoName:               in.repoName,
		Branch:                 in.branch,
		CommitSHA:              in.commitSHA,
		DurationSeconds:        in.duration,
		LogLineCount:           float64(lineCount),
		CharDensity:            charDensity,
		ErrorCount:             float64(errorCount),
		WarningCount:           float64(warningCount),
		StepCount:              float64(in.stepN),
		UniqueTemplates:        float64(uniqueTemplates),
		TemplateEntropy:        entropy,
		SuspiciousPatternCount: float64(suspicious),
		ExternalIPCount:        float64(externalIPs),
		ExternalURLCount:       float64(externalURLs),
		Base64PatternCount:     float64(base64Count),
		Provider:               in.provider,
		ProcessedAt:            time.Now().UTC(),
	}
}

func countKeywordLines(lines []string, keywords []string) int {
	count := 0
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				count++
				break
			}
		}
	}
	return count
}

func shannonEntropy(counts map[string]int64) float64 {
	if len(counts) == 0 {
		return 0
	}
	var total int64
	for _, c := range counts {
		total += c
	}
	entropy := 0.0
	for _, c := range counts {
		p := float64(c) / float64(total)
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
