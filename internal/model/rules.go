package model

import (
	"fmt"
	"math"
	"sort"

	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

// overrideResult is the outcome of evaluating the security override
// rules against a raw (unscaled) feature vector.
type overrideResult struct {
	triggered bool
	reasons   []models.AnomalyReason
}

// applySecurityOverrides evaluates the three hardcoded rules against the
// raw feature dict. Any trigger forces is_anomaly=true and, if the raw
// model score was positive (i.e. it looked like an inlier), coerces it to
// -0.05 so downstream threshold logic treats the build as anomalous.
func applySecurityOverrides(raw map[string]float64, rawScore float64) (overrideResult, float64) {
	var reasons []models.AnomalyReason

	suspicious := raw["suspicious_pattern_count"]
	externalIPs := raw["external_ip_count"]
	duration := raw["duration_seconds"]

	if suspicious >= 1 {
		reasons = append(reasons, models.AnomalyReason{
			Feature:  "suspicious_pattern_count",
			Value:    ptr(suspicious),
			Reason:   fmt.Sprintf("Detected %g suspicious command pattern(s) (e.g., xmrig, nc -e, curl|bash)", suspicious),
			Severity: "critical",
		})
	}
	if externalIPs >= 2 && suspicious >= 1 {
		reasons = append(reasons, models.AnomalyReason{
			Feature:  "external_ip_count",
			Value:    ptr(externalIPs),
			Reason:   fmt.Sprintf("Multiple external IP connections (%g) with suspicious patterns", externalIPs),
			Severity: "critical",
		})
	}
	if duration > 1200 && suspicious >= 1 {
		reasons = append(reasons, models.AnomalyReason{
			Feature:  "duration_seconds",
			Value:    ptr(duration),
			Reason:   fmt.Sprintf("Extended build duration (%gs) with suspicious patterns - possible cryptomining", duration),
			Severity: "critical",
		})
	}

	if len(reasons) == 0 {
		return overrideResult{}, rawScore
	}
	if rawScore > 0 {
		rawScore = -0.05
	}
	return overrideResult{triggered: true, reasons: reasons}, rawScore
}

func ptr(v float64) *float64 { return &v }

// featureThreshold is one row of the reason-generation cutoff table. It
// is used only to decide which features are worth mentioning in
// anomaly_reasons; it never participates in the is_anomaly decision
// itself (the model and the security overrides own that).
type featureThreshold struct {
	feature   string
	high      float64
	veryHigh  float64
	reason    string
}

var featureThresholds = []featureThreshold{
	{"duration_seconds", 600, 1800, "Unusually long build duration"},
	{"log_line_count", 8000, 15000, "Excessive log volume"},
	{"char_density", 150, 300, "Unusually dense log lines"},
	{"error_count", 200, 500, "High error count"},
	{"warning_count", 300, 600, "Excessive warnings"},
	{"step_count", 30, 50, "Unusual number of pipeline steps"},
	{"unique_templates", 600, 1000, "Unusual log pattern diversity"},
	{"template_entropy", 8.0, 10.0, "High log randomness"},
	{"suspicious_pattern_count", 1, 5, "Suspicious command patterns"},
	{"external_ip_count", 1, 5, "Multiple external IPs"},
	{"external_url_count", 10, 50, "Excessive untrusted URL access"},
	{"base64_pattern_count", 5, 15, "Potential data obfuscation"},
}

// generateReasons returns the cutoff-crossing reasons for a flagged
// build in cutoff-table order (very_high as critical, high as warning),
// falling back to a single generic reason if flagged but nothing crosses
// a cutoff, or a single informational reason if not flagged at all.
func generateReasons(raw map[string]float64, flagged bool) []models.AnomalyReason {
	if !flagged {
		return []models.AnomalyReason{{Reason: "Build metrics within normal parameters", Severity: "info"}}
	}
	var reasons []models.AnomalyReason
	for _, t := range featureThresholds {
		v := raw[t.feature]
		switch {
		case v >= t.veryHigh:
			reasons = append(reasons, models.AnomalyReason{
				Feature: t.feature, Value: ptr(v), Threshold: ptr(t.veryHigh),
				Reason: t.reason, Severity: "critical",
			})
		case v >= t.high:
			reasons = append(reasons, models.AnomalyReason{
				Feature: t.feature, Value: ptr(v), Threshold: ptr(t.high),
				Reason: t.reason, Severity: "warning",
			})
		}
	}
	if len(reasons) == 0 {
		reasons = append(reasons, models.AnomalyReason{
			Reason: "Unusual combination of build metrics", Severity: "warning",
		})
	}
	return reasons
}

// topContributingFeatures ranks all feature by |z-score| against the
// training distribution, returning the top 5 with a deviation label.
func topContributingFeatures(raw map[string]float64, scaler *Scaler) []models.ContributingFeature {
	names := models.FeatureNames()
	out := make([]models.ContributingFeature, 0, len(names))
	for i, name := range names {
		v := raw[name]
		z := scaler.ZScore(i, v)
		deviation := "normal"
		if z > 2 {
			deviation = "high"
		}
		out = append(out, models.ContributingFeature{Feature: name, Value: v, ZScore: z, Deviation: deviation})
	}
	sort.Slice(out, func(i, j int) bool {
		return math.Abs(out[i].ZScore) > math.Abs(out[j].ZScore)
	})
	if len(out) > 5 {
		out = out[:5]
	}
	return out
}
