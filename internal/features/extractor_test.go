package features

import (
	"testing"

	"github.com/safeops/ci-anomaly-pipeline/internal/drain"
	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

func newExtractor() *Extractor {
	return New(drain.NewTree(drain.DefaultConfig()))
}

func TestExtractGenericDuration(t *testing.T) {
	e := newExtractor()
	raw := models.RawBuild{
		BuildID:    "b1",
		StartedAt:  "2024-01-01T00:00:00Z",
		FinishedAt: "2024-01-01T00:03:00Z",
		LogLines:   []string{"step ok", "step ok again"},
	}
	f := e.Extract(raw)
	if f.DurationSeconds != 180 {
		t.Fatalf("expected 180s duration, got %v", f.DurationSeconds)
	}
}

func TestExtractReconstructsLogLinesFromSteps(t *testing.T) {
	e := newExtractor()
	raw := models.RawBuild{
		BuildID: "b2",
		Steps: []models.RawStep{
			{Name: "build", LogLines: []string{"compiling", "linking"}},
			{Name: "test", LogLines: []string{"running tests"}},
		},
	}
	f := e.Extract(raw)
	if f.LogLineCount != 3 {
		t.Fatalf("expected 3 reconstructed lines, got %v", f.LogLineCount)
	}
	if f.StepCount != 2 {
		t.Fatalf("expected step_count 2, got %v", f.StepCount)
	}
}

func TestExtractSuspiciousAndCryptomining(t *testing.T) {
	e := newExtractor()
	raw := models.RawBuild{
		BuildID: "b3",
		LogLines: []string{
			"xmrig: Starting mining on pool.evil.xyz:3333",
			"stratum+tcp://mine.evil.xyz:3333",
			"cryptonight: Hashrate: 8500 H/s",
		},
	}
	f := e.Extract(raw)
	if f.SuspiciousPatternCount < 3 {
		t.Fatalf("expected at least 3 suspicious matches, got %v", f.SuspiciousPatternCount)
	}
}

func TestExternalURLCountExcludesTrusted(t *testing.T) {
	e := newExtractor()
	raw := models.RawBuild{
		BuildID: "b4",
		LogLines: []string{
			"Fetching https://github.com/some/repo",
			"Fetching https://evil-github.com/payload",
		},
	}
	f := e.Extract(raw)
	if f.ExternalURLCount != 1 {
		t.Fatalf("expected exactly 1 untrusted url, got %v", f.ExternalURLCount)
	}
}

func TestExternalIPExcludesPrivate(t *testing.T) {
	e := newExtractor()
	raw := models.RawBuild{
		BuildID: "b5",
		LogLines: []string{
			"connecting to 10.0.0.5",
			"connecting to 203.0.113.7",
		},
	}
	f := e.Extract(raw)
	if f.ExternalIPCount != 1 {
		t.Fatalf("expected 1 external ip, got %v", f.ExternalIPCount)
	}
}

func TestBase64RequiresContext(t *testing.T) {
	e := newExtractor()
	bareHex := models.RawBuild{
		BuildID:  "b6",
		LogLines: []string{"commit 7f8a9b3c2d1e4f5a6b7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9a"},
	}
	f := e.Extract(bareHex)
	if f.Base64PatternCount != 0 {
		t.Fatalf("bare hex string must not count as base64, got %v", f.Base64PatternCount)
	}

	piped := models.RawBuild{
		BuildID:  "b7",
		LogLines: []string{`echo "c2VjcmV0IGRhdGEgdGhhdCBpcyBsb25nIGVub3VnaCB0byBiZSBzdXNwaWNpb3Vz" | base64 -d`},
	}
	f2 := e.Extract(piped)
	if f2.Base64PatternCount < 1 {
		t.Fatalf("expected base64 decode context to count, got %v", f2.Base64PatternCount)
	}
}
