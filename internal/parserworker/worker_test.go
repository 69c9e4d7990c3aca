package parserworker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/safeops/ci-anomaly-pipeline/internal/docstore"
	"github.com/safeops/ci-anomaly-pipeline/internal/drain"
	"github.com/safeops/ci-anomaly-pipeline/internal/pipeline"
	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDocStore struct {
	mu     sync.Mutex
	saved  []models.RawBuild
	parsed []docstore.ParsedArtifact
	marked []string
}

func (f *fakeDocStore) SaveRawLog(ctx context.Context, build models.RawBuild) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, build)
	return nil
}

func (f *fakeDocStore) SaveParsed(ctx context.Context, artifact docstore.ParsedArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parsed = append(f.parsed, artifact)
	return nil
}

func (f *fakeDocStore) MarkProcessed(ctx context.Context, buildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, buildID)
	return nil
}

type fakeTSStore struct {
	mu   sync.Mutex
	rows []models.BuildFeatures
}

func (f *fakeTSStore) InsertBuildMetrics(ctx context.Context, feat models.BuildFeatures) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, feat)
	return nil
}

type fakeBroker struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{published: map[string][][]byte{}}
}

func (f *fakeBroker) Consume(ctx context.Context, queue string) (<-chan pipeline.Delivery, error) {
	ch := make(chan pipeline.Delivery)
	close(ch)
	return ch, nil
}

func (f *fakeBroker) Publish(ctx context.Context, queue string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[queue] = append(f.published[queue], body)
	return nil
}

// ackCounter records what a delivery's terminal disposition was:
// "ack", "nack-requeue", or "nack-drop".
type ackCounter struct {
	outcome string
}

func (c *ackCounter) delivery(body []byte) pipeline.Delivery {
	return pipeline.NewDelivery(body, func(requeue bool) error {
		if requeue {
			c.outcome = "nack-requeue"
		} else if c.outcome == "" {
			c.outcome = "ack"
		}
		return nil
	})
}

func TestWorkerHandlesValidMessageEndToEnd(t *testing.T) {
	docs := &fakeDocStore{}
	ts := &fakeTSStore{}
	broker := newFakeBroker()

	w := New(drain.DefaultConfig(), docs, ts, broker, discardLogger())

	msg := pipeline.RawLogMessage{
		Meta: map[string]interface{}{"request_id": "build-1"},
		Enriched: pipeline.EnrichedBuild{
			RawLogs:    "starting build\nrunning tests\nbuild complete",
			Repository: "example/repo",
			Branch:     "main",
			CommitSHA:  "deadbeef",
		},
	}
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	counter := &ackCounter{}
	w.handle(context.Background(), counter.delivery(body))

	if counter.outcome != "ack" {
		t.Fatalf("expected ack, got %q", counter.outcome)
	}
	if len(docs.saved) != 1 || docs.saved[0].BuildID != "build-1" {
		t.Fatalf("expected raw log saved for build-1, got %+v", docs.saved)
	}
	if len(docs.marked) != 1 || docs.marked[0] != "build-1" {
		t.Fatalf("expected build-1 marked processed, got %+v", docs.marked)
	}
	if len(ts.rows) != 1 {
		t.Fatalf("expected one metrics row, got %d", len(ts.rows))
	}
	if len(broker.published[pipeline.FeaturesQueue]) != 1 {
		t.Fatalf("expected one features message published, got %d", len(broker.published[pipeline.FeaturesQueue]))
	}
}

func TestWorkerDropsMalformedJSON(t *testing.T) {
	docs := &fakeDocStore{}
	ts := &fakeTSStore{}
	broker := newFakeBroker()
	w := New(drain.DefaultConfig(), docs, ts, broker, discardLogger())

	counter := &ackCounter{}
	w.handle(context.Background(), counter.delivery([]byte("{not json")))

	if counter.outcome != "ack" {
		t.Fatalf("expected malformed message to be acked (dropped), got %q", counter.outcome)
	}
	if len(docs.saved) != 0 {
		t.Fatalf("expected no persistence for malformed message")
	}
}
