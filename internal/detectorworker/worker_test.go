package detectorworker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/safeops/ci-anomaly-pipeline/internal/model"
	"github.com/safeops/ci-anomaly-pipeline/internal/pipeline"
	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTSStore struct {
	mu      sync.Mutex
	results []models.AnomalyResult
}

func (f *fakeTSStore) InsertAnomalyResult(ctx context.Context, res models.AnomalyResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	return nil
}

type fakeBroker struct{}

func (fakeBroker) Consume(ctx context.Context, queue string) (<-chan pipeline.Delivery, error) {
	ch := make(chan pipeline.Delivery)
	close(ch)
	return ch, nil
}

type ackCounter struct{ outcome string }

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

func trainedService(t *testing.T) *model.Service {
	t.Helper()
	rows := make([]model.TrainingRow, 150)
	for i := range rows {
		rows[i] = model.TrainingRow{Vector: []float64{120, 500, 40, 2, 3, 8, 30, 3.5, 0, 0, 0, 0}}
	}
	m, err := model.Train(rows, model.DefaultForestConfig(), "v1")
	if err != nil {
		t.Fatalf("training fixture model: %v", err)
	}
	svc := model.NewService()
	svc.Load(m)
	return svc
}

func TestWorkerPersistsPrediction(t *testing.T) {
	ts := &fakeTSStore{}
	svc := trainedService(t)
	w := New(svc, ts, fakeBroker{}, discardLogger(), "", "", model.DefaultForestConfig())

	msg := pipeline.NewFeatureMessage(models.BuildFeatures{
		BuildID: "build-1", DurationSeconds: 130, LogLineCount: 520, CharDensity: 41,
		ErrorCount: 2, WarningCount: 3, StepCount: 8, UniqueTemplates: 31, TemplateEntropy: 3.4,
	})
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	counter := &ackCounter{}
	w.handle(context.Background(), counter.delivery(body))

	if counter.outcome != "ack" {
		t.Fatalf("expected ack, got %q", counter.outcome)
	}
	if len(ts.results) != 1 || ts.results[0].BuildID != "build-1" {
		t.Fatalf("expected one persisted result for build-1, got %+v", ts.results)
	}
}

func TestWorkerRequeuesWhenModelMissing(t *testing.T) {
	ts := &fakeTSStore{}
	svc := model.NewService()
	w := New(svc, ts, fakeBroker{}, discardLogger(), "", "", model.DefaultForestConfig())

	msg := pipeline.NewFeatureMessage(models.BuildFeatures{BuildID: "build-2"})
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	counter := &ackCounter{}
	w.handle(context.Background(), counter.delivery(body))

	if counter.outcome != "nack-requeue" {
		t.Fatalf("expected nack-requeue without a model, got %q", counter.outcome)
	}
	if len(ts.results) != 0 {
		t.Fatalf("expected no persistence without a model")
	}
}

func TestWorkerDropsMalformedJSON(t *testing.T) {
	ts := &fakeTSStore{}
	svc := trainedService(t)
	w := New(svc, ts, fakeBroker{}, discardLogger(), "", "", model.DefaultForestConfig())

	counter := &ackCounter{}
	w.handle(context.Background(), counter.delivery([]byte("{not json")))

	if counter.outcome != "ack" {
		t.Fatalf("expected malformed message to be acked (dropped), got %q", counter.outcome)
	}
}
