// Package detectorworker consumes features deliveries, scores them
// against the live model, and persists the resulting AnomalyResult.
package detectorworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/safeops/ci-anomaly-pipeline/internal/model"
	"github.com/safeops/ci-anomaly-pipeline/internal/pipeline"
	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

// TSStore is the subset of tsstore.Store the detector worker needs.
type TSStore interface {
	InsertAnomalyResult(ctx context.Context, res models.AnomalyResult) error
}

// QueueBroker is the subset of pipeline.Broker the detector worker needs.
type QueueBroker interface {
	Consume(ctx context.Context, queue string) (<-chan pipeline.Delivery, error)
}

// Worker scores features messages against a shared model.Service and
// persists AnomalyResults.
type Worker struct {
	svc    *model.Service
	ts     TSStore
	broker QueueBroker
	logger *slog.Logger

	// modelPath and trainingDataPath back the lazy-load-or-train-from-CSV
	// fallback the first delivery triggers if no model is on disk yet.
	modelPath        string
	trainingDataPath string
	forestConfig     model.ForestConfig
}

// New builds a Worker around svc, which callers may pre-load with a
// persisted model; if empty, the first handled delivery attempts the
// lazy-load-or-train-from-CSV fallback.
func New(svc *model.Service, ts TSStore, broker QueueBroker, logger *slog.Logger, modelPath, trainingDataPath string, forestCfg model.ForestConfig) *Worker {
	return &Worker{
		svc:              svc,
		ts:               ts,
		broker:           broker,
		logger:           logger,
		modelPath:        modelPath,
		trainingDataPath: trainingDataPath,
		forestConfig:     forestCfg,
	}
}

// Run consumes features until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.broker.Consume(ctx, pipeline.FeaturesQueue)
	if err != nil {
		return fmt.Errorf("consuming features: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d pipeline.Delivery) {
	if err := w.ProcessMessage(ctx, d.Body); err != nil {
		w.logger.Warn("transient failure handling features message, requeuing", "error", err)
		d.Nack(true)
		return
	}
	d.Ack()
}

// ProcessMessage runs the full score-and-persist handling against a
// single features message body, the same entry point the HTTP API's
// manual queue-drain operation uses. A nil return means the message was
// handled to completion; non-nil means a transient failure to retry.
func (w *Worker) ProcessMessage(ctx context.Context, body []byte) error {
	var msg pipeline.FeatureMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		w.logger.Warn("dropping malformed features message", "error", err)
		return nil
	}
	if msg.BuildID == "" {
		w.logger.Warn("dropping features message with empty build_id")
		return nil
	}

	w.ensureModelLoaded()

	pred, err := w.svc.Predict(msg.Features)
	if err != nil {
		return fmt.Errorf("scoring %s: %w", msg.BuildID, err)
	}

	result := models.AnomalyResult{
		BuildID:        msg.BuildID,
		Timestamp:      time.Now().UTC(),
		IsAnomaly:      pred.IsAnomaly,
		AnomalyScore:   pred.RawScore,
		Prediction:     pred.Prediction,
		Confidence:     pred.Confidence,
		AnomalyReasons: pred.Reasons,
		TopFeatures:    pred.TopFeatures,
		ModelVersion:   pred.ModelVersion,
		RawFeatures:    models.VectorToMap(msg.FeatureVector),
	}

	if err := w.ts.InsertAnomalyResult(ctx, result); err != nil {
		return fmt.Errorf("persisting anomaly result for %s: %w", msg.BuildID, err)
	}

	return nil
}

// ensureModelLoaded implements the lazy-load-at-first-use rule: if no
// model is live yet, try to load the persisted snapshot, and failing
// that, train fresh from the configured CSV.
func (w *Worker) ensureModelLoaded() {
	if w.svc.Current() != nil {
		return
	}
	if w.modelPath != "" {
		if m, err := model.Load(w.modelPath); err == nil {
			w.svc.Load(m)
			return
		}
	}
	if w.trainingDataPath == "" {
		return
	}
	f, err := os.Open(w.trainingDataPath)
	if err != nil {
		w.logger.Warn("training data path unreadable", "path", w.trainingDataPath, "error", err)
		return
	}
	defer f.Close()

	rows, err := model.LoadTrainingCSV(f)
	if err != nil {
		w.logger.Warn("failed to parse training csv", "error", err)
		return
	}
	vectors := make([]model.TrainingRow, len(rows))
	copy(vectors, rows)

	m, err := model.Train(vectors, w.forestConfig, time.Now().UTC().Format("20060102T150405Z"))
	if err != nil {
		w.logger.Warn("failed to train from configured csv", "error", err)
		return
	}
	w.svc.Load(m)
	if w.modelPath != "" {
		if err := model.Save(m, w.modelPath); err != nil {
			w.logger.Warn("failed to persist freshly trained model", "error", err)
		}
	}
}
