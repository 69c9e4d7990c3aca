// Package parserworker consumes raw_logs deliveries, runs them through
// the feature extractor, persists the parsed artifact and metrics row,
// and republishes onto features. It owns the Drain tree exclusively —
// no other process touches it.
package parserworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/safeops/ci-anomaly-pipeline/internal/docstore"
	"github.com/safeops/ci-anomaly-pipeline/internal/drain"
	"github.com/safeops/ci-anomaly-pipeline/internal/features"
	"github.com/safeops/ci-anomaly-pipeline/internal/pipeline"
	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

// DocStore is the subset of docstore.Store the parser worker needs,
// narrowed to an interface so tests can substitute a fake.
type DocStore interface {
	SaveRawLog(ctx context.Context, build models.RawBuild) error
	SaveParsed(ctx context.Context, artifact docstore.ParsedArtifact) error
	MarkProcessed(ctx context.Context, buildID string) error
}

// TSStore is the subset of tsstore.Store the parser worker needs.
type TSStore interface {
	InsertBuildMetrics(ctx context.Context, f models.BuildFeatures) error
}

// QueueBroker is the subset of pipeline.Broker the parser worker needs.
type QueueBroker interface {
	Consume(ctx context.Context, queue string) (<-chan pipeline.Delivery, error)
	Publish(ctx context.Context, queue string, body []byte) error
}

// Worker owns a Drain tree and the extractor built on top of it, and
// drives deliveries from a raw_logs consumer channel to a features
// publisher.
type Worker struct {
	extractor *features.Extractor
	docs      DocStore
	ts        TSStore
	broker    QueueBroker
	logger    *slog.Logger
}

// New builds a Worker with a fresh Drain tree configured from cfg. Any
// extractor options (e.g. features.WithExtraSuspiciousPatterns) are
// forwarded to the extractor built on top of that tree.
func New(cfg drain.Config, docs DocStore, ts TSStore, broker QueueBroker, logger *slog.Logger, opts ...features.Option) *Worker {
	tree := drain.NewTree(cfg)
	return &Worker{
		extractor: features.New(tree, opts...),
		docs:      docs,
		ts:        ts,
		broker:    broker,
		logger:    logger,
	}
}

// Run consumes raw_logs until ctx is cancelled, handling each delivery
// per the six-step protocol: decode, extract, persist artifact, persist
// metrics, publish features, ack.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.broker.Consume(ctx, pipeline.RawLogsQueue)
	if err != nil {
		return fmt.Errorf("consuming raw_logs: %w", err)
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
		w.logger.Warn("transient failure handling raw_logs message, requeuing", "error", err)
		d.Nack(true)
		return
	}
	d.Ack()
}

// ProcessMessage runs the full six-step handling (minus the final ack,
// which the caller performs) against a single raw_logs message body. A
// nil return means the message was handled to completion (including
// "malformed, dropped"); a non-nil return means a transient failure the
// caller should retry.
//
// The method also satisfies api.MessageProcessor, the hook POST
// /queue/process uses for raw_logs. cmd/detector-worker does not pass a
// parser processor to the API, so that endpoint leaves raw_logs messages
// on the queue.
func (w *Worker) ProcessMessage(ctx context.Context, body []byte) error {
	var msg pipeline.RawLogMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		w.logger.Warn("dropping malformed raw_logs message", "error", err)
		return nil
	}
	build := msg.ToRawBuild()
	if build.BuildID == "" {
		w.logger.Warn("dropping raw_logs message with empty build_id")
		return nil
	}

	feats := w.extractor.Extract(build)

	if err := w.persist(ctx, build, feats); err != nil {
		return fmt.Errorf("persisting parsed build %s: %w", build.BuildID, err)
	}

	featureMsg := pipeline.NewFeatureMessage(feats)
	out, err := json.Marshal(featureMsg)
	if err != nil {
		w.logger.Error("failed to marshal feature message, dropping", "build_id", build.BuildID, "error", err)
		return nil
	}

	if err := w.broker.Publish(ctx, pipeline.FeaturesQueue, out); err != nil {
		return fmt.Errorf("publishing features for %s: %w", build.BuildID, err)
	}

	return nil
}

// persist covers steps 3 and 4 of the parser worker's handling: save the
// parsed artifact and flip the raw-log's processed flag in the document
// store, then insert the metrics row in the timeseries store.
func (w *Worker) persist(ctx context.Context, build models.RawBuild, feats models.BuildFeatures) error {
	if err := w.docs.SaveRawLog(ctx, build); err != nil {
		return fmt.Errorf("saving raw log: %w", err)
	}

	artifact := docstore.ParsedArtifact{
		BuildID:   build.BuildID,
		Templates: w.extractor.TemplateDistribution(),
		Features:  models.VectorToMap(feats.ToVector()),
		ParsedAt:  time.Now().UTC(),
	}
	if err := w.docs.SaveParsed(ctx, artifact); err != nil {
		return fmt.Errorf("saving parsed artifact: %w", err)
	}
	if err := w.docs.MarkProcessed(ctx, build.BuildID); err != nil {
		return fmt.Errorf("marking processed: %w", err)
	}

	if err := w.ts.InsertBuildMetrics(ctx, feats); err != nil {
		return fmt.Errorf("inserting build metrics: %w", err)
	}
	return nil
}
