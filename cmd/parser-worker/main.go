// Command parser-worker consumes raw_logs, mines log templates, extracts
// the feature vector, and republishes onto features.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/safeops/ci-anomaly-pipeline/internal/config"
	"github.com/safeops/ci-anomaly-pipeline/internal/docstore"
	"github.com/safeops/ci-anomaly-pipeline/internal/drain"
	"github.com/safeops/ci-anomaly-pipeline/internal/features"
	"github.com/safeops/ci-anomaly-pipeline/internal/parserworker"
	"github.com/safeops/ci-anomaly-pipeline/internal/pipeline"
	"github.com/safeops/ci-anomaly-pipeline/internal/tsstore"
)

func main() {
	log.Println("Starting parser worker...")
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docs, err := docstore.New(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		log.Fatalf("connecting document store: %v", err)
	}
	defer docs.Close(context.Background())

	ts, err := tsstore.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connecting timeseries store: %v", err)
	}
	defer ts.Close()

	broker, err := pipeline.NewBroker(ctx, cfg.AMQPURL, logger)
	if err != nil {
		log.Fatalf("connecting to queue broker: %v", err)
	}
	defer broker.Close()

	drainCfg := drain.Config{
		MaxDepth:     cfg.DrainDepth,
		SimThreshold: cfg.DrainSimThreshold,
		MaxChildren:  cfg.DrainMaxChildren,
	}
	var extractorOpts []features.Option
	if cfg.SuspiciousPatternsPath != "" {
		extra, err := features.LoadSuspiciousPatterns(cfg.SuspiciousPatternsPath)
		if err != nil {
			log.Fatalf("loading suspicious patterns: %v", err)
		}
		extractorOpts = append(extractorOpts, features.WithExtraSuspiciousPatterns(extra))
	}
	worker := parserworker.New(drainCfg, docs, ts, broker, logger, extractorOpts...)

	errChan := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Println("Parser worker consuming raw_logs")
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		log.Printf("Parser worker error: %v", err)
	case <-ctx.Done():
		log.Println("Received shutdown signal, draining in-flight work...")
	}
	<-done

	log.Println("Parser worker shutdown complete")
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
