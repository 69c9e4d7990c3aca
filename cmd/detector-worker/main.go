// Command detector-worker consumes features, scores builds against the
// live anomaly model, persists results, and serves the detector's HTTP
// API on the side.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/safeops/ci-anomaly-pipeline/internal/api"
	"github.com/safeops/ci-anomaly-pipeline/internal/config"
	"github.com/safeops/ci-anomaly-pipeline/internal/detectorworker"
	"github.com/safeops/ci-anomaly-pipeline/internal/model"
	"github.com/safeops/ci-anomaly-pipeline/internal/pipeline"
	"github.com/safeops/ci-anomaly-pipeline/internal/tsstore"
)

func main() {
	log.Println("Starting detector worker...")
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	forestCfg := model.ForestConfig{
		NEstimators:   cfg.NEstimators,
		Contamination: cfg.Contamination,
		RandomSeed:    cfg.RandomState,
		SubsampleSize: model.DefaultForestConfig().SubsampleSize,
	}

	svc := model.NewService()
	if m, err := model.Load(cfg.ModelPath); err == nil {
		log.Printf("Loaded persisted model version %s", m.Metadata.Version)
		svc.Load(m)
	} else {
		log.Printf("No persisted model found at %s, will lazy-train on first use if configured", cfg.ModelPath)
	}

	worker := detectorworker.New(svc, ts, broker, logger, cfg.ModelPath, cfg.TrainingDataPath, forestCfg)

	addr := net.JoinHostPort(cfg.APIHost, cfg.APIPort)
	apiServer := api.NewServer(api.Config{
		Addr:             addr,
		Service:          svc,
		TS:               ts,
		Broker:           broker,
		Detector:         worker,
		ModelDir:         cfg.ModelPath,
		TrainingDataPath: cfg.TrainingDataPath,
		ForestConfig:     forestCfg,
		MinSamples:       cfg.MinSamplesForTrain,
		Version:          "1.0.0",
	})

	errChan := make(chan error, 2)

	go func() {
		log.Println("Detector worker consuming features")
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			errChan <- err
		}
	}()

	go func() {
		log.Printf("Starting detector API on %s", addr)
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		log.Printf("Detector worker error: %v", err)
	case <-ctx.Done():
		log.Println("Received shutdown signal, shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down API server: %v", err)
	}

	log.Println("Detector worker shutdown complete")
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
