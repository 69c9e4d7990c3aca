// Package api provides the detector's REST surface: model lifecycle,
// scoring, and query endpoints over persisted results.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/safeops/ci-anomaly-pipeline/internal/model"
	"github.com/safeops/ci-anomaly-pipeline/internal/tsstore"
	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

// TSStore is the subset of tsstore.Store the API needs.
type TSStore interface {
	InsertAnomalyResult(ctx context.Context, res models.AnomalyResult) error
	GetLatestResult(ctx context.Context, buildID string) (models.AnomalyResult, error)
	ListResults(ctx context.Context, limit int, anomaliesOnly bool) ([]models.AnomalyResult, error)
	GetStats(ctx context.Context, window time.Duration) (tsstore.Stats, error)
	GetTimeseries(ctx context.Context, window, interval time.Duration) ([]tsstore.Bucket, error)
	NormalBuildFeatures(ctx context.Context, window time.Duration) ([]models.BuildFeatures, error)
}

// QueueBroker is the subset of pipeline.Broker the API needs for the
// operational queue endpoints.
type QueueBroker interface {
	QueueInfo(queue string) (messages int, consumers int, err error)
	Drain(ctx context.Context, queue string, max int, handle func([]byte) error) (int, error)
}

// MessageProcessor lets /queue/process run a drained message through the
// same handling path a live consumer uses.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, body []byte) error
}

// Server is the detector's HTTP API.
type Server struct {
	router *chi.Mux
	server *http.Server
	svc    *model.Service

	ts     TSStore
	broker QueueBroker

	parser   MessageProcessor
	detector MessageProcessor

	modelDir         string
	trainingDataPath string
	forestConfig     model.ForestConfig
	minSamples       int

	startTime time.Time
	version   string
}

// Config bundles the dependencies NewServer needs.
type Config struct {
	Addr             string
	Service          *model.Service
	TS               TSStore
	Broker           QueueBroker
	Parser           MessageProcessor
	Detector         MessageProcessor
	ModelDir         string
	TrainingDataPath string
	ForestConfig     model.ForestConfig
	MinSamples       int
	Version          string
}

// NewServer builds a Server and wires its routes.
func NewServer(cfg Config) *Server {
	s := &Server{
		router:           chi.NewRouter(),
		svc:              cfg.Service,
		ts:               cfg.TS,
		broker:           cfg.Broker,
		parser:           cfg.Parser,
		detector:         cfg.Detector,
		modelDir:         cfg.ModelDir,
		trainingDataPath: cfg.TrainingDataPath,
		forestConfig:     cfg.ForestConfig,
		minSamples:       cfg.MinSamples,
		startTime:        time.Now(),
		version:          cfg.Version,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)

	s.router.Route("/model", func(r chi.Router) {
		r.Get("/info", s.handleModelInfo)
		r.Post("/train", s.handleModelTrain)
		r.Post("/upload", s.handleModelUpload)
		r.Post("/retrain-from-normal", s.handleRetrainFromNormal)
		r.Get("/versions", s.handleModelVersions)
		r.Post("/backup", s.handleModelBackup)
	})

	s.router.Post("/predict", s.handlePredict)
	s.router.Post("/predict/batch", s.handlePredictBatch)

	s.router.Get("/results", s.handleListResults)
	s.router.Get("/results/{build_id}", s.handleGetResult)

	s.router.Get("/stats", s.handleStats)
	s.router.Get("/timeseries", s.handleTimeseries)

	s.router.Get("/queue/info", s.handleQueueInfo)
	s.router.Post("/queue/process", s.handleQueueProcess)

	s.server = &http.Server{Addr: cfg.Addr, Handler: s.router}
	return s
}

// Start serves HTTP until the listener errors (including on Shutdown).
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return parsed
}

func parseBoolQuery(r *http.Request, key string, defaultVal bool) bool {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return parsed
}
