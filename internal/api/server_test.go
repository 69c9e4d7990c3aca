package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/safeops/ci-anomaly-pipeline/internal/model"
	"github.com/safeops/ci-anomaly-pipeline/internal/tsstore"
	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

type fakeTSStore struct {
	results []models.AnomalyResult
}

func (f *fakeTSStore) InsertAnomalyResult(ctx context.Context, res models.AnomalyResult) error {
	f.results = append(f.results, res)
	return nil
}

func (f *fakeTSStore) GetLatestResult(ctx context.Context, buildID string) (models.AnomalyResult, error) {
	for i := len(f.results) - 1; i >= 0; i-- {
		if f.results[i].BuildID == buildID {
			return f.results[i], nil
		}
	}
	return models.AnomalyResult{}, models.ErrNotFound
}

func (f *fakeTSStore) ListResults(ctx context.Context, limit int, anomaliesOnly bool) ([]models.AnomalyResult, error) {
	return f.results, nil
}

func (f *fakeTSStore) GetStats(ctx context.Context, window time.Duration) (tsstore.Stats, error) {
	return tsstore.Stats{TotalBuilds: len(f.results)}, nil
}

func (f *fakeTSStore) GetTimeseries(ctx context.Context, window, interval time.Duration) ([]tsstore.Bucket, error) {
	return nil, nil
}

func (f *fakeTSStore) NormalBuildFeatures(ctx context.Context, window time.Duration) ([]models.BuildFeatures, error) {
	return nil, nil
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

func newTestServer(t *testing.T, svc *model.Service, ts TSStore) *Server {
	t.Helper()
	return NewServer(Config{
		Addr:         ":0",
		Service:      svc,
		TS:           ts,
		ModelDir:     t.TempDir(),
		ForestConfig: model.DefaultForestConfig(),
		MinSamples:   100,
		Version:      "test",
	})
}

func TestHealthReflectsModelState(t *testing.T) {
	s := newTestServer(t, model.NewService(), &fakeTSStore{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ModelLoaded {
		t.Fatal("expected model_loaded false with no model")
	}
}

func TestPredictReturns503WhenUntrained(t *testing.T) {
	s := newTestServer(t, model.NewService(), &fakeTSStore{})

	body, _ := json.Marshal(predictRequest{BuildID: "b1"})
	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestPredictAndFetchResult(t *testing.T) {
	ts := &fakeTSStore{}
	s := newTestServer(t, trainedService(t), ts)

	body, _ := json.Marshal(predictRequest{
		BuildID: "b1",
		Features: models.BuildFeatures{
			DurationSeconds: 130, LogLineCount: 520, CharDensity: 41,
			ErrorCount: 2, WarningCount: 3, StepCount: 8, UniqueTemplates: 31, TemplateEntropy: 3.4,
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(ts.results) != 1 {
		t.Fatalf("expected result saved, got %d", len(ts.results))
	}

	req = httptest.NewRequest(http.MethodGet, "/results/b1", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching result, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/results/missing", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing build, got %d", w.Code)
	}
}

func TestModelInfoReportsTrainedState(t *testing.T) {
	s := newTestServer(t, trainedService(t), &fakeTSStore{})

	req := httptest.NewRequest(http.MethodGet, "/model/info", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp modelInfoResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.IsTrained {
		t.Fatal("expected is_trained true")
	}
	if len(resp.FeatureNames) != 12 {
		t.Fatalf("expected 12 feature names, got %d", len(resp.FeatureNames))
	}
}
