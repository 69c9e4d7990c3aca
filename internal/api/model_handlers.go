package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/safeops/ci-anomaly-pipeline/internal/model"
	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

type modelInfoResponse struct {
	IsTrained     bool               `json:"is_trained"`
	ModelVersion  string             `json:"model_version,omitempty"`
	FeatureNames  []string           `json:"feature_names"`
	Config        model.ForestConfig `json:"config"`
	TrainingStats *model.Metadata    `json:"training_stats,omitempty"`
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	resp := modelInfoResponse{
		FeatureNames: models.FeatureNames(),
		Config:       s.forestConfig,
	}
	if m := s.svc.Current(); m != nil {
		resp.IsTrained = true
		resp.ModelVersion = m.Metadata.Version
		meta := m.Metadata
		resp.TrainingStats = &meta
	}
	s.respondJSON(w, http.StatusOK, resp)
}

type trainRequest struct {
	CSVPath string `json:"csv_path"`
}

func (s *Server) handleModelTrain(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	path := req.CSVPath
	if path == "" {
		path = s.trainingDataPath
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "no csv_path provided and no TRAINING_DATA_PATH configured")
		return
	}
	if _, err := os.Stat(path); err != nil {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("csv path not found: %s", path))
		return
	}

	m, err := s.trainFromCSV(path)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.svc.Load(m)
	if err := model.Save(m, s.modelDir); err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("trained but failed to persist: %v", err))
		return
	}

	s.respondJSON(w, http.StatusOK, m.Metadata)
}

func (s *Server) trainFromCSV(path string) (*model.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening csv: %w", err)
	}
	defer f.Close()

	rows, err := model.LoadTrainingCSV(f)
	if err != nil {
		return nil, fmt.Errorf("parsing csv: %w", err)
	}

	version := time.Now().UTC().Format("20060102T150405Z")
	return model.Train(rows, s.forestConfig, version)
}

func (s *Server) handleModelUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	rows, err := model.LoadTrainingCSV(file)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"required": models.FeatureNames(),
			"provided": []string{},
			"missing":  models.FeatureNames(),
		})
		return
	}

	version := time.Now().UTC().Format("20060102T150405Z")
	m, err := model.Train(rows, s.forestConfig, version)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.svc.Load(m)
	if err := model.Save(m, s.modelDir); err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("trained but failed to persist: %v", err))
		return
	}

	s.respondJSON(w, http.StatusOK, m.Metadata)
}

type retrainRequest struct {
	MinSamples int `json:"min_samples"`
	Hours      int `json:"hours"`
}

func (s *Server) handleRetrainFromNormal(w http.ResponseWriter, r *http.Request) {
	req := retrainRequest{MinSamples: 100, Hours: 168}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.MinSamples <= 0 {
		req.MinSamples = 100
	}
	if req.Hours <= 0 {
		req.Hours = 168
	}

	window := time.Duration(req.Hours) * time.Hour
	featureRows, err := s.ts.NormalBuildFeatures(r.Context(), window)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(featureRows) < req.MinSamples {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("insufficient normal build history: have %d, need %d", len(featureRows), req.MinSamples))
		return
	}

	rows := make([]model.TrainingRow, len(featureRows))
	for i, f := range featureRows {
		rows[i] = model.TrainingRow{Vector: f.ToVector(), Label: "normal"}
	}

	version := time.Now().UTC().Format("20060102T150405Z")
	m, err := model.Train(rows, s.forestConfig, version)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.svc.Load(m)
	if err := model.Save(m, s.modelDir); err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("trained but failed to persist: %v", err))
		return
	}

	s.respondJSON(w, http.StatusOK, m.Metadata)
}

func (s *Server) handleModelVersions(w http.ResponseWriter, r *http.Request) {
	entries, err := filepath.Glob(filepath.Join(s.modelDir, "*.meta.json"))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sort.Strings(entries)

	versions := make([]model.Metadata, 0, len(entries))
	for _, path := range entries {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var meta model.Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		versions = append(versions, meta)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"versions": versions})
}

func (s *Server) handleModelBackup(w http.ResponseWriter, r *http.Request) {
	if s.svc.Current() == nil {
		s.respondError(w, http.StatusBadRequest, "no trained model to back up")
		return
	}
	path, err := model.Backup(s.modelDir)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"backup_path": path})
}
