package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/safeops/ci-anomaly-pipeline/internal/model"
	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

type predictRequest struct {
	BuildID  string               `json:"build_id"`
	Features models.BuildFeatures `json:"features"`
	Save     *bool                `json:"save"`
}

func (s *Server) predictOne(r *http.Request, req predictRequest) (models.AnomalyResult, error) {
	feats := req.Features
	feats.BuildID = req.BuildID

	pred, err := s.svc.Predict(feats)
	if err != nil {
		return models.AnomalyResult{}, err
	}

	result := models.AnomalyResult{
		BuildID:        req.BuildID,
		Timestamp:      time.Now().UTC(),
		IsAnomaly:      pred.IsAnomaly,
		AnomalyScore:   pred.RawScore,
		Prediction:     pred.Prediction,
		Confidence:     pred.Confidence,
		AnomalyReasons: pred.Reasons,
		TopFeatures:    pred.TopFeatures,
		ModelVersion:   pred.ModelVersion,
		RawFeatures:    models.VectorToMap(feats.ToVector()),
	}

	save := req.Save == nil || *req.Save
	if save {
		if err := s.ts.InsertAnomalyResult(r.Context(), result); err != nil {
			return models.AnomalyResult{}, err
		}
	}
	return result, nil
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.predictOne(r, req)
	if err != nil {
		if errors.Is(err, model.ErrNotTrained) {
			s.respondError(w, http.StatusServiceUnavailable, "model not trained")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

type predictBatchRequest struct {
	Builds []predictRequest `json:"builds"`
}

type predictBatchResponse struct {
	Total     int                     `json:"total"`
	Anomalies int                     `json:"anomalies"`
	Results   []models.AnomalyResult  `json:"results"`
}

func (s *Server) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	var req predictBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp := predictBatchResponse{Total: len(req.Builds), Results: make([]models.AnomalyResult, 0, len(req.Builds))}
	for _, b := range req.Builds {
		result, err := s.predictOne(r, b)
		if err != nil {
			if errors.Is(err, model.ErrNotTrained) {
				s.respondError(w, http.StatusServiceUnavailable, "model not trained")
				return
			}
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if result.IsAnomaly {
			resp.Anomalies++
		}
		resp.Results = append(resp.Results, result)
	}
	s.respondJSON(w, http.StatusOK, resp)
}
