package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 100)
	anomaliesOnly := parseBoolQuery(r, "anomalies_only", false)

	results, err := s.ts.ListResults(r.Context(), limit, anomaliesOnly)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "build_id")

	result, err := s.ts.GetLatestResult(r.Context(), buildID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "no result for build_id")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	hours := parseIntQuery(r, "hours", 24)
	stats, err := s.ts.GetStats(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	hours := parseIntQuery(r, "hours", 24)
	intervalStr := r.URL.Query().Get("interval")
	if intervalStr == "" {
		intervalStr = "1h"
	}
	interval, err := time.ParseDuration(intervalStr)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid interval")
		return
	}

	buckets, err := s.ts.GetTimeseries(r.Context(), time.Duration(hours)*time.Hour, interval)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"buckets": buckets})
}
