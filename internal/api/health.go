package api

import (
	"net/http"
	"time"

	"github.com/safeops/ci-anomaly-pipeline/internal/pipeline"
)

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Version     string `json:"version,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		ModelLoaded: s.svc.Current() != nil,
		Version:     s.version,
	})
}

type statusResponse struct {
	ModelLoaded    bool   `json:"model_loaded"`
	ModelVersion   string `json:"model_version,omitempty"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	RawLogsQueued  int    `json:"raw_logs_queued"`
	FeaturesQueued int    `json:"features_queued"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if m := s.svc.Current(); m != nil {
		resp.ModelLoaded = true
		resp.ModelVersion = m.Metadata.Version
	}
	if s.broker != nil {
		if n, _, err := s.broker.QueueInfo(pipeline.RawLogsQueue); err == nil {
			resp.RawLogsQueued = n
		}
		if n, _, err := s.broker.QueueInfo(pipeline.FeaturesQueue); err == nil {
			resp.FeaturesQueued = n
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}
