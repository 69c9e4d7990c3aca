package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/safeops/ci-anomaly-pipeline/internal/pipeline"
)

type queueStat struct {
	Messages  int `json:"messages"`
	Consumers int `json:"consumers"`
}

func (s *Server) handleQueueInfo(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		s.respondError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}

	resp := map[string]queueStat{}
	for name, queue := range map[string]string{"raw_logs": pipeline.RawLogsQueue, "features": pipeline.FeaturesQueue} {
		messages, consumers, err := s.broker.QueueInfo(queue)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp[name] = queueStat{Messages: messages, Consumers: consumers}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

type queueProcessRequest struct {
	Count json.RawMessage `json:"count"`
}

func (s *Server) handleQueueProcess(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		s.respondError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}

	var req queueProcessRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	max := -1 // "all": unbounded, drain until empty
	if len(req.Count) > 0 {
		var n int
		if err := json.Unmarshal(req.Count, &n); err == nil {
			max = n
		}
		// a non-numeric value (e.g. "all") keeps max == -1
	}

	rawProcessed, rawErr := s.drainQueue(r.Context(), pipeline.RawLogsQueue, max, s.parser)
	if rawErr != nil {
		s.respondError(w, http.StatusInternalServerError, rawErr.Error())
		return
	}
	featuresProcessed, featErr := s.drainQueue(r.Context(), pipeline.FeaturesQueue, max, s.detector)
	if featErr != nil {
		s.respondError(w, http.StatusInternalServerError, featErr.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]int{
		"raw_logs_processed": rawProcessed,
		"features_processed": featuresProcessed,
	})
}

func (s *Server) drainQueue(ctx context.Context, queue string, max int, processor MessageProcessor) (int, error) {
	if processor == nil {
		return 0, nil
	}
	return s.broker.Drain(ctx, queue, max, func(body []byte) error {
		return processor.ProcessMessage(ctx, body)
	})
}
