package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-coordinator/internal/archive"
	"github.com/JakeFAU/crawl-coordinator/internal/coordinator"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/status"
)

type scheduleRequest struct {
	URLs   []string `json:"urls"`
	Origin string   `json:"origin"`
}

func (s *Server) crawlStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Snapshot(r.Context())
	if err != nil {
		s.adminFailure(w, r, "snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var params status.CrawlParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ts, err := s.svc.RequestStart(r.Context(), params)
	if err != nil {
		s.adminFailure(w, r, "start crawl", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"crawl_time": ts, "status": "start requested"})
}

func (s *Server) stopCrawl(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RequestStop(r.Context()); err != nil {
		s.adminFailure(w, r, "stop crawl", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stop requested"})
}

func (s *Server) pushSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	origin := req.Origin
	if origin == "" {
		origin = "admin"
	}
	ts, n, err := s.svc.PushSchedule(r.Context(), req.URLs, origin)
	if err != nil {
		s.adminFailure(w, r, "push schedule", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"crawl_time": ts, "urls": n})
}

func (s *Server) clearArchiveCursor(w http.ResponseWriter, r *http.Request) {
	ts := crawl.ParseTimestamp(chi.URLParam(r, "crawl_time"))
	if err := s.svc.ClearArchiveCursor(r.Context(), ts); err != nil {
		s.adminFailure(w, r, "clear archive cursor", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// adminFailure maps service errors onto status codes. Caller mistakes are
// 4xx; anything else is a storage failure.
func (s *Server) adminFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	var ce *archive.ConstructionError
	switch {
	case errors.Is(err, coordinator.ErrInvalidRequest), errors.As(err, &ce):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, coordinator.ErrNoActiveCrawl):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("admin request failed",
			zap.String("op", op),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "storage failure")
	}
}
