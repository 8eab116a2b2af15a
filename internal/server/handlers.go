package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/versified/issuer-enrichment/internal/enrichment"
	"github.com/versified/issuer-enrichment/internal/model"
)

const maxBodyBytes = 1 << 20

type batchRequest struct {
	Issuers        []string `json:"issuers"`
	IncludeExpired bool     `json:"include_expired"`
}

type cleanupRequest struct {
	StaleSeconds *int64 `json:"stale_seconds"`
	Action       string `json:"action"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Validate(r.Context(), r.URL.Query().Get("model"))
	if err != nil {
		var je *model.JobError
		if !errors.As(err, &je) {
			s.internalError(w, r, err)
			return
		}
		detail := err.Error()
		if je.Kind == model.ErrKindParse {
			detail = "LLM response parse failed: " + detail
		}
		writeError(w, http.StatusBadGateway, detail)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req enrichment.EnrichmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.svc.Request(r.Context(), req)
	if err != nil && res != nil && res.JobID != "" {
		zap.L().Warn("server: job stored but dispatch failed",
			zap.String("job_id", res.JobID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	items, err := s.svc.GetMany(r.Context(), req.Issuers, req.IncludeExpired)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req enrichment.OverrideRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.svc.Override(r.Context(), req); err != nil {
		s.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	stale := int64(900)
	if req.StaleSeconds != nil {
		stale = *req.StaleSeconds
	}
	action := req.Action
	if action == "" {
		action = string(model.ReclaimFail)
	}
	n, err := s.svc.CleanupStaleJobs(r.Context(), stale, action)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "cleaned": n})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetJob(r.Context(), pathParam(r, "jobID"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	includeExpired := false
	if raw := r.URL.Query().Get("include_expired"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "include_expired must be a boolean")
			return
		}
		includeExpired = v
	}
	rec, err := s.svc.Get(r.Context(), pathParam(r, "issuer"), includeExpired)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, enrichment.ErrIssuerNotFound):
		writeError(w, http.StatusNotFound, enrichment.ErrIssuerNotFound.Error())
	case errors.Is(err, enrichment.ErrJobNotFound):
		writeError(w, http.StatusNotFound, enrichment.ErrJobNotFound.Error())
	case errors.Is(err, enrichment.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	zap.L().Error("server: request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// pathParam returns a decoded chi URL parameter.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v
	}
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
