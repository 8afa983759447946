package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"docpipe/internal/analysis"
	"docpipe/internal/metrics"
	"docpipe/internal/models"
	"docpipe/internal/service"
)

// maxMultipartMemory bounds the in-memory part of multipart parsing; larger
// uploads spill to temp files.
const maxMultipartMemory = 8 << 20

// JobHandler handles HTTP requests for jobs and analysis
type JobHandler struct {
	jobService *service.JobService
	cache      *analysis.Cache
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService *service.JobService, cache *analysis.Cache, m *metrics.Metrics, logger zerolog.Logger) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		cache:      cache,
		metrics:    m,
		logger:     logger.With().Str("component", "http").Logger(),
	}
}

// Register wires the handler's routes onto the mux.
func (h *JobHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/jobs", h.SubmitJob)
	mux.HandleFunc("/jobs/", h.JobByID)
	mux.HandleFunc("/analysis", h.RequestAnalysis)
	mux.HandleFunc("/metrics", h.GetMetrics)
}

// statusFromKind maps the error taxonomy onto HTTP status codes. Raw internal
// errors never reach a caller verbatim.
func statusFromKind(kind models.ErrorKind) int {
	switch kind {
	case models.ErrInvalidInput:
		return http.StatusBadRequest
	case models.ErrNotFound:
		return http.StatusNotFound
	case models.ErrResourceExhausted:
		return http.StatusTooManyRequests
	case models.ErrCacheCompute:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *JobHandler) writeError(w http.ResponseWriter, err error) {
	kind := models.KindOf(err)
	if kind == models.ErrInternal {
		h.logger.Error().Err(err).Msg("internal error")
	}
	http.Error(w, models.MessageOf(err), statusFromKind(kind))
}

func (h *JobHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("error encoding response")
	}
}

// SubmitJob handles POST /jobs with a multipart form carrying owner_id and a
// document file
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		http.Error(w, "expected multipart form with owner_id and document", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	ownerID := r.FormValue("owner_id")
	file, header, err := r.FormFile("document")
	if err != nil {
		http.Error(w, "document file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	job, err := h.jobService.Submit(r.Context(), ownerID, header.Filename, file)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}

// JobByID handles GET /jobs/{id} and POST /jobs/{id}/cancel
func (h *JobHandler) JobByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if path == "" || path == r.URL.Path {
		http.Error(w, "job id is required", http.StatusBadRequest)
		return
	}

	if id, ok := strings.CutSuffix(path, "/cancel"); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		view, err := h.jobService.Cancel(r.Context(), id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, view)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	view, err := h.jobService.Status(r.Context(), path)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// RequestAnalysis handles POST /analysis, transparently serving from the
// version-aware cache
func (h *JobHandler) RequestAnalysis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req analysis.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}
	if len(req.DocumentDigests) == 0 {
		http.Error(w, "document_digests is required", http.StatusBadRequest)
		return
	}

	result, err := h.cache.LookupOrCompute(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// GetMetrics handles GET /metrics
func (h *JobHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, h.metrics.GetSnapshot())
}
