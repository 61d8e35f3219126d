package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/genflow/internal/api/middleware"
	"github.com/kiranshivaraju/genflow/internal/api/response"
	"github.com/kiranshivaraju/genflow/internal/jobs"
	"github.com/kiranshivaraju/genflow/internal/ledger"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

// maxBodyBytes bounds a submit request body; the input itself is checked against
// the configured limit by the service.
const maxBodyBytes = 1 << 20

// JobService defines the job operations the handlers depend on.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*models.Job, error)
	Get(ctx context.Context, ownerID, jobID uuid.UUID) (*models.Job, error)
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	Cancel(ctx context.Context, ownerID, jobID uuid.UUID) (*models.Job, error)
}

type submitRequest struct {
	Kind         string          `json:"kind"`
	ProviderName string          `json:"provider_name"`
	Input        json.RawMessage `json:"input"`
	Metadata     json.RawMessage `json:"metadata"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "MISSING_OWNER", "Missing owner", nil)
			return
		}

		var req submitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.Submit(r.Context(), jobs.SubmitRequest{
			OwnerID:      ownerID,
			Kind:         req.Kind,
			ProviderName: req.ProviderName,
			Input:        req.Input,
			Metadata:     req.Metadata,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Accepted(w, job)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, jobID, ok := ownerAndJob(w, r)
		if !ok {
			return
		}
		job, err := svc.Get(r.Context(), ownerID, jobID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "MISSING_OWNER", "Missing owner", nil)
			return
		}

		filter, details := parseListQuery(r)
		if len(details) > 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid query parameters", details)
			return
		}
		filter.OwnerID = ownerID

		list, total, err := svc.List(r.Context(), filter)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if list == nil {
			list = []*models.Job{}
		}
		response.Collection(w, list, response.NewPaginationMeta(filter.Page, filter.Limit, total))
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, jobID, ok := ownerAndJob(w, r)
		if !ok {
			return
		}
		job, err := svc.Cancel(r.Context(), ownerID, jobID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Accepted(w, job)
	}
}

func ownerAndJob(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	ownerID, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "MISSING_OWNER", "Missing owner", nil)
		return uuid.Nil, uuid.Nil, false
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "jobID must be a UUID", nil)
		return uuid.Nil, uuid.Nil, false
	}
	return ownerID, jobID, true
}

const (
	defaultPage  = 1
	defaultLimit = 20
	maxLimit     = 100
)

func parseListQuery(r *http.Request) (store.JobFilter, map[string]string) {
	q := r.URL.Query()
	filter := store.JobFilter{Page: defaultPage, Limit: defaultLimit}
	details := map[string]string{}

	if v := q.Get("status"); v != "" {
		status, err := models.ParseJobStatus(v)
		if err != nil {
			details["status"] = err.Error()
		}
		filter.Status = status
	}
	if v := q.Get("kind"); v != "" {
		kind, err := models.ParseJobKind(v)
		if err != nil {
			details["kind"] = err.Error()
		}
		filter.Kind = kind
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			details["since"] = "must be an RFC3339 timestamp"
		}
		filter.Since = since
	}
	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			details["page"] = "must be a positive integer"
		}
		filter.Page = page
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			details["limit"] = "must be a positive integer"
		}
		filter.Limit = min(limit, maxLimit)
	}
	return filter, details
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, jobs.ErrJobFinished):
		response.Error(w, http.StatusConflict, "JOB_FINISHED", "Job has already finished", nil)
	case errors.Is(err, jobs.ErrDispatchFailed):
		response.Error(w, http.StatusServiceUnavailable, "DISPATCH_UNAVAILABLE",
			"The job could not be queued", nil)
	case errors.Is(err, ledger.ErrWriteFailed):
		response.Error(w, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE",
			"Job storage is temporarily unavailable", nil)
	default:
		slog.Error("unhandled service error", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
