package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/scanforge/scanforge/internal/model"
	"github.com/scanforge/scanforge/internal/orchestrator"
	"github.com/scanforge/scanforge/internal/policy"
	"github.com/scanforge/scanforge/internal/recog"
	"github.com/scanforge/scanforge/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
	maxBatchSize     = 20
)

// createJobRequest is the JSON body for POST /v1/jobs.
type createJobRequest struct {
	UserID     string                  `json:"user_id"`
	Plan       string                  `json:"plan"`
	InputRef   string                  `json:"input_ref"`
	Engine     string                  `json:"engine"`
	Language   string                  `json:"language"`
	Preprocess model.PreprocessOptions `json:"preprocess"`
}

// createBatchRequest is the JSON body for POST /v1/jobs/batch.
type createBatchRequest struct {
	Jobs []createJobRequest `json:"jobs"`
}

// jobResponse is a job together with its attempt history and, once
// succeeded, its result.
type jobResponse struct {
	*model.Job
	AttemptLogs []model.AttemptLog `json:"attempt_logs,omitempty"`
	Result      *model.Result      `json:"result,omitempty"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job, status, msg := s.buildJob(r.Context(), &req)
	if job == nil {
		s.writeError(w, status, msg)
		return
	}

	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.logger.Error("create job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	s.queue.Nudge()

	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Jobs) == 0 {
		s.writeError(w, http.StatusBadRequest, "jobs is required")
		return
	}
	if len(req.Jobs) > maxBatchSize {
		s.writeError(w, http.StatusBadRequest, "batch exceeds "+strconv.Itoa(maxBatchSize)+" jobs")
		return
	}

	// Validate the whole batch before creating anything, so a bad entry
	// rejects the batch instead of leaving a partial submission.
	jobs := make([]*model.Job, 0, len(req.Jobs))
	for i := range req.Jobs {
		job, status, msg := s.buildJob(r.Context(), &req.Jobs[i])
		if job == nil {
			s.writeError(w, status, "job "+strconv.Itoa(i)+": "+msg)
			return
		}
		jobs = append(jobs, job)
	}

	for _, job := range jobs {
		if err := s.store.CreateJob(r.Context(), job); err != nil {
			s.logger.Error("create batch job", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to create jobs")
			return
		}
	}
	s.queue.Nudge()

	s.writeJSON(w, http.StatusAccepted, map[string][]*model.Job{"jobs": jobs})
}

// buildJob validates one submission and returns the job to persist, or a nil
// job with the HTTP status and message to reject with.
func (s *Server) buildJob(ctx context.Context, req *createJobRequest) (*model.Job, int, string) {
	if req.UserID == "" {
		return nil, http.StatusBadRequest, "user_id is required"
	}
	if req.InputRef == "" {
		return nil, http.StatusBadRequest, "input_ref is required"
	}
	if req.Plan == "" {
		req.Plan = model.PlanFree
	}
	if !model.ValidPlan(req.Plan) {
		return nil, http.StatusBadRequest, "unknown plan "+strconv.Quote(req.Plan)
	}
	if req.Engine == "" {
		req.Engine = model.EngineAuto
	}

	if err := s.policy.ValidateRequest(req.Plan, req.Engine); err != nil {
		switch {
		case errors.Is(err, policy.ErrPlanNotAllowed):
			return nil, http.StatusForbidden, err.Error()
		case errors.Is(err, recog.ErrUnknownEngine):
			return nil, http.StatusBadRequest, err.Error()
		default:
			s.logger.Error("validate request", "error", err)
			return nil, http.StatusInternalServerError, "failed to validate request"
		}
	}

	if status, msg := s.precheckQuota(ctx, req); status != 0 {
		return nil, status, msg
	}

	return &model.Job{
		ID:         model.NewID(),
		UserID:     req.UserID,
		Plan:       req.Plan,
		InputRef:   req.InputRef,
		Engine:     req.Engine,
		Language:   req.Language,
		Preprocess: req.Preprocess,
		Status:     model.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}, 0, ""
}

// precheckQuota rejects an explicit metered-engine submission when the user's
// remaining quota cannot cover a single call. Automatic selection is never
// prechecked: its chain may end in a zero-cost engine, and the authoritative
// check happens at reservation time anyway.
func (s *Server) precheckQuota(ctx context.Context, req *createJobRequest) (int, string) {
	if req.Engine == model.EngineAuto {
		return 0, ""
	}
	eng, err := s.registry.Get(req.Engine)
	if err != nil || eng.CostPerCall == 0 {
		return 0, ""
	}

	q, err := s.guard.Snapshot(ctx, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		// First submission for this user; full quota available.
		return 0, ""
	}
	if err != nil {
		s.logger.Error("quota snapshot", "error", err)
		return 0, ""
	}
	if q.DailyUsed+eng.CostPerCall > q.DailyLimit || q.MonthlyUsed+eng.CostPerCall > q.MonthlyLimit {
		return http.StatusTooManyRequests, "quota exceeded for engine " + strconv.Quote(req.Engine)
	}
	return 0, ""
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	resp := jobResponse{Job: job}
	if resp.AttemptLogs, err = s.store.GetAttempts(r.Context(), id); err != nil {
		s.logger.Error("get attempts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if job.Status == model.StatusSucceeded {
		result, err := s.store.GetResult(r.Context(), id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("get result", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get job")
			return
		}
		resp.Result = result
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.RequestCancel(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if errors.Is(err, store.ErrInvalidTransition) {
			s.writeError(w, http.StatusConflict, "job already finished")
			return
		}
		s.logger.Error("cancel job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.logger.Error("get cancelled job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	// A job no worker has claimed yet can be finished right here instead of
	// waiting for a claim just to observe the flag. A job already in flight
	// keeps running; the worker honors the flag at its next checkpoint.
	if job.Status == model.StatusPending && job.LeaseOwner == "" {
		err := s.store.UpdateJobStatus(r.Context(), id, model.StatusCancelled)
		if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			s.logger.Error("finalize cancel", "error", err)
		}
		if job, err = s.store.GetJob(r.Context(), id); err != nil {
			s.logger.Error("get cancelled job", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
			return
		}
		// No worker will touch this job again; close out its event stream so
		// attached subscribers see the terminal status instead of hanging.
		if job.Status == model.StatusCancelled {
			s.broker.Publish(orchestrator.Event{
				JobID: id, Type: orchestrator.EventStatus,
				Status: model.StatusCancelled, Detail: "cancelled by user",
				Time: time.Now().UTC(),
			})
			s.broker.Close(id)
		}
	}

	s.writeJSON(w, http.StatusOK, job)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
