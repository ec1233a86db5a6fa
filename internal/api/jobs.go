package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"mosaiq/backend/internal/middleware"
	"mosaiq/backend/internal/orchestrator"
	"mosaiq/backend/internal/provider"
	"mosaiq/backend/internal/store"
)

// submitJob admits a generation request. The 202 goes out as soon as the job
// row exists; provider dispatch happens on the work queue afterwards, so a
// job that "succeeded" here can still end up failed; clients watch the job's
// status for that.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req orchestrator.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model required")
		return
	}
	res, err := s.Orch.Submit(r.Context(), userID, req)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrInvalidCost), errors.Is(err, orchestrator.ErrAmbiguousContext):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, orchestrator.ErrUnknownProvider):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, store.ErrContextNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, store.ErrInsufficientCredits):
			writeError(w, http.StatusPaymentRequired, "insufficient credits")
		case errors.Is(err, store.ErrUserNotFound):
			writeError(w, http.StatusUnauthorized, "unauthorized")
		default:
			s.Log.Error().Err(err).Msg("submit job")
			writeError(w, http.StatusInternalServerError, "could not create job")
		}
		return
	}
	s.invalidateJobCaches(r.Context(), userID, res.ConversationID)
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.jobForUser(r, jobID, userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	jobs, err := s.DB.ListJobs(r.Context(), userID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// refreshJob is the manual force-fetch fallback for jobs whose webhook never
// arrived. Same reconciliation path as the webhook, only the trigger
// differs.
func (s *Server) refreshJob(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if _, err := s.jobForUser(r, jobID, userID); err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	status, err := s.Orch.Reconcile(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, orchestrator.ErrNoOutputs):
			writeError(w, http.StatusBadGateway, "provider reported success but returned no outputs")
		case errors.Is(err, provider.ErrUnreachable), errors.Is(err, provider.ErrMissingConfiguration):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			s.Log.Error().Err(err).Stringer("job_id", jobID).Msg("refresh job")
			writeError(w, http.StatusInternalServerError, "refresh failed")
		}
		return
	}
	s.invalidateJobCaches(r.Context(), userID, nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": jobID, "status": status})
}

// jobForUser reads the job through the orchestrator's store so ownership
// checks and reconciliation always see the same record.
func (s *Server) jobForUser(r *http.Request, jobID, userID uuid.UUID) (*store.Job, error) {
	job, err := s.Orch.Store.GetJob(r.Context(), jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, store.ErrJobNotFound
	}
	return job, nil
}
