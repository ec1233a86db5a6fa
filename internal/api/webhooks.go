package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"mosaiq/backend/internal/orchestrator"
	"mosaiq/backend/internal/provider"
	"mosaiq/backend/internal/store"
)

// webhook handles a provider's completion callback. The body is deliberately
// ignored: an unauthenticated caller can only make us fetch the authoritative
// state from the provider over our own credentialed connection, never inject
// a status or output directly. Reconcile is idempotent, so duplicate
// deliveries and a concurrent force-fetch are harmless.
func (s *Server) webhook(p store.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 1<<20))

		jobID, err := uuid.Parse(r.URL.Query().Get("job_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "job_id required")
			return
		}
		job, err := s.Orch.Store.GetJob(r.Context(), jobID)
		if err != nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if job.Provider != p {
			writeError(w, http.StatusBadRequest, "provider mismatch")
			return
		}
		status, err := s.Orch.Reconcile(r.Context(), jobID)
		if err != nil {
			switch {
			case errors.Is(err, provider.ErrUnreachable):
				// transient: 502 so the provider redelivers
				writeError(w, http.StatusBadGateway, "provider unreachable")
			case errors.Is(err, orchestrator.ErrNoOutputs):
				s.Log.Error().Stringer("job_id", jobID).Msg("webhook: success with no outputs")
				writeError(w, http.StatusBadGateway, "no outputs")
			default:
				s.Log.Error().Err(err).Stringer("job_id", jobID).Msg("webhook reconcile")
				writeError(w, http.StatusInternalServerError, "reconcile failed")
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": jobID, "status": status})
	}
}
