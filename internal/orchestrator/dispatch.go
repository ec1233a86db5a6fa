package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"mosaiq/backend/internal/provider"
	"mosaiq/backend/internal/store"
)

// HandleDispatch performs the provider call for a created job. It never
// returns an error for job-level failures: those are written onto the job
// row, which is the only channel the original caller can still see.
func (o *Orchestrator) HandleDispatch(ctx context.Context, t *asynq.Task) error {
	var p JobPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	log := o.Log.With().Stringer("job_id", p.JobID).Logger()

	job, err := o.Store.GetJob(ctx, p.JobID)
	if errors.Is(err, store.ErrJobNotFound) {
		log.Warn().Msg("dispatch: job vanished")
		return nil
	}
	if err != nil {
		return err
	}
	// Redelivered task after a crash mid-dispatch, or a webhook beat us here.
	if job.Status.Terminal() || job.ProviderTaskID != nil {
		return nil
	}

	adapter := o.Adapters[job.Provider]
	if adapter == nil {
		o.failJob(ctx, log, job.ID, fmt.Sprintf("provider %s is not configured", job.Provider))
		return nil
	}
	if o.PublicBaseURL == "" {
		o.failJob(ctx, log, job.ID, "PUBLIC_BASE_URL is not set; cannot receive provider webhooks")
		return nil
	}

	ref, err := adapter.Dispatch(ctx, provider.DispatchRequest{
		Model:      job.Model,
		Parameters: job.Parameters,
		WebhookURL: o.webhookURL(job),
	})
	if err != nil {
		o.failJob(ctx, log, job.ID, dispatchErrorMessage(err))
		return nil
	}

	status := ref.Status
	if status != store.StatusQueued && status != store.StatusRunning {
		status = store.StatusQueued
	}
	applied, err := o.Store.UpdateJobStatus(ctx, job.ID,
		[]store.Status{store.StatusPending},
		store.JobUpdate{Status: status, ProviderTaskID: &ref.TaskID})
	if err != nil {
		return err
	}
	if applied {
		log.Info().Str("provider_task_id", ref.TaskID).Str("status", string(status)).Msg("job dispatched")
		o.notify(ctx, job.ID)
	}
	return nil
}

func (o *Orchestrator) failJob(ctx context.Context, log zerolog.Logger, jobID uuid.UUID, msg string) {
	applied, err := o.Store.MarkJobFailed(ctx, jobID, msg)
	if err != nil {
		log.Error().Err(err).Msg("mark job failed")
		return
	}
	if applied {
		log.Info().Str("error_message", msg).Msg("job failed at dispatch")
		o.notify(ctx, jobID)
	}
}

func (o *Orchestrator) webhookURL(job *store.Job) string {
	return fmt.Sprintf("%s/api/webhooks/%s?job_id=%s", o.PublicBaseURL, webhookPath(job.Provider), job.ID)
}

func webhookPath(p store.Provider) string {
	if p == store.ProviderRunningHub {
		return "runninghub"
	}
	return string(p)
}

// dispatchErrorMessage turns an adapter error into the human-readable
// error_message stored on the job.
func dispatchErrorMessage(err error) string {
	var rejected *provider.RejectedError
	switch {
	case errors.As(err, &rejected):
		return rejected.Error()
	case errors.Is(err, provider.ErrMissingConfiguration):
		return "provider is not configured"
	case errors.Is(err, provider.ErrUnreachable):
		return "provider unreachable: " + err.Error()
	default:
		return err.Error()
	}
}
