package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"mosaiq/backend/internal/provider"
	"mosaiq/backend/internal/store"
)

// Reconcile fetches the provider's authoritative status for a job and applies
// it to the canonical record exactly once. Every trigger (the passive
// webhook, the user's force-fetch and the stale sweep) goes through this one
// function, so their transition logic cannot drift apart.
//
// Terminal jobs are returned untouched. Transient provider errors leave the
// job in its current state and are reported to the caller; they never mark
// the job failed.
func (o *Orchestrator) Reconcile(ctx context.Context, jobID uuid.UUID) (store.Status, error) {
	job, err := o.Store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status.Terminal() {
		return job.Status, nil
	}
	// Dispatched task id not recorded yet: the background dispatch is still
	// in flight (or failed and will write its own transition). Nothing to
	// reconcile against; pending is a valid read here.
	if job.ProviderTaskID == nil {
		return job.Status, nil
	}

	adapter := o.Adapters[job.Provider]
	if adapter == nil {
		return job.Status, provider.ErrMissingConfiguration
	}
	res, err := adapter.FetchOutputs(ctx, *job.ProviderTaskID)
	if err != nil {
		return job.Status, err
	}

	log := o.Log.With().Stringer("job_id", job.ID).Logger()
	nonTerminal := []store.Status{store.StatusPending, store.StatusQueued, store.StatusRunning}

	switch res.Status {
	case store.StatusSucceeded:
		if len(res.Outputs) == 0 {
			// Succeeded jobs must have artifacts. Refusing the transition
			// here is what keeps that invariant true in the store.
			return job.Status, ErrNoOutputs
		}
		imgs := make([]store.OutputImage, 0, len(res.Outputs))
		for _, out := range res.Outputs {
			img := store.OutputImage{URL: out.URL, Width: out.Width, Height: out.Height}
			if img.Width == 0 {
				img.Width = 1024
			}
			if img.Height == 0 {
				img.Height = 1024
			}
			imgs = append(imgs, img)
		}
		applied, err := o.Store.UpdateJobStatus(ctx, job.ID, nonTerminal,
			store.JobUpdate{Status: store.StatusSucceeded, OutputImages: imgs})
		if err != nil {
			return job.Status, err
		}
		if applied {
			log.Info().Int("outputs", len(imgs)).Msg("job succeeded")
			o.notify(ctx, job.ID)
			o.mirrorOutputs(job.ID, imgs)
		}
		return store.StatusSucceeded, nil

	case store.StatusFailed:
		msg := res.Message
		if msg == "" {
			msg = "generation failed"
		}
		applied, err := o.Store.UpdateJobStatus(ctx, job.ID, nonTerminal,
			store.JobUpdate{Status: store.StatusFailed, ErrorMessage: &msg})
		if err != nil {
			return job.Status, err
		}
		if applied {
			log.Info().Str("error_message", msg).Msg("job failed")
			o.notify(ctx, job.ID)
		}
		return store.StatusFailed, nil

	default:
		// Still in flight. Keep the stored status fresh so the sweep's
		// staleness clock restarts, but never move backwards from running.
		if res.Status == store.StatusRunning && job.Status != store.StatusRunning {
			if applied, err := o.Store.UpdateJobStatus(ctx, job.ID,
				[]store.Status{store.StatusPending, store.StatusQueued},
				store.JobUpdate{Status: store.StatusRunning}); err == nil && applied {
				o.notify(ctx, job.ID)
			}
		}
		return res.Status, nil
	}
}

// HandleReconcile is the asynq entry point used by the sweep. Transient
// provider errors are returned so asynq retries; everything else is final.
func (o *Orchestrator) HandleReconcile(ctx context.Context, t *asynq.Task) error {
	var p JobPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	_, err := o.Reconcile(ctx, p.JobID)
	if errors.Is(err, store.ErrJobNotFound) || errors.Is(err, ErrNoOutputs) || errors.Is(err, provider.ErrMissingConfiguration) {
		o.Log.Warn().Err(err).Stringer("job_id", p.JobID).Msg("reconcile")
		return nil
	}
	return err
}
