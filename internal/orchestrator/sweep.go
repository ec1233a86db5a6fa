package orchestrator

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

// HandleSweep reconciles jobs whose webhook never arrived. Jobs stale past
// JobTimeout with a provider task id get one more reconciliation; jobs that
// were never even dispatched, or that stay unresolved past three timeouts,
// are failed so they do not sit in running forever.
func (o *Orchestrator) HandleSweep(ctx context.Context, t *asynq.Task) error {
	stale, err := o.Store.ListStaleJobs(ctx, o.JobTimeout)
	if err != nil || len(stale) == 0 {
		return err
	}
	hardCutoff := 3 * o.JobTimeout
	for i := range stale {
		j := &stale[i]
		log := o.Log.With().Stringer("job_id", j.ID).Logger()

		if j.ProviderTaskID == nil {
			o.failJob(ctx, log, j.ID, "job timed out before dispatch completed")
			continue
		}
		age := time.Since(j.UpdatedAt)
		if age > hardCutoff {
			o.failJob(ctx, log, j.ID, "job timed out waiting for the provider")
			continue
		}
		task, err := NewReconcileTask(j.ID)
		if err != nil {
			continue
		}
		if _, err := o.Asynq.Enqueue(task); err != nil && err != asynq.ErrDuplicateTask {
			log.Warn().Err(err).Msg("sweep: enqueue reconcile")
		}
	}
	return nil
}
