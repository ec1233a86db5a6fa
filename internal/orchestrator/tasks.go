package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeDispatch  = "job:dispatch"
	TypeReconcile = "job:reconcile"
	TypeSweep     = "job:sweep"
)

var taskTimeout = asynq.Timeout(5 * time.Minute)

type JobPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

// NewDispatchTask schedules the background provider call for a freshly
// created job. MaxRetry is 0: a dispatch failure fails the job, it is not
// silently retried behind the user's back.
func NewDispatchTask(jobID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(JobPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDispatch, payload,
		asynq.Queue("default"), asynq.MaxRetry(0), taskTimeout), nil
}

// NewReconcileTask schedules a reconciliation, used by the stale sweep.
// Unique keeps a webhook burst from piling up duplicate work.
func NewReconcileTask(jobID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(JobPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeReconcile, payload,
		asynq.Queue("default"), asynq.MaxRetry(2), asynq.Unique(time.Minute), taskTimeout), nil
}

func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TypeSweep, nil,
		asynq.Queue("default"), asynq.MaxRetry(0), asynq.Unique(time.Minute), taskTimeout)
}
