package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"mosaiq/backend/internal/provider"
	"mosaiq/backend/internal/storage"
	"mosaiq/backend/internal/store"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrInvalidCost     = errors.New("cost must be a positive integer")

	// ErrAmbiguousContext rejects a request naming both a conversation and a
	// canvas. Exactly one context owns a job.
	ErrAmbiguousContext = errors.New("job cannot belong to both a conversation and a canvas")

	// ErrNoOutputs is raised when a provider claims success but supplies no
	// artifacts. The job is left untouched rather than marked succeeded.
	ErrNoOutputs = errors.New("provider reported success with no outputs")
)

// Store is the job repository the orchestrator writes through. *store.DB
// implements it; tests supply an in-memory fake. The expected-status guard on
// UpdateJobStatus is what keeps concurrent webhook and force-fetch
// reconciliations from overwriting a terminal state.
type Store interface {
	CreateJobAtomic(ctx context.Context, p store.CreateJobParams) (uuid.UUID, *uuid.UUID, error)
	GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, expected []store.Status, u store.JobUpdate) (bool, error)
	MarkJobFailed(ctx context.Context, id uuid.UUID, msg string) (bool, error)
	UpdateJobOutputImages(ctx context.Context, id uuid.UUID, imgs []store.OutputImage) error
	ListStaleJobs(ctx context.Context, maxAge time.Duration) ([]store.Job, error)
}

// Enqueuer is the slice of asynq.Client we use.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Notifier pushes job transitions to connected clients. May be nil.
type Notifier interface {
	PublishJobUpdate(ctx context.Context, job *store.Job) error
}

type Orchestrator struct {
	Store    Store
	Adapters map[store.Provider]provider.Adapter
	Asynq    Enqueuer
	Notifier Notifier
	Media    *storage.Store // optional artifact mirroring
	Log      zerolog.Logger

	PublicBaseURL string
	JobTimeout    time.Duration
}

type SubmitRequest struct {
	Provider       store.Provider  `json:"provider"`
	Model          string          `json:"model"`
	Parameters     json.RawMessage `json:"parameters"`
	Prompt         string          `json:"prompt"`
	Cost           int             `json:"cost"`
	ConversationID *uuid.UUID      `json:"conversation_id,omitempty"`
	CanvasID       *uuid.UUID      `json:"canvas_id,omitempty"`
}

type SubmitResult struct {
	JobID          uuid.UUID  `json:"job_id"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
}

// Submit admits a generation request: credits are debited and the job,
// message and conversation created in one transaction, then a detached
// dispatch task is enqueued. The caller gets the job id back before any
// provider I/O happens; dispatch failures surface only through the job's
// status and error_message.
func (o *Orchestrator) Submit(ctx context.Context, userID uuid.UUID, req SubmitRequest) (*SubmitResult, error) {
	if req.Cost <= 0 {
		return nil, ErrInvalidCost
	}
	if req.ConversationID != nil && req.CanvasID != nil {
		return nil, ErrAmbiguousContext
	}
	switch req.Provider {
	case store.ProviderReplicate, store.ProviderRunningHub:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}

	jobID, conversationID, err := o.Store.CreateJobAtomic(ctx, store.CreateJobParams{
		UserID:         userID,
		ConversationID: req.ConversationID,
		CanvasID:       req.CanvasID,
		Provider:       req.Provider,
		Model:          req.Model,
		Parameters:     req.Parameters,
		Prompt:         req.Prompt,
		Cost:           req.Cost,
	})
	if err != nil {
		return nil, err
	}

	task, err := NewDispatchTask(jobID)
	if err == nil {
		_, err = o.Asynq.Enqueue(task)
	}
	if err != nil {
		// The job exists and the credits are spent, but nothing will ever
		// dispatch it. Fail it now so the client is not left with a job
		// that sits in pending forever.
		msg := "could not schedule dispatch: " + err.Error()
		if _, ferr := o.Store.MarkJobFailed(ctx, jobID, msg); ferr != nil {
			o.Log.Error().Err(ferr).Stringer("job_id", jobID).Msg("mark undispatchable job failed")
		}
		o.notify(ctx, jobID)
		return nil, fmt.Errorf("enqueue dispatch: %w", err)
	}

	o.Log.Info().Stringer("job_id", jobID).Str("provider", string(req.Provider)).
		Int("cost", req.Cost).Msg("job admitted")
	return &SubmitResult{JobID: jobID, ConversationID: conversationID}, nil
}

// Register wires the worker handlers onto the asynq mux.
func (o *Orchestrator) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeDispatch, o.HandleDispatch)
	mux.HandleFunc(TypeReconcile, o.HandleReconcile)
	mux.HandleFunc(TypeSweep, o.HandleSweep)
}

// notify republishes the job's current row on the realtime channel. Best
// effort; a lost notification only delays the UI until its next poll.
func (o *Orchestrator) notify(ctx context.Context, jobID uuid.UUID) {
	if o.Notifier == nil {
		return
	}
	job, err := o.Store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	if err := o.Notifier.PublishJobUpdate(ctx, job); err != nil {
		o.Log.Warn().Err(err).Stringer("job_id", jobID).Msg("publish job update")
	}
}
