package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"mosaiq/backend/internal/store"
)

var (
	// ErrMissingConfiguration means required credentials or endpoints are
	// absent. Jobs hitting this fail outright; there is nothing to retry.
	ErrMissingConfiguration = errors.New("provider not configured")

	// ErrUnreachable wraps network-level failures. Callers leave the job in
	// its current state; a later webhook or force-fetch can still resolve it.
	ErrUnreachable = errors.New("provider unreachable")
)

// RejectedError is a non-success response from the provider. The raw provider
// message is preserved for diagnostics and ends up in the job's error_message.
type RejectedError struct {
	Provider store.Provider
	Message  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected request: %s", e.Provider, e.Message)
}

type DispatchRequest struct {
	// Model is the replicate model identifier (owner/name[:version]) or the
	// RunningHub webapp id, depending on the adapter.
	Model      string
	Parameters json.RawMessage // forwarded verbatim in the adapter's own shape
	WebhookURL string
}

// TaskRef mirrors the provider's task identity into our records. The provider
// owns the task; we only keep a back-reference.
type TaskRef struct {
	TaskID string
	Status store.Status
}

type Output struct {
	URL    string
	Width  int
	Height int
}

type TaskResult struct {
	Status  store.Status
	Outputs []Output
	Message string // provider error text when Status is failed
}

// Adapter is implemented once per external generation provider. Each concrete
// adapter owns its request shape and status vocabulary; everything past this
// interface speaks canonical statuses only.
type Adapter interface {
	Name() store.Provider
	Dispatch(ctx context.Context, req DispatchRequest) (TaskRef, error)
	FetchOutputs(ctx context.Context, taskID string) (TaskResult, error)
}
