package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"mosaiq/backend/internal/middleware"
	"mosaiq/backend/internal/stream"
)

// sseWriter wraps the response for Server-Sent Events delivery. Writes are
// serialized because updates and keepalives arrive from separate goroutines.
type sseWriter struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, f: f}, true
}

func (s *sseWriter) event(name string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, b)
	s.f.Flush()
	s.mu.Unlock()
}

func (s *sseWriter) comment(text string) {
	s.mu.Lock()
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.f.Flush()
	s.mu.Unlock()
}

// jobStream streams status transitions for a single job until it reaches a
// terminal state or the client disconnects.
func (s *Server) jobStream(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.DB.GetJobForUser(r.Context(), jobID, userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Snapshot first so a client connecting after the last transition still
	// sees the final state.
	snapshot := stream.JobUpdate{
		JobID:        job.ID,
		Status:       job.Status,
		OutputImages: job.OutputImages,
		ErrorMessage: job.ErrorMessage,
		Done:         job.Status.Terminal(),
	}
	sw.event("job", snapshot)
	if snapshot.Done {
		return
	}

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Stream.SubscribeJob(ctx, jobID, func(u stream.JobUpdate) {
			sw.event("job", u)
		})
	}()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-keepalive.C:
			sw.comment("keepalive")
		}
	}
}

// streamAllJobs streams transitions for every job owned by the caller.
func (s *Server) streamAllJobs(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sw.comment("connected")

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Stream.SubscribeUserJobs(ctx, userID, func(u stream.JobUpdate) {
			sw.event("job", u)
		})
	}()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-keepalive.C:
			sw.comment("keepalive")
		}
	}
}
