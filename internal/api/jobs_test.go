package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mosaiq/backend/internal/middleware"
	"mosaiq/backend/internal/orchestrator"
	"mosaiq/backend/internal/provider"
	"mosaiq/backend/internal/store"
)

// memStore is a minimal in-memory job repository for handler tests. Transition
// guards mirror the SQL layer.
type memStore struct {
	mu            sync.Mutex
	jobs          map[uuid.UUID]*store.Job
	credits       map[uuid.UUID]int
	conversations map[uuid.UUID]uuid.UUID // conversation id -> owner
}

func newMemStore() *memStore {
	return &memStore{
		jobs:          map[uuid.UUID]*store.Job{},
		credits:       map[uuid.UUID]int{},
		conversations: map[uuid.UUID]uuid.UUID{},
	}
}

func (m *memStore) CreateJobAtomic(ctx context.Context, p store.CreateJobParams) (uuid.UUID, *uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.credits[p.UserID] < p.Cost {
		return uuid.Nil, nil, store.ErrInsufficientCredits
	}
	if p.ConversationID != nil && m.conversations[*p.ConversationID] != p.UserID {
		return uuid.Nil, nil, store.ErrContextNotFound
	}
	m.credits[p.UserID] -= p.Cost
	convID := uuid.New()
	if p.ConversationID != nil {
		convID = *p.ConversationID
	} else {
		m.conversations[convID] = p.UserID
	}
	j := &store.Job{
		ID: uuid.New(), UserID: p.UserID, ConversationID: &convID,
		Provider: p.Provider, Model: p.Model, Status: store.StatusPending,
		Parameters: p.Parameters, Cost: p.Cost,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	m.jobs[j.ID] = j
	return j.ID, &convID, nil
}

func (m *memStore) GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, expected []store.Status, u store.JobUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, s := range expected {
		if j.Status == s {
			matched = true
		}
	}
	if !matched {
		return false, nil
	}
	j.Status = u.Status
	if u.ProviderTaskID != nil && j.ProviderTaskID == nil {
		v := *u.ProviderTaskID
		j.ProviderTaskID = &v
	}
	if u.OutputImages != nil {
		j.OutputImages = u.OutputImages
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = u.ErrorMessage
	}
	j.UpdatedAt = time.Now()
	return true, nil
}

func (m *memStore) MarkJobFailed(ctx context.Context, id uuid.UUID, msg string) (bool, error) {
	return m.UpdateJobStatus(ctx, id,
		[]store.Status{store.StatusPending, store.StatusQueued, store.StatusRunning},
		store.JobUpdate{Status: store.StatusFailed, ErrorMessage: &msg})
}

func (m *memStore) UpdateJobOutputImages(ctx context.Context, id uuid.UUID, imgs []store.OutputImage) error {
	return nil
}

func (m *memStore) ListStaleJobs(ctx context.Context, maxAge time.Duration) ([]store.Job, error) {
	return nil, nil
}

type stubAdapter struct {
	name   store.Provider
	result provider.TaskResult
	err    error
}

func (a *stubAdapter) Name() store.Provider { return a.name }
func (a *stubAdapter) Dispatch(ctx context.Context, req provider.DispatchRequest) (provider.TaskRef, error) {
	return provider.TaskRef{TaskID: "task-1", Status: store.StatusQueued}, nil
}
func (a *stubAdapter) FetchOutputs(ctx context.Context, taskID string) (provider.TaskResult, error) {
	return a.result, a.err
}

type noopEnqueuer struct{}

func (noopEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return &asynq.TaskInfo{}, nil
}

func newTestServer(ms *memStore, adapter *stubAdapter) *Server {
	adapters := map[store.Provider]provider.Adapter{}
	if adapter != nil {
		adapters[adapter.name] = adapter
	}
	orch := &orchestrator.Orchestrator{
		Store:         ms,
		Adapters:      adapters,
		Asynq:         noopEnqueuer{},
		Log:           zerolog.Nop(),
		PublicBaseURL: "https://api.example.com",
		JobTimeout:    15 * time.Minute,
	}
	return &Server{Orch: orch, Log: zerolog.Nop()}
}

func testRouter(s *Server, userID uuid.UUID) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/webhooks/replicate", s.webhook(store.ProviderReplicate))
	r.Post("/api/webhooks/runninghub", s.webhook(store.ProviderRunningHub))
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(middleware.WithUserID(req.Context(), userID)))
			})
		})
		r.Post("/api/jobs", s.submitJob)
		r.Get("/api/jobs/{id}", s.getJob)
		r.Post("/api/jobs/{id}/refresh", s.refreshJob)
	})
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSubmitJobAccepted(t *testing.T) {
	ms := newMemStore()
	userID := uuid.New()
	ms.credits[userID] = 10
	s := newTestServer(ms, &stubAdapter{name: store.ProviderReplicate})
	h := testRouter(s, userID)

	w := doJSON(t, h, http.MethodPost, "/api/jobs", map[string]interface{}{
		"provider":   "replicate",
		"model":      "black-forest-labs/flux-schnell",
		"parameters": map[string]string{"prompt": "a red fox"},
		"cost":       4,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var res orchestrator.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.NotEqual(t, uuid.Nil, res.JobID)
	assert.Equal(t, 6, ms.credits[userID])
}

func TestSubmitJobInsufficientCredits(t *testing.T) {
	ms := newMemStore()
	userID := uuid.New()
	ms.credits[userID] = 10
	s := newTestServer(ms, &stubAdapter{name: store.ProviderReplicate})
	h := testRouter(s, userID)

	w := doJSON(t, h, http.MethodPost, "/api/jobs", map[string]interface{}{
		"provider": "replicate",
		"model":    "black-forest-labs/flux-schnell",
		"cost":     20,
	})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, 10, ms.credits[userID])
	assert.Empty(t, ms.jobs)
}

func TestSubmitJobValidation(t *testing.T) {
	ms := newMemStore()
	userID := uuid.New()
	ms.credits[userID] = 10
	s := newTestServer(ms, &stubAdapter{name: store.ProviderReplicate})
	h := testRouter(s, userID)

	w := doJSON(t, h, http.MethodPost, "/api/jobs", map[string]interface{}{
		"provider": "replicate", "cost": 4,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing model")

	w = doJSON(t, h, http.MethodPost, "/api/jobs", map[string]interface{}{
		"provider": "replicate", "model": "m", "cost": 0,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "non-positive cost")

	w = doJSON(t, h, http.MethodPost, "/api/jobs", map[string]interface{}{
		"provider": "midjourney", "model": "m", "cost": 1,
	})
	assert.Equal(t, http.StatusNotFound, w.Code, "unknown provider")
}

func TestSubmitJobForeignConversation(t *testing.T) {
	ms := newMemStore()
	victim := uuid.New()
	attacker := uuid.New()
	ms.credits[attacker] = 10
	victimConv := uuid.New()
	ms.conversations[victimConv] = victim

	s := newTestServer(ms, &stubAdapter{name: store.ProviderReplicate})
	h := testRouter(s, attacker)

	// Foreign conversation ids read as not-found, never as a write target.
	w := doJSON(t, h, http.MethodPost, "/api/jobs", map[string]interface{}{
		"provider":        "replicate",
		"model":           "black-forest-labs/flux-schnell",
		"cost":            4,
		"conversation_id": victimConv.String(),
	})
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
	assert.Equal(t, 10, ms.credits[attacker])
	assert.Empty(t, ms.jobs)
}

func TestSubmitJobBothContexts(t *testing.T) {
	ms := newMemStore()
	userID := uuid.New()
	ms.credits[userID] = 10
	s := newTestServer(ms, &stubAdapter{name: store.ProviderReplicate})
	h := testRouter(s, userID)

	w := doJSON(t, h, http.MethodPost, "/api/jobs", map[string]interface{}{
		"provider":        "replicate",
		"model":           "black-forest-labs/flux-schnell",
		"cost":            4,
		"conversation_id": uuid.NewString(),
		"canvas_id":       uuid.NewString(),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Empty(t, ms.jobs)
}

func TestGetJobOwnership(t *testing.T) {
	ms := newMemStore()
	owner := uuid.New()
	ms.credits[owner] = 10
	jobID, _, err := ms.CreateJobAtomic(context.Background(), store.CreateJobParams{
		UserID: owner, Provider: store.ProviderReplicate, Model: "m", Cost: 1,
	})
	require.NoError(t, err)

	s := newTestServer(ms, &stubAdapter{name: store.ProviderReplicate})

	w := doJSON(t, testRouter(s, owner), http.MethodGet, "/api/jobs/"+jobID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Another user gets 404, not 403: job ids must not leak existence.
	w = doJSON(t, testRouter(s, uuid.New()), http.MethodGet, "/api/jobs/"+jobID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func seedDispatchedJob(t *testing.T, ms *memStore, userID uuid.UUID) uuid.UUID {
	t.Helper()
	ms.credits[userID] += 10
	jobID, _, err := ms.CreateJobAtomic(context.Background(), store.CreateJobParams{
		UserID: userID, Provider: store.ProviderReplicate, Model: "m", Cost: 1,
	})
	require.NoError(t, err)
	taskID := "task-1"
	_, err = ms.UpdateJobStatus(context.Background(), jobID,
		[]store.Status{store.StatusPending},
		store.JobUpdate{Status: store.StatusRunning, ProviderTaskID: &taskID})
	require.NoError(t, err)
	return jobID
}

func TestWebhookTriggersReconcile(t *testing.T) {
	ms := newMemStore()
	userID := uuid.New()
	jobID := seedDispatchedJob(t, ms, userID)
	s := newTestServer(ms, &stubAdapter{
		name: store.ProviderReplicate,
		result: provider.TaskResult{
			Status:  store.StatusSucceeded,
			Outputs: []provider.Output{{URL: "https://replicate.delivery/out.png"}},
		},
	})
	h := testRouter(s, userID)

	// The body is attacker-controlled and must be ignored; only the provider
	// fetch decides the outcome.
	w := doJSON(t, h, http.MethodPost, "/api/webhooks/replicate?job_id="+jobID.String(),
		map[string]interface{}{"status": "failed", "error": "spoofed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	j, err := ms.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, j.Status)
	require.Len(t, j.OutputImages, 1)
	assert.Equal(t, "https://replicate.delivery/out.png", j.OutputImages[0].URL)
	assert.Nil(t, j.ErrorMessage)
}

func TestWebhookProviderMismatch(t *testing.T) {
	ms := newMemStore()
	userID := uuid.New()
	jobID := seedDispatchedJob(t, ms, userID)
	s := newTestServer(ms, &stubAdapter{name: store.ProviderReplicate})
	h := testRouter(s, userID)

	w := doJSON(t, h, http.MethodPost, "/api/webhooks/runninghub?job_id="+jobID.String(), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookMissingJob(t *testing.T) {
	s := newTestServer(newMemStore(), &stubAdapter{name: store.ProviderReplicate})
	h := testRouter(s, uuid.New())

	w := doJSON(t, h, http.MethodPost, "/api/webhooks/replicate?job_id="+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/webhooks/replicate", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookProviderUnreachable(t *testing.T) {
	ms := newMemStore()
	userID := uuid.New()
	jobID := seedDispatchedJob(t, ms, userID)
	s := newTestServer(ms, &stubAdapter{name: store.ProviderReplicate, err: provider.ErrUnreachable})
	h := testRouter(s, userID)

	// 502 tells the provider to redeliver later.
	w := doJSON(t, h, http.MethodPost, "/api/webhooks/replicate?job_id="+jobID.String(), nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	j, err := ms.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, j.Status)
}

func TestRefreshJobForceFetch(t *testing.T) {
	ms := newMemStore()
	userID := uuid.New()
	jobID := seedDispatchedJob(t, ms, userID)
	s := newTestServer(ms, &stubAdapter{
		name:   store.ProviderReplicate,
		result: provider.TaskResult{Status: store.StatusRunning},
	})
	h := testRouter(s, userID)

	w := doJSON(t, h, http.MethodPost, "/api/jobs/"+jobID.String()+"/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res struct {
		Status store.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, store.StatusRunning, res.Status)

	j, err := ms.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, j.Status, "in-flight refresh changes nothing")
}

func TestRefreshJobNoOutputs(t *testing.T) {
	ms := newMemStore()
	userID := uuid.New()
	jobID := seedDispatchedJob(t, ms, userID)
	s := newTestServer(ms, &stubAdapter{
		name:   store.ProviderReplicate,
		result: provider.TaskResult{Status: store.StatusSucceeded},
	})
	h := testRouter(s, userID)

	w := doJSON(t, h, http.MethodPost, "/api/jobs/"+jobID.String()+"/refresh", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	j, err := ms.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, j.Status)
}
