package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mosaiq/backend/internal/store"
)

func newRHServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *RunningHub) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	rh, err := NewRunningHub(srv.URL, "test-key")
	require.NoError(t, err)
	return srv, rh
}

func TestNewRunningHubRequiresKey(t *testing.T) {
	_, err := NewRunningHub("https://www.runninghub.ai", "")
	assert.ErrorIs(t, err, ErrMissingConfiguration)
}

func TestRunningHubDispatch(t *testing.T) {
	var gotBody map[string]interface{}
	_, rh := newRHServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task/openapi/create", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0, "msg": "success",
			"data": map[string]string{"taskId": "19123456", "taskStatus": "QUEUED"},
		})
	})

	params, _ := json.Marshal([]NodeField{{NodeID: "6", FieldName: "text", FieldValue: "a red fox"}})
	ref, err := rh.Dispatch(context.Background(), DispatchRequest{
		Model:      "1907123456",
		Parameters: params,
		WebhookURL: "https://api.example.com/api/webhooks/runninghub?job_id=abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "19123456", ref.TaskID)
	assert.Equal(t, store.StatusQueued, ref.Status)

	assert.Equal(t, "test-key", gotBody["apiKey"])
	assert.Equal(t, "1907123456", gotBody["webappId"])
	assert.Equal(t, "https://api.example.com/api/webhooks/runninghub?job_id=abc", gotBody["webhookUrl"])
	nodes, ok := gotBody["nodeInfoList"].([]interface{})
	require.True(t, ok)
	require.Len(t, nodes, 1)
	node := nodes[0].(map[string]interface{})
	assert.Equal(t, "6", node["nodeId"])
	assert.Equal(t, "text", node["fieldName"])
	assert.Equal(t, "a red fox", node["fieldValue"])
}

func TestRunningHubDispatchRejected(t *testing.T) {
	_, rh := newRHServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 805, "msg": "APIKEY_INVALID_NODE_INFO"})
	})
	_, err := rh.Dispatch(context.Background(), DispatchRequest{Model: "1907123456"})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, store.ProviderRunningHub, rejected.Provider)
	assert.Contains(t, rejected.Message, "805")
	assert.Contains(t, rejected.Message, "APIKEY_INVALID_NODE_INFO")
}

func TestRunningHubDispatchHTTPError(t *testing.T) {
	_, rh := newRHServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	})
	_, err := rh.Dispatch(context.Background(), DispatchRequest{Model: "1907123456"})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Message, "HTTP 500")
	assert.Contains(t, rejected.Message, "upstream exploded")
}

func TestRunningHubDispatchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	rh, err := NewRunningHub(url, "test-key")
	require.NoError(t, err)
	_, err = rh.Dispatch(context.Background(), DispatchRequest{Model: "1907123456"})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestRunningHubDispatchBadParameters(t *testing.T) {
	_, rh := newRHServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the provider")
	})
	_, err := rh.Dispatch(context.Background(), DispatchRequest{
		Model:      "1907123456",
		Parameters: json.RawMessage(`{"prompt":"not a node list"}`),
	})
	assert.Error(t, err)
}

func TestRunningHubFetchOutputsSuccess(t *testing.T) {
	_, rh := newRHServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/task/openapi/status":
			json.NewEncoder(w).Encode(map[string]interface{}{"code": 0, "msg": "success", "data": "SUCCESS"})
		case "/task/openapi/outputs":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"code": 0, "msg": "success",
				"data": []map[string]string{
					{"fileUrl": "https://rh-output.com/a.png", "fileType": "png"},
					{"fileUrl": "https://rh-output.com/b.png", "fileType": "png"},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	res, err := rh.FetchOutputs(context.Background(), "19123456")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, res.Status)
	require.Len(t, res.Outputs, 2)
	assert.Equal(t, "https://rh-output.com/a.png", res.Outputs[0].URL)
}

func TestRunningHubFetchOutputsFailed(t *testing.T) {
	_, rh := newRHServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task/openapi/status", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 0, "msg": "node 6 OOM", "data": "FAILED"})
	})
	res, err := rh.FetchOutputs(context.Background(), "19123456")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, res.Status)
	assert.Equal(t, "node 6 OOM", res.Message)
	assert.Empty(t, res.Outputs)
}

func TestRunningHubFetchOutputsRunning(t *testing.T) {
	_, rh := newRHServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task/openapi/status", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 0, "msg": "success", "data": "RUNNING"})
	})
	res, err := rh.FetchOutputs(context.Background(), "19123456")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, res.Status)
	assert.Empty(t, res.Outputs)
}
