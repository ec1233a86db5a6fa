package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"mosaiq/backend/internal/store"
)

// RunningHub drives ComfyUI webapps over RunningHub's openapi. Parameters are
// an ordered list of node overrides rather than a flat object: each entry
// patches one field of one node in the workflow graph. Task identity comes
// back as data.taskId and statuses are uppercase (QUEUED/RUNNING/SUCCESS/
// FAILED); NormalizeStatus absorbs that.
type RunningHub struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewRunningHub(baseURL, apiKey string) (*RunningHub, error) {
	if apiKey == "" {
		return nil, ErrMissingConfiguration
	}
	return &RunningHub{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (r *RunningHub) Name() store.Provider { return store.ProviderRunningHub }

// NodeField is one entry of the node-graph parameter list.
type NodeField struct {
	NodeID     string      `json:"nodeId"`
	FieldName  string      `json:"fieldName"`
	FieldValue interface{} `json:"fieldValue"`
}

type rhEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (r *RunningHub) Dispatch(ctx context.Context, req DispatchRequest) (TaskRef, error) {
	var nodes []NodeField
	if len(req.Parameters) > 0 {
		if err := json.Unmarshal(req.Parameters, &nodes); err != nil {
			return TaskRef{}, fmt.Errorf("runninghub parameters must be a nodeId/fieldName/fieldValue list: %w", err)
		}
	}
	body := map[string]interface{}{
		"webappId":     req.Model,
		"apiKey":       r.apiKey,
		"nodeInfoList": nodes,
		"webhookUrl":   req.WebhookURL,
	}
	env, err := r.post(ctx, "/task/openapi/create", body)
	if err != nil {
		return TaskRef{}, err
	}
	var data struct {
		TaskID     string `json:"taskId"`
		TaskStatus string `json:"taskStatus"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.TaskID == "" {
		return TaskRef{}, fmt.Errorf("runninghub create: malformed response data: %s", env.Data)
	}
	return TaskRef{TaskID: data.TaskID, Status: NormalizeStatus(data.TaskStatus)}, nil
}

func (r *RunningHub) FetchOutputs(ctx context.Context, taskID string) (TaskResult, error) {
	env, err := r.post(ctx, "/task/openapi/status", map[string]interface{}{
		"apiKey": r.apiKey,
		"taskId": taskID,
	})
	if err != nil {
		return TaskResult{}, err
	}
	var rawStatus string
	if err := json.Unmarshal(env.Data, &rawStatus); err != nil {
		return TaskResult{}, fmt.Errorf("runninghub status: malformed response data: %s", env.Data)
	}
	status := NormalizeStatus(rawStatus)
	switch status {
	case store.StatusFailed:
		msg := env.Msg
		if msg == "" || msg == "success" {
			msg = "task failed"
		}
		return TaskResult{Status: store.StatusFailed, Message: msg}, nil
	case store.StatusSucceeded:
		// fall through to outputs below
	default:
		return TaskResult{Status: status}, nil
	}

	outEnv, err := r.post(ctx, "/task/openapi/outputs", map[string]interface{}{
		"apiKey": r.apiKey,
		"taskId": taskID,
	})
	if err != nil {
		return TaskResult{}, err
	}
	var files []struct {
		FileURL  string `json:"fileUrl"`
		FileType string `json:"fileType"`
	}
	if err := json.Unmarshal(outEnv.Data, &files); err != nil {
		return TaskResult{}, fmt.Errorf("runninghub outputs: malformed response data: %s", outEnv.Data)
	}
	res := TaskResult{Status: store.StatusSucceeded}
	for _, f := range files {
		if f.FileURL != "" {
			res.Outputs = append(res.Outputs, Output{URL: f.FileURL})
		}
	}
	return res, nil
}

func (r *RunningHub) post(ctx context.Context, path string, body interface{}) (*rhEnvelope, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Host", "www.runninghub.ai")
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &RejectedError{
			Provider: store.ProviderRunningHub,
			Message:  fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(raw)),
		}
	}
	var env rhEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("runninghub %s: malformed response: %v", path, err)
	}
	if env.Code != 0 {
		return nil, &RejectedError{
			Provider: store.ProviderRunningHub,
			Message:  fmt.Sprintf("code %d: %s", env.Code, env.Msg),
		}
	}
	return &env, nil
}
