package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	repgo "github.com/replicate/replicate-go"

	"mosaiq/backend/internal/store"
)

// Replicate dispatches predictions through the official client. Parameters are
// a flat JSON object, the task identity field is "id" and statuses arrive
// lowercase (starting/processing/succeeded/failed).
type Replicate struct {
	client *repgo.Client
}

func NewReplicate(token string) (*Replicate, error) {
	if token == "" {
		return nil, ErrMissingConfiguration
	}
	cl, err := repgo.NewClient(repgo.WithToken(token))
	if err != nil {
		return nil, err
	}
	return &Replicate{client: cl}, nil
}

func (r *Replicate) Name() store.Provider { return store.ProviderReplicate }

func (r *Replicate) Dispatch(ctx context.Context, req DispatchRequest) (TaskRef, error) {
	var input repgo.PredictionInput
	if len(req.Parameters) > 0 {
		if err := json.Unmarshal(req.Parameters, &input); err != nil {
			return TaskRef{}, fmt.Errorf("replicate parameters must be a flat object: %w", err)
		}
	}
	if input == nil {
		input = repgo.PredictionInput{}
	}
	// Completion-only webhook: we never want start/output/log callbacks.
	webhook := &repgo.Webhook{
		URL:    req.WebhookURL,
		Events: []repgo.WebhookEventType{repgo.WebhookEventCompleted},
	}

	var pred *repgo.Prediction
	var err error
	if owner, name, ok := splitModel(req.Model); ok {
		pred, err = r.client.CreatePredictionWithModel(ctx, owner, name, input, webhook, false)
	} else {
		// bare version hash
		pred, err = r.client.CreatePrediction(ctx, req.Model, input, webhook, false)
	}
	if err != nil {
		return TaskRef{}, r.classify(err)
	}
	return TaskRef{TaskID: pred.ID, Status: NormalizeStatus(string(pred.Status))}, nil
}

func (r *Replicate) FetchOutputs(ctx context.Context, taskID string) (TaskResult, error) {
	pred, err := r.client.GetPrediction(ctx, taskID)
	if err != nil {
		return TaskResult{}, r.classify(err)
	}
	res := TaskResult{Status: NormalizeStatus(string(pred.Status))}
	if res.Status == store.StatusFailed {
		res.Message = predictionError(pred)
		return res, nil
	}
	if res.Status == store.StatusSucceeded {
		for _, u := range outputURLs(pred.Output) {
			res.Outputs = append(res.Outputs, Output{URL: u})
		}
	}
	return res, nil
}

func (r *Replicate) classify(err error) error {
	var apiErr *repgo.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Detail
		if msg == "" {
			msg = apiErr.Error()
		}
		return &RejectedError{Provider: store.ProviderReplicate, Message: msg}
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func splitModel(identifier string) (owner, name string, ok bool) {
	if strings.Contains(identifier, ":") {
		return "", "", false
	}
	parts := strings.SplitN(identifier, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// outputURLs flattens the prediction output, which is a single URL string for
// some models and an array of URL strings for others.
func outputURLs(out repgo.PredictionOutput) []string {
	switch v := out.(type) {
	case string:
		if v != "" {
			return []string{v}
		}
	case []interface{}:
		var urls []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				urls = append(urls, s)
			}
		}
		return urls
	case map[string]interface{}:
		if inner, ok := v["output"]; ok {
			return outputURLs(inner)
		}
	}
	return nil
}

func predictionError(pred *repgo.Prediction) string {
	if pred.Error == nil {
		return "prediction failed"
	}
	if s, ok := pred.Error.(string); ok && s != "" {
		return s
	}
	return fmt.Sprintf("%v", pred.Error)
}
