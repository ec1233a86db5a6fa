package stream

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mosaiq/backend/internal/store"
)

// JobUpdate is what clients receive on every status transition.
type JobUpdate struct {
	JobID        uuid.UUID           `json:"job_id"`
	Status       store.Status        `json:"status"`
	OutputImages []store.OutputImage `json:"output_images,omitempty"`
	ErrorMessage *string             `json:"error_message,omitempty"`
	Done         bool                `json:"done,omitempty"`
}

func jobChannel(jobID uuid.UUID) string   { return "job:" + jobID.String() }
func userChannel(userID uuid.UUID) string { return "user:" + userID.String() + ":jobs" }

func parseURL(redisURL string) (*redis.Options, error) {
	u := redisURL
	if u != "" && !strings.HasPrefix(u, "redis://") && !strings.HasPrefix(u, "rediss://") {
		u = "redis://" + u
	}
	return redis.ParseURL(u)
}

// Publisher pushes job transitions into Redis pub/sub (worker-side).
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(redisURL string) (*Publisher, error) {
	opt, err := parseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Publisher{rdb: rdb}, nil
}

// PublishJobUpdate fans the job's canonical fields out on both the per-job
// channel and the owner's all-jobs channel.
func (p *Publisher) PublishJobUpdate(ctx context.Context, job *store.Job) error {
	if p == nil || p.rdb == nil || job == nil {
		return nil
	}
	msg := JobUpdate{
		JobID:        job.ID,
		Status:       job.Status,
		OutputImages: job.OutputImages,
		ErrorMessage: job.ErrorMessage,
		Done:         job.Status.Terminal(),
	}
	b, _ := json.Marshal(msg)
	if err := p.rdb.Publish(ctx, jobChannel(job.ID), string(b)).Err(); err != nil {
		return err
	}
	return p.rdb.Publish(ctx, userChannel(job.UserID), string(b)).Err()
}

func (p *Publisher) Close() error {
	if p != nil && p.rdb != nil {
		return p.rdb.Close()
	}
	return nil
}

// Subscriber receives job transitions from Redis (API-side, feeding SSE).
type Subscriber struct {
	rdb *redis.Client
}

func NewSubscriber(redisURL string) (*Subscriber, error) {
	opt, err := parseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Subscriber{rdb: rdb}, nil
}

// SubscribeJob delivers updates for one job until a terminal update arrives
// or ctx is cancelled.
func (s *Subscriber) SubscribeJob(ctx context.Context, jobID uuid.UUID, onUpdate func(JobUpdate)) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	pubsub := s.rdb.Subscribe(ctx, jobChannel(jobID))
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var u JobUpdate
			if json.Unmarshal([]byte(msg.Payload), &u) == nil {
				onUpdate(u)
				if u.Done {
					return nil
				}
			}
		}
	}
}

// SubscribeUserJobs delivers updates for all of a user's jobs until ctx is
// cancelled.
func (s *Subscriber) SubscribeUserJobs(ctx context.Context, userID uuid.UUID, onUpdate func(JobUpdate)) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	pubsub := s.rdb.Subscribe(ctx, userChannel(userID))
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var u JobUpdate
			if json.Unmarshal([]byte(msg.Payload), &u) == nil {
				onUpdate(u)
			}
		}
	}
}

func (s *Subscriber) Close() error {
	if s != nil && s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}
