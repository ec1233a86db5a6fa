package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Provider string

const (
	ProviderReplicate  Provider = "replicate"
	ProviderRunningHub Provider = "running_hub"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a job in this status must never change again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrJobNotFound         = errors.New("job not found")

	// ErrContextNotFound means the conversation or canvas a job should attach
	// to does not exist or belongs to another user. Callers surface it as a
	// plain not-found so foreign ids cannot be enumerated.
	ErrContextNotFound = errors.New("conversation or canvas not found")
)

type OutputImage struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type Job struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	ConversationID *uuid.UUID      `json:"conversation_id,omitempty"`
	CanvasID       *uuid.UUID      `json:"canvas_id,omitempty"`
	Provider       Provider        `json:"provider"`
	Model          string          `json:"model"`
	Status         Status          `json:"status"`
	ProviderTaskID *string         `json:"provider_task_id,omitempty"`
	Parameters     json.RawMessage `json:"parameters"`
	OutputImages   []OutputImage   `json:"output_images"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	Cost           int             `json:"cost"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type CreateJobParams struct {
	UserID         uuid.UUID
	ConversationID *uuid.UUID // attach to existing conversation
	CanvasID       *uuid.UUID // or to a canvas; a new conversation is created when both are nil
	Provider       Provider
	Model          string
	Parameters     json.RawMessage
	Prompt         string
	Cost           int
}

// JobUpdate is applied by UpdateJobStatus. Nil fields are left untouched.
type JobUpdate struct {
	Status         Status
	ProviderTaskID *string
	OutputImages   []OutputImage
	ErrorMessage   *string
}

const jobColumns = `id, user_id, conversation_id, canvas_id, provider, model, status, provider_task_id, parameters, output_images, error_message, cost, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var outputs []byte
	err := row.Scan(&j.ID, &j.UserID, &j.ConversationID, &j.CanvasID, &j.Provider, &j.Model,
		&j.Status, &j.ProviderTaskID, &j.Parameters, &outputs, &j.ErrorMessage, &j.Cost,
		&j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(outputs) > 0 {
		_ = json.Unmarshal(outputs, &j.OutputImages)
	}
	return &j, nil
}

// CreateJobAtomic creates the job, its owning conversation message (or canvas
// link) and the credit debit in a single transaction. Either everything
// exists afterwards or nothing does. The balance check runs against the user
// row locked FOR UPDATE, so two concurrent submissions cannot jointly
// overspend.
func (db *DB) CreateJobAtomic(ctx context.Context, p CreateJobParams) (uuid.UUID, *uuid.UUID, error) {
	if p.Cost <= 0 {
		return uuid.Nil, nil, fmt.Errorf("cost must be positive, got %d", p.Cost)
	}
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, nil, err
	}
	defer tx.Rollback(ctx)

	var sub, bonus int
	err = tx.QueryRow(ctx,
		`SELECT subscription_credits, bonus_credits FROM users WHERE id = $1 FOR UPDATE`,
		p.UserID).Scan(&sub, &bonus)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil, ErrUserNotFound
	}
	if err != nil {
		return uuid.Nil, nil, err
	}
	if sub+bonus < p.Cost {
		return uuid.Nil, nil, ErrInsufficientCredits
	}
	debitSub := p.Cost
	if debitSub > sub {
		debitSub = sub
	}
	debitBonus := p.Cost - debitSub
	if _, err := tx.Exec(ctx,
		`UPDATE users SET subscription_credits = subscription_credits - $2, bonus_credits = bonus_credits - $3, updated_at = NOW() WHERE id = $1`,
		p.UserID, debitSub, debitBonus); err != nil {
		return uuid.Nil, nil, err
	}

	// The target context must belong to the submitting user; anything else
	// reads as not-found.
	if p.ConversationID != nil {
		var one int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM conversations WHERE id = $1 AND user_id = $2`,
			*p.ConversationID, p.UserID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, nil, ErrContextNotFound
		}
		if err != nil {
			return uuid.Nil, nil, err
		}
	}
	if p.CanvasID != nil {
		var one int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM canvases WHERE id = $1 AND user_id = $2`,
			*p.CanvasID, p.UserID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, nil, ErrContextNotFound
		}
		if err != nil {
			return uuid.Nil, nil, err
		}
	}

	conversationID := p.ConversationID
	if conversationID == nil && p.CanvasID == nil {
		id := uuid.New()
		title := firstNWords(p.Prompt, 4)
		if title == "" {
			title = time.Now().Format("2 Jan 2006")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversations (id, user_id, title) VALUES ($1,$2,$3)`,
			id, p.UserID, title); err != nil {
			return uuid.Nil, nil, err
		}
		conversationID = &id
	}

	jobID := uuid.New()
	params := p.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO jobs (id, user_id, conversation_id, canvas_id, provider, model, status, parameters, cost)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		jobID, p.UserID, conversationID, p.CanvasID, p.Provider, p.Model, StatusPending, params, p.Cost); err != nil {
		return uuid.Nil, nil, err
	}

	if conversationID != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (id, conversation_id, job_id, role, prompt) VALUES ($1,$2,$3,'user',$4)`,
			uuid.New(), *conversationID, jobID, p.Prompt); err != nil {
			return uuid.Nil, nil, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE conversations SET updated_at = NOW() WHERE id = $1`, *conversationID); err != nil {
			return uuid.Nil, nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, nil, err
	}
	return jobID, conversationID, nil
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	return scanJob(db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (db *DB) GetJobForUser(ctx context.Context, jobID, userID uuid.UUID) (*Job, error) {
	j, err := db.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// UpdateJobStatus applies u only when the job's current status is one of
// expected. Returns false when the guard did not match, which callers treat as
// "someone else got there first". provider_task_id is only ever written while
// still NULL, so it is set at most once.
func (db *DB) UpdateJobStatus(ctx context.Context, id uuid.UUID, expected []Status, u JobUpdate) (bool, error) {
	cur := make([]string, len(expected))
	for i, s := range expected {
		cur[i] = string(s)
	}
	var outputs []byte
	if u.OutputImages != nil {
		outputs, _ = json.Marshal(u.OutputImages)
	}
	tag, err := db.Pool.Exec(ctx,
		`UPDATE jobs SET status = $2,
		        provider_task_id = CASE WHEN provider_task_id IS NULL THEN COALESCE($3, provider_task_id) ELSE provider_task_id END,
		        output_images = COALESCE($4, output_images),
		        error_message = COALESCE($5, error_message),
		        updated_at = NOW()
		 WHERE id = $1 AND status = ANY($6)`,
		id, u.Status, u.ProviderTaskID, outputs, u.ErrorMessage, cur)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateJobOutputImages rewrites output_images on an already-succeeded job,
// used after mirroring artifacts to our own bucket. It deliberately refuses
// to touch any other status.
func (db *DB) UpdateJobOutputImages(ctx context.Context, id uuid.UUID, imgs []OutputImage) error {
	outputs, _ := json.Marshal(imgs)
	_, err := db.Pool.Exec(ctx,
		`UPDATE jobs SET output_images = $2, updated_at = NOW() WHERE id = $1 AND status = 'succeeded'`,
		id, outputs)
	return err
}

// MarkJobFailed transitions any non-terminal job to failed with msg.
func (db *DB) MarkJobFailed(ctx context.Context, id uuid.UUID, msg string) (bool, error) {
	return db.UpdateJobStatus(ctx, id,
		[]Status{StatusPending, StatusQueued, StatusRunning},
		JobUpdate{Status: StatusFailed, ErrorMessage: &msg})
}

func (db *DB) ListJobs(ctx context.Context, userID uuid.UUID, limit int) ([]Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (db *DB) ListJobsByConversation(ctx context.Context, conversationID, userID uuid.UUID) ([]Job, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE conversation_id = $1 AND user_id = $2 ORDER BY created_at ASC`,
		conversationID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListStaleJobs returns non-terminal jobs untouched for longer than maxAge.
// Used by the sweep.
func (db *DB) ListStaleJobs(ctx context.Context, maxAge time.Duration) ([]Job, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ('pending','queued','running') AND updated_at < NOW() - ($1 || ' minutes')::interval
		 ORDER BY updated_at ASC LIMIT 100`,
		fmt.Sprint(int(maxAge.Minutes())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func firstNWords(s string, n int) string {
	words := strings.Fields(strings.TrimSpace(s))
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:n], " ")
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	var list []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *j)
	}
	return list, rows.Err()
}
