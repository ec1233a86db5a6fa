package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Conversation struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	Title      string     `json:"title"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	CreatedAt  string     `json:"created_at"`
	UpdatedAt  string     `json:"updated_at"`
}

type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	JobID          uuid.UUID `json:"job_id"`
	Role           string    `json:"role"`
	Prompt         string    `json:"prompt"`
	CreatedAt      string    `json:"created_at"`
}

func (db *DB) GetConversation(ctx context.Context, id, userID uuid.UUID) (*Conversation, error) {
	var c Conversation
	err := db.Pool.QueryRow(ctx,
		`SELECT id, user_id, COALESCE(title,''), archived_at, created_at::text, updated_at::text
		 FROM conversations WHERE id = $1 AND user_id = $2`, id, userID).
		Scan(&c.ID, &c.UserID, &c.Title, &c.ArchivedAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (db *DB) ListConversations(ctx context.Context, userID uuid.UUID, limit int, archived bool) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	cond := "archived_at IS NULL"
	if archived {
		cond = "archived_at IS NOT NULL"
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT id, user_id, COALESCE(title,''), archived_at, created_at::text, updated_at::text
		 FROM conversations WHERE user_id = $1 AND `+cond+` ORDER BY updated_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.ArchivedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (db *DB) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, conversation_id, job_id, role, prompt, created_at::text
		 FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.JobID, &m.Role, &m.Prompt, &m.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

func (db *DB) RenameConversation(ctx context.Context, id, userID uuid.UUID, title string) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE conversations SET title = $3, updated_at = NOW() WHERE id = $1 AND user_id = $2`,
		id, userID, title)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (db *DB) ArchiveConversation(ctx context.Context, id, userID uuid.UUID, archived bool) error {
	set := "archived_at = NOW()"
	if !archived {
		set = "archived_at = NULL"
	}
	tag, err := db.Pool.Exec(ctx,
		`UPDATE conversations SET `+set+`, updated_at = NOW() WHERE id = $1 AND user_id = $2`,
		id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
