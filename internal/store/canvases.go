package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrCanvasNameExists = errors.New("canvas name exists")

type Canvas struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at"`
	ItemCount int       `json:"item_count,omitempty"` // only in list
}

type CanvasItem struct {
	ID        uuid.UUID  `json:"id"`
	CanvasID  uuid.UUID  `json:"canvas_id"`
	JobID     *uuid.UUID `json:"job_id,omitempty"`
	URL       string     `json:"url"`
	SortOrder int        `json:"sort_order"`
	CreatedAt string     `json:"created_at"`
}

func (db *DB) canvasNameExists(ctx context.Context, userID uuid.UUID, name string, excludeID uuid.UUID) (bool, error) {
	var n int
	err := db.Pool.QueryRow(ctx,
		`SELECT 1 FROM canvases WHERE user_id = $1 AND name = $2 AND id != $3 LIMIT 1`,
		userID, name, excludeID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (db *DB) CreateCanvas(ctx context.Context, userID uuid.UUID, name string) (uuid.UUID, error) {
	if name == "" {
		name = "Untitled"
	}
	exists, err := db.canvasNameExists(ctx, userID, name, uuid.Nil)
	if err != nil {
		return uuid.Nil, err
	}
	if exists {
		return uuid.Nil, ErrCanvasNameExists
	}
	id := uuid.New()
	_, err = db.Pool.Exec(ctx, `INSERT INTO canvases (id, user_id, name) VALUES ($1,$2,$3)`, id, userID, name)
	return id, err
}

func (db *DB) GetCanvas(ctx context.Context, canvasID, userID uuid.UUID) (*Canvas, error) {
	var c Canvas
	err := db.Pool.QueryRow(ctx,
		`SELECT id, user_id, name, created_at::text, updated_at::text FROM canvases WHERE id = $1 AND user_id = $2`,
		canvasID, userID).
		Scan(&c.ID, &c.UserID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (db *DB) ListCanvases(ctx context.Context, userID uuid.UUID, limit int) ([]Canvas, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT c.id, c.user_id, c.name, c.created_at::text, c.updated_at::text,
		        (SELECT COUNT(*) FROM canvas_items WHERE canvas_id = c.id)::int
		 FROM canvases c WHERE c.user_id = $1 ORDER BY c.updated_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Canvas
	for rows.Next() {
		var c Canvas
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.CreatedAt, &c.UpdatedAt, &c.ItemCount); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (db *DB) RenameCanvas(ctx context.Context, canvasID, userID uuid.UUID, name string) error {
	exists, err := db.canvasNameExists(ctx, userID, name, canvasID)
	if err != nil {
		return err
	}
	if exists {
		return ErrCanvasNameExists
	}
	tag, err := db.Pool.Exec(ctx,
		`UPDATE canvases SET name = $3, updated_at = NOW() WHERE id = $1 AND user_id = $2`,
		canvasID, userID, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (db *DB) DeleteCanvas(ctx context.Context, canvasID, userID uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM canvases WHERE id = $1 AND user_id = $2`, canvasID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// AddCanvasItem links a job artifact (or an external URL) onto a canvas.
func (db *DB) AddCanvasItem(ctx context.Context, canvasID uuid.UUID, jobID *uuid.UUID, url string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO canvas_items (id, canvas_id, job_id, url, sort_order)
		 VALUES ($1,$2,$3,$4, COALESCE((SELECT MAX(sort_order)+1 FROM canvas_items WHERE canvas_id = $2), 0))`,
		id, canvasID, jobID, url)
	if err != nil {
		return uuid.Nil, err
	}
	_, _ = db.Pool.Exec(ctx, `UPDATE canvases SET updated_at = NOW() WHERE id = $1`, canvasID)
	return id, nil
}

func (db *DB) ListCanvasItems(ctx context.Context, canvasID uuid.UUID) ([]CanvasItem, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, canvas_id, job_id, url, sort_order, created_at::text
		 FROM canvas_items WHERE canvas_id = $1 ORDER BY sort_order ASC`, canvasID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []CanvasItem
	for rows.Next() {
		var it CanvasItem
		if err := rows.Scan(&it.ID, &it.CanvasID, &it.JobID, &it.URL, &it.SortOrder, &it.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, it)
	}
	return list, rows.Err()
}

func (db *DB) RemoveCanvasItem(ctx context.Context, itemID, userID uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM canvas_items ci USING canvases c WHERE ci.id = $1 AND ci.canvas_id = c.id AND c.user_id = $2`,
		itemID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
