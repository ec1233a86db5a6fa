package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrUserNotFound = errors.New("user not found")

type User struct {
	ID                  uuid.UUID `json:"id"`
	Email               string    `json:"email"`
	FullName            string    `json:"full_name,omitempty"`
	Plan                string    `json:"plan,omitempty"`
	SubscriptionCredits int       `json:"subscription_credits"`
	BonusCredits        int       `json:"bonus_credits"`
	CreatedAt           string    `json:"created_at"`
	UpdatedAt           string    `json:"updated_at"`
}

// Credits is the user's spendable balance: subscription pool + bonus pool.
func (u *User) Credits() int { return u.SubscriptionCredits + u.BonusCredits }

func (db *DB) UserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := db.Pool.QueryRow(ctx,
		`SELECT id, email, COALESCE(full_name,''), COALESCE(plan,''), subscription_credits, bonus_credits,
		        created_at::text, updated_at::text
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.FullName, &u.Plan, &u.SubscriptionCredits, &u.BonusCredits, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreditBalance reads the sum of both credit pools.
func (db *DB) CreditBalance(ctx context.Context, id uuid.UUID) (int, error) {
	var sub, bonus int
	err := db.Pool.QueryRow(ctx,
		`SELECT subscription_credits, bonus_credits FROM users WHERE id = $1`, id).
		Scan(&sub, &bonus)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	return sub + bonus, err
}

// UpsertUser syncs the authenticated principal into users. Used by the auth
// middleware so a first request creates the row.
func (db *DB) UpsertUser(ctx context.Context, id uuid.UUID, email string) error {
	if email == "" {
		email = id.String() + "@mosaiq.local" // placeholder when the token has no email
	}
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO users (id, email) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET email = COALESCE(NULLIF(EXCLUDED.email,''), users.email), updated_at = NOW()`,
		id, email)
	return err
}

// GrantCredits adds credits to a pool. pool is "subscription" or "bonus".
func (db *DB) GrantCredits(ctx context.Context, id uuid.UUID, pool string, amount int) error {
	col := "bonus_credits"
	if pool == "subscription" {
		col = "subscription_credits"
	}
	tag, err := db.Pool.Exec(ctx,
		`UPDATE users SET `+col+` = `+col+` + $2, updated_at = NOW() WHERE id = $1`, id, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
