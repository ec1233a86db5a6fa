package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mosaiq/backend/internal/auth"
)

type contextKey string

const userIDKey contextKey = "user_id"
const emailKey contextKey = "email"

// WithUserID stamps the authenticated principal onto the context. Handler
// tests use it to bypass token verification.
func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func withEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, emailKey, email)
}

func UserID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

func Email(ctx context.Context) string {
	e, _ := ctx.Value(emailKey).(string)
	return e
}

// UserSyncer lets the auth middleware sync the authenticated principal into
// the users table on first request.
type UserSyncer interface {
	UpsertUser(ctx context.Context, id uuid.UUID, email string) error
}

// Auth verifies the bearer token (JWKS when available, HS256 secret
// otherwise), syncs the user row and puts the user id in the context. SSE
// clients cannot set headers, so a token query parameter is accepted on GET.
func Auth(secret string, jwks *keyfunc.JWKS, users UserSyncer, log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			if raw == "" && r.Method == http.MethodGet && r.URL.Query().Get("token") != "" {
				raw = "Bearer " + r.URL.Query().Get("token")
			}
			if raw == "" {
				http.Error(w, `{"error":"missing authorization"}`, http.StatusUnauthorized)
				return
			}
			const prefix = "Bearer "
			if !strings.HasPrefix(raw, prefix) {
				http.Error(w, `{"error":"invalid authorization"}`, http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(raw, prefix)
			var userID uuid.UUID
			var email string
			var err error
			if jwks != nil {
				userID, email, err = auth.VerifyTokenJWKS(token, jwks)
			} else {
				userID, email, err = auth.VerifyToken(token, secret)
			}
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			if users != nil {
				if err := users.UpsertUser(r.Context(), userID, email); err != nil {
					log.Error().Err(err).Msg("auth: upsert user")
					http.Error(w, `{"error":"db error"}`, http.StatusInternalServerError)
					return
				}
			}
			ctx := WithUserID(r.Context(), userID)
			ctx = withEmail(ctx, email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
