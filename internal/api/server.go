package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mosaiq/backend/internal/cache"
	"mosaiq/backend/internal/middleware"
	"mosaiq/backend/internal/orchestrator"
	"mosaiq/backend/internal/store"
	"mosaiq/backend/internal/stream"
)

type Server struct {
	DB     *store.DB
	Orch   *orchestrator.Orchestrator
	Stream *stream.Subscriber
	Cache  *cache.Redis
	Log    zerolog.Logger

	redisURL  string
	jwtSecret string
	jwks      *keyfunc.JWKS
}

func NewServer(db *store.DB, orch *orchestrator.Orchestrator, streamSub *stream.Subscriber, c *cache.Redis, log zerolog.Logger, redisURL, jwtSecret string, jwks *keyfunc.JWKS) *Server {
	return &Server{
		DB: db, Orch: orch, Stream: streamSub, Cache: c, Log: log,
		redisURL: redisURL, jwtSecret: jwtSecret, jwks: jwks,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger(s.Log))
	r.Get("/health", s.health)
	r.Get("/health/ready", s.healthReady)

	// Provider callbacks: no auth (see webhooks.go), rate-limited by IP.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(120))
		r.Post("/api/webhooks/replicate", s.webhook(store.ProviderReplicate))
		r.Post("/api/webhooks/runninghub", s.webhook(store.ProviderRunningHub))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(s.jwtSecret, s.jwks, s.DB, s.Log))
		r.Use(middleware.RateLimit(300)) // SSE + polling clients
		r.Get("/me", s.me)
		r.Post("/jobs", s.submitJob)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/stream", s.streamAllJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Post("/jobs/{id}/refresh", s.refreshJob)
		r.Get("/jobs/{id}/stream", s.jobStream)
		r.Get("/conversations", s.listConversations)
		r.Get("/conversations/{id}", s.getConversation)
		r.Patch("/conversations/{id}", s.patchConversation)
		r.Route("/canvases", func(r chi.Router) {
			r.Get("/", s.listCanvases)
			r.Post("/", s.createCanvas)
			r.Delete("/items/{itemId}", s.removeCanvasItem)
			r.Get("/{id}", s.getCanvas)
			r.Post("/{id}/items", s.addCanvasItem)
			r.Patch("/{id}", s.updateCanvas)
			r.Delete("/{id}", s.deleteCanvas)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

func (s *Server) healthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.DB.Ping(ctx); err != nil {
		s.Log.Error().Err(err).Msg("health/ready: db ping")
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	if s.redisURL != "" {
		u := s.redisURL
		if !strings.HasPrefix(u, "redis://") && !strings.HasPrefix(u, "rediss://") {
			u = "redis://" + u
		}
		opt, err := redis.ParseURL(u)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "redis config invalid")
			return
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			s.Log.Error().Err(err).Msg("health/ready: redis ping")
			writeError(w, http.StatusServiceUnavailable, "redis unavailable")
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	user, err := s.DB.UserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":    user,
		"credits": user.Credits(),
	})
}

func (s *Server) invalidateJobCaches(ctx context.Context, userID uuid.UUID, conversationID *uuid.UUID) {
	if s.Cache == nil {
		return
	}
	if conversationID != nil {
		_ = s.Cache.Delete(ctx, "conversation:"+userID.String()+":"+conversationID.String())
	}
	_ = s.Cache.DeleteByPrefix(ctx, "jobs:"+userID.String()+":")
	_ = s.Cache.Delete(ctx, "conversations:"+userID.String())
}
