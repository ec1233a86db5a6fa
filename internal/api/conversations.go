package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"mosaiq/backend/internal/middleware"
)

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	archived := r.URL.Query().Get("archived") == "true"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	cacheKey := ""
	if s.Cache != nil && !archived && limit == 0 {
		cacheKey = "conversations:" + userID.String()
		if b, _ := s.Cache.Get(r.Context(), cacheKey); b != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Write(b)
			return
		}
	}
	list, err := s.DB.ListConversations(r.Context(), userID, limit, archived)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list conversations")
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{"conversations": list})
	if cacheKey != "" {
		_ = s.Cache.Set(r.Context(), cacheKey, payload)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	conv, err := s.DB.GetConversation(r.Context(), id, userID)
	if err != nil || conv == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	messages, err := s.DB.ListMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list messages")
		return
	}
	jobs, err := s.DB.ListJobsByConversation(r.Context(), id, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"messages":     messages,
		"jobs":         jobs,
	})
}

func (s *Server) patchConversation(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	var req struct {
		Title    *string `json:"title,omitempty"`
		Archived *bool   `json:"archived,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title != nil {
		if err := s.DB.RenameConversation(r.Context(), id, userID, *req.Title); err != nil {
			conversationPatchError(w, err)
			return
		}
	}
	if req.Archived != nil {
		if err := s.DB.ArchiveConversation(r.Context(), id, userID, *req.Archived); err != nil {
			conversationPatchError(w, err)
			return
		}
	}
	if s.Cache != nil {
		_ = s.Cache.Delete(r.Context(), "conversations:"+userID.String())
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func conversationPatchError(w http.ResponseWriter, err error) {
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "update conversation")
}
