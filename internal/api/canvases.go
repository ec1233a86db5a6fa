package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"mosaiq/backend/internal/middleware"
	"mosaiq/backend/internal/store"
)

func (s *Server) listCanvases(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	list, err := s.DB.ListCanvases(r.Context(), userID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list canvases")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"canvases": list})
}

func (s *Server) createCanvas(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.DB.CreateCanvas(r.Context(), userID, req.Name)
	if err != nil {
		if errors.Is(err, store.ErrCanvasNameExists) {
			writeError(w, http.StatusConflict, "canvas name exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "create canvas")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

func (s *Server) getCanvas(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid canvas id")
		return
	}
	canvas, err := s.DB.GetCanvas(r.Context(), id, userID)
	if err != nil || canvas == nil {
		writeError(w, http.StatusNotFound, "canvas not found")
		return
	}
	items, err := s.DB.ListCanvasItems(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list canvas items")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"canvas": canvas, "items": items})
}

func (s *Server) updateCanvas(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid canvas id")
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	if err := s.DB.RenameCanvas(r.Context(), id, userID, req.Name); err != nil {
		switch {
		case errors.Is(err, store.ErrCanvasNameExists):
			writeError(w, http.StatusConflict, "canvas name exists")
		case errors.Is(err, pgx.ErrNoRows):
			writeError(w, http.StatusNotFound, "canvas not found")
		default:
			writeError(w, http.StatusInternalServerError, "update canvas")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) deleteCanvas(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid canvas id")
		return
	}
	if err := s.DB.DeleteCanvas(r.Context(), id, userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "canvas not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete canvas")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// addCanvasItem pins a succeeded job's artifact (or a raw URL) onto a canvas.
func (s *Server) addCanvasItem(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid canvas id")
		return
	}
	canvas, err := s.DB.GetCanvas(r.Context(), id, userID)
	if err != nil || canvas == nil {
		writeError(w, http.StatusNotFound, "canvas not found")
		return
	}
	var req struct {
		JobID *uuid.UUID `json:"job_id,omitempty"`
		URL   string     `json:"url,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	url := req.URL
	if req.JobID != nil {
		job, err := s.DB.GetJobForUser(r.Context(), *req.JobID, userID)
		if err != nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if job.Status != store.StatusSucceeded || len(job.OutputImages) == 0 {
			writeError(w, http.StatusBadRequest, "job has no outputs")
			return
		}
		if url == "" {
			url = job.OutputImages[0].URL
		}
	}
	if url == "" {
		writeError(w, http.StatusBadRequest, "job_id or url required")
		return
	}
	itemID, err := s.DB.AddCanvasItem(r.Context(), id, req.JobID, url)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "add canvas item")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": itemID.String()})
}

func (s *Server) removeCanvasItem(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	itemID, err := uuid.Parse(chi.URLParam(r, "itemId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	if err := s.DB.RemoveCanvasItem(r.Context(), itemID, userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "item not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "remove canvas item")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
