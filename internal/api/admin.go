package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/dealmark/internal/deal"
	"github.com/kalambet/dealmark/internal/review"
	"github.com/kalambet/dealmark/internal/storage"
)

func (d Deps) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := d.Review.Stats(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, "storage_error", "computing stats: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type userWithProgress struct {
	storage.User
	review.Progress
}

// handleListUsers returns every user with their current progress, the admin
// dashboard's main view.
func (d Deps) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := d.Store.Users(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, "storage_error", "listing users: %v", err)
		return
	}

	out := make([]userWithProgress, 0, len(users))
	for _, u := range users {
		progress, err := d.Review.ProgressFor(r.Context(), u.Email)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "computing progress for %s: %v", u.Email, err)
			return
		}
		out = append(out, userWithProgress{User: u, Progress: progress})
	}
	writeJSON(w, http.StatusOK, out)
}

type createUserRequest struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	IsAdmin bool   `json:"is_admin"`
}

func (d Deps) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if req.Email == "" || req.Name == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "email and name are required")
		return
	}

	u := storage.User{
		Email:     storage.NormalizeEmail(req.Email),
		Name:      req.Name,
		IsAdmin:   req.IsAdmin,
		CreatedAt: time.Now().UTC(),
	}
	err := d.Store.CreateUser(r.Context(), u)
	if errors.Is(err, storage.ErrUserExists) {
		httpError(w, http.StatusConflict, "conflict", "user already exists")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "storage_error", "creating user: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// handleDeleteUser removes a user and, unless keep_progress is set, their
// annotations with them.
func (d Deps) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	keepProgress := r.URL.Query().Get("keep_progress") == "true"

	err := d.Store.DeleteUser(r.Context(), email)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "storage_error", "deleting user: %v", err)
		return
	}

	if !keepProgress {
		if err := d.Store.DeleteUserAnnotations(r.Context(), email); err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "deleting user annotations: %v", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "kept_progress": keepProgress})
}

// handleLoadDeals bulk-loads a deal export. The body may be a JSON array or
// an ID-keyed object, matching the upstream export formats.
func (d Deps) handleLoadDeals(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBulkBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
		return
	}

	byID, err := storage.DecodeDeals(raw)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	list := make([]deal.Deal, 0, len(byID))
	for id, dl := range byID {
		dl.ID = id
		list = append(list, dl)
	}
	if err := d.Store.PutDeals(r.Context(), list); err != nil {
		httpError(w, http.StatusInternalServerError, "storage_error", "storing deals: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"loaded": len(list)})
}

func (d Deps) handleLoadAnalyses(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBulkBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
		return
	}

	byID, err := storage.DecodeAnalyses(raw)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	list := make([]deal.Analysis, 0, len(byID))
	for id, a := range byID {
		a.DealID = id
		list = append(list, a)
	}
	if err := d.Store.PutAnalyses(r.Context(), list); err != nil {
		httpError(w, http.StatusInternalServerError, "storage_error", "storing analyses: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"loaded": len(list)})
}
