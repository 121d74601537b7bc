package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kalambet/dealmark/internal/storage"
)

type loginRequest struct {
	Email string `json:"email"`
}

// handleLogin checks the email against the user allowlist and sets the
// session cookie. There is no password: access control is the allowlist, as
// reviewers are invited by an admin.
func (d Deps) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if req.Email == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "email is required")
		return
	}

	u, err := d.Store.User(r.Context(), req.Email)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusUnauthorized, "not_authenticated", "email not authorized, contact an admin")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "storage_error", "looking up user: %v", err)
		return
	}

	token, err := d.Sessions.Issue(u.Email)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "storage_error", "issuing session: %v", err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(d.Sessions.TTL().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, u)
}

func (d Deps) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// handleMe returns the authenticated user together with their progress.
func (d Deps) handleMe(w http.ResponseWriter, r *http.Request) {
	u, ok := userFrom(r.Context())
	if !ok {
		httpError(w, http.StatusUnauthorized, "not_authenticated", "not authenticated")
		return
	}
	progress, err := d.Review.ProgressFor(r.Context(), u.Email)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "storage_error", "computing progress: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":     u,
		"progress": progress,
	})
}
