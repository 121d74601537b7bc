// Package api exposes the annotation workflow as a JSON HTTP API: login,
// assignment, deal/analysis views, rating submission, and the admin surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/dealmark/internal/review"
	"github.com/kalambet/dealmark/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxBulkBodySize = 50 << 20   // 50MB, deal exports are large

// Deps carries the handler's collaborators.
type Deps struct {
	Store         storage.Store
	Review        *review.Service
	Sessions      *Sessions
	AdminPassword string
	Version       string
}

// NewHandler builds the full route tree.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", deps.handleHealth)
	r.Post("/login", deps.handleLogin)
	r.Post("/logout", deps.handleLogout)

	r.Route("/api", func(r chi.Router) {
		r.Use(deps.requireUser)
		r.Get("/me", deps.handleMe)
		r.Get("/next-deal", deps.handleNextDeal)
		r.Get("/progress", deps.handleProgress)
		r.Get("/deals/{dealID}", deps.handleDeal)
		r.Get("/deals/{dealID}/analysis", deps.handleAnalysis)
		r.Post("/ratings", deps.handleSubmitRating)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(deps.requireAdmin)
		r.Get("/stats", deps.handleAdminStats)
		r.Get("/users", deps.handleListUsers)
		r.Post("/users", deps.handleCreateUser)
		r.Delete("/users/{email}", deps.handleDeleteUser)
		r.Put("/deals", deps.handleLoadDeals)
		r.Put("/outputs", deps.handleLoadAnalyses)
	})

	return r
}

// handleHealth distinguishes "storage reachable" from "storage unreachable";
// the latter degrades the whole service.
func (d Deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := d.Store.Ping(ctx); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "degraded",
			"reason": fmt.Sprintf("storage unreachable: %v", err),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"version":   d.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
