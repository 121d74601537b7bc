package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/dealmark/internal/deal"
	"github.com/kalambet/dealmark/internal/review"
	"github.com/kalambet/dealmark/internal/storage"
)

const noMoreDeals = "no more deals to annotate"

// handleNextDeal hands the user their next assignment. Exhaustion is a
// normal 200 with a null deal_id, not an error.
func (d Deps) handleNextDeal(w http.ResponseWriter, r *http.Request) {
	u, _ := userFrom(r.Context())

	id, ok, err := d.Review.NextDeal(r.Context(), u.Email)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "storage_error", "selecting next deal: %v", err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"deal_id": nil, "message": noMoreDeals})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deal_id": id})
}

func (d Deps) handleProgress(w http.ResponseWriter, r *http.Request) {
	u, _ := userFrom(r.Context())

	progress, err := d.Review.ProgressFor(r.Context(), u.Email)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "storage_error", "computing progress: %v", err)
		return
	}
	next, ok, err := d.Review.NextDeal(r.Context(), u.Email)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "storage_error", "selecting next deal: %v", err)
		return
	}

	resp := struct {
		review.Progress
		NextDeal *string `json:"next_deal"`
	}{Progress: progress}
	if ok {
		resp.NextDeal = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDeal returns the deal with its activities in chronological order.
// A deal the user already rated is a conflict, matching the submission
// policy: reviewers never revisit completed work.
func (d Deps) handleDeal(w http.ResponseWriter, r *http.Request) {
	u, _ := userFrom(r.Context())
	dealID := chi.URLParam(r, "dealID")

	dl, err := d.Store.Deal(r.Context(), dealID)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "deal not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "storage_error", "loading deal: %v", err)
		return
	}

	completed, err := d.Store.AnnotatedDealIDs(r.Context(), u.Email)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "storage_error", "loading completed deals: %v", err)
		return
	}
	if _, done := completed[dealID]; done {
		httpError(w, http.StatusConflict, "already_completed", "you have already completed this deal")
		return
	}

	dl.Activities = deal.SortChronologically(dl.Activities)
	writeJSON(w, http.StatusOK, dl)
}

// handleAnalysis returns the AI output to rate. Absence means the deal is
// not ready for rating yet.
func (d Deps) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "dealID")

	if _, err := d.Store.Deal(r.Context(), dealID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "deal not found")
			return
		}
		httpError(w, http.StatusInternalServerError, "storage_error", "loading deal: %v", err)
		return
	}

	analysis, err := d.Store.Analysis(r.Context(), dealID)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "analysis not ready for this deal")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "storage_error", "loading analysis: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

type submitRatingRequest struct {
	DealID           string                    `json:"deal_id"`
	Ratings          map[string]storage.Rating `json:"ratings"`
	TimeSpentSeconds int                       `json:"time_spent_seconds"`
}

// handleSubmitRating records a rating and returns the next assignment so the
// client can move straight on.
func (d Deps) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	u, _ := userFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req submitRatingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if req.DealID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "deal_id is required")
		return
	}

	err := d.Review.SubmitRating(r.Context(), u.Email, req.DealID, req.Ratings, req.TimeSpentSeconds)
	var vErr *review.ValidationError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "deal not found")
		return
	case errors.Is(err, review.ErrAlreadyCompleted):
		httpError(w, http.StatusConflict, "already_completed", "you have already completed this deal")
		return
	case errors.As(err, &vErr):
		httpError(w, http.StatusBadRequest, "validation_error", "%v", vErr)
		return
	case err != nil:
		httpError(w, http.StatusInternalServerError, "storage_error", "saving rating: %v", err)
		return
	}

	next, ok, err := d.Review.NextDeal(r.Context(), u.Email)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "storage_error", "selecting next deal: %v", err)
		return
	}
	resp := map[string]any{"message": "rating submitted"}
	if ok {
		resp["next_deal"] = next
	} else {
		resp["next_deal"] = nil
	}
	writeJSON(w, http.StatusOK, resp)
}
