package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/skridlevsky/timeline-votes/internal/metrics"
	"github.com/skridlevsky/timeline-votes/internal/votes"
)

// VoteRepository persists votes and computes per-event stats
type VoteRepository interface {
	Cast(ctx context.Context, eventID uuid.UUID, userID string, vote votes.BackendVote) (votes.VoteStats, error)
	Remove(ctx context.Context, eventID uuid.UUID, userID string) (votes.VoteStats, error)
	Stats(ctx context.Context, eventID uuid.UUID, userID string) (votes.VoteStats, error)
}

// VoteHandler serves the event vote endpoints
type VoteHandler struct {
	repo    VoteRepository
	metrics *metrics.VoteMetrics
}

// NewVoteHandler creates a vote handler. m may be nil.
func NewVoteHandler(repo VoteRepository, m *metrics.VoteMetrics) *VoteHandler {
	return &VoteHandler{repo: repo, metrics: m}
}

// CastVoteRequest is the body of POST /events/{eventId}/vote
type CastVoteRequest struct {
	VoteType string `json:"vote_type"`
}

func eventIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "eventId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid event ID")
		return uuid.Nil, false
	}
	return id, true
}

// Cast handles POST /api/v1/events/{eventId}/vote
func (h *VoteHandler) Cast(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	userID, _ := UserFromContext(r.Context())

	var req CastVoteRequest
	if err := parseJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	vote, valid := votes.ParseBackendVote(req.VoteType)
	if !valid || vote == votes.VoteNone {
		respondError(w, http.StatusBadRequest, "vote_type must be promote or demote")
		return
	}

	stats, err := h.repo.Cast(r.Context(), eventID, userID, vote)
	h.metrics.Observe("cast", err)
	if err != nil {
		slog.Error("Failed to cast vote", "event_id", eventID, "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to cast vote")
		return
	}
	if h.metrics != nil {
		h.metrics.VotesCast.WithLabelValues(string(vote)).Inc()
	}

	respondJSON(w, http.StatusOK, stats)
}

// Stats handles GET /api/v1/events/{eventId}/votes. Anonymous callers get
// counts with a null user_vote.
func (h *VoteHandler) Stats(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	userID, _ := UserFromContext(r.Context())

	stats, err := h.repo.Stats(r.Context(), eventID, userID)
	h.metrics.Observe("stats", err)
	if err != nil {
		slog.Error("Failed to fetch vote stats", "event_id", eventID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to get vote stats")
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

// Remove handles DELETE /api/v1/events/{eventId}/vote
func (h *VoteHandler) Remove(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	userID, _ := UserFromContext(r.Context())

	stats, err := h.repo.Remove(r.Context(), eventID, userID)
	h.metrics.Observe("remove", err)
	if err != nil {
		slog.Error("Failed to remove vote", "event_id", eventID, "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to remove vote")
		return
	}

	respondJSON(w, http.StatusOK, stats)
}
