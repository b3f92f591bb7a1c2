package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/trung0209/AI-SJU-Studio/internal/api/response"
	"github.com/trung0209/AI-SJU-Studio/internal/store"
	"github.com/trung0209/AI-SJU-Studio/pkg/models"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// GenerationReader is the subset of store.Store used for lookups.
type GenerationReader interface {
	GetGenerationByPromptID(ctx context.Context, promptID string) (*models.Generation, error)
	ListGenerations(ctx context.Context, filter store.GenerationFilter) ([]*models.Generation, error)
}

// StatusReader is the subset of cache.Cache used for lookups.
type StatusReader interface {
	GetGenerationStatus(ctx context.Context, promptID string) (string, bool, error)
}

// NewGetGenerationHandler returns an http.HandlerFunc for
// GET /api/v1/generations/{promptID}. The stored record wins; the cached
// status is used when no record exists. Either source may be nil.
func NewGetGenerationHandler(gr GenerationReader, sr StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		promptID := chi.URLParam(r, "promptID")
		if promptID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "promptID is required")
			return
		}

		if gr != nil {
			gen, err := gr.GetGenerationByPromptID(r.Context(), promptID)
			switch {
			case err == nil:
				response.JSON(w, gen)
				return
			case !errors.Is(err, store.ErrNotFound):
				slog.ErrorContext(r.Context(), "get generation failed", "prompt_id", promptID, "error", err)
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred")
				return
			}
		}

		if sr != nil {
			status, ok, err := sr.GetGenerationStatus(r.Context(), promptID)
			if err != nil {
				slog.WarnContext(r.Context(), "status cache lookup failed", "prompt_id", promptID, "error", err)
			}
			if ok {
				response.JSON(w, map[string]string{"prompt_id": promptID, "status": status})
				return
			}
		}

		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Generation not found")
	}
}

// NewListGenerationsHandler returns an http.HandlerFunc for
// GET /api/v1/generations?status=&limit=.
func NewListGenerationsHandler(gr GenerationReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		status := q.Get("status")
		switch status {
		case "", models.GenerationStatusPending, models.GenerationStatusRunning,
			models.GenerationStatusCompleted, models.GenerationStatusFailed:
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"status must be one of pending, running, completed, failed")
			return
		}

		limit := defaultListLimit
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
				return
			}
			limit = min(n, maxListLimit)
		}

		gens, err := gr.ListGenerations(r.Context(), store.GenerationFilter{Status: status, Limit: limit})
		if err != nil {
			slog.ErrorContext(r.Context(), "list generations failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred")
			return
		}
		if gens == nil {
			gens = []*models.Generation{}
		}

		response.Collection(w, gens, response.ListMeta{Limit: limit, Count: len(gens)})
	}
}
