package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/trung0209/AI-SJU-Studio/internal/api/response"
	"github.com/trung0209/AI-SJU-Studio/internal/comfy"
	"github.com/trung0209/AI-SJU-Studio/internal/generate"
)

const maxRequestBody = 1 << 20

// Generator defines the interface the handler depends on.
type Generator interface {
	Generate(ctx context.Context, req generate.Request) (*generate.Result, error)
}

// NewGenerateHandler returns an http.HandlerFunc for POST /generate.
func NewGenerateHandler(svc Generator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PositivePrompt string `json:"positive_prompt"`
			NegativePrompt string `json:"negative_prompt"`
			Seed           *int64 `json:"seed"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body")
			return
		}

		if req.PositivePrompt == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "positive_prompt is required")
			return
		}

		result, err := svc.Generate(r.Context(), generate.Request{
			PositivePrompt: req.PositivePrompt,
			NegativePrompt: req.NegativePrompt,
			Seed:           req.Seed,
		})
		if err != nil {
			writeGenerateError(w, r, err)
			return
		}

		response.Success(w, map[string]any{
			"images":    result.Images,
			"prompt_id": result.PromptID,
			"seed":      result.Seed,
		})
	}
}

func writeGenerateError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, generate.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, comfy.ErrConnectionFailed):
		response.Error(w, http.StatusBadGateway, "CONNECTION_FAILED",
			"WebSocket connection to the generation service failed")
	case errors.Is(err, comfy.ErrSubmissionFailed):
		response.Error(w, http.StatusBadGateway, "SUBMISSION_FAILED", submissionDetail(err))
	case errors.Is(err, comfy.ErrTimeout):
		response.Error(w, http.StatusGatewayTimeout, "GENERATION_TIMEOUT",
			"The generation service did not finish in time")
	case errors.Is(err, comfy.ErrExecutionFailed):
		response.Error(w, http.StatusBadGateway, "EXECUTION_FAILED", err.Error())
	case errors.Is(err, comfy.ErrStreamClosedPrematurely), errors.Is(err, comfy.ErrCorrelationFailed):
		response.Error(w, http.StatusBadGateway, "STREAM_FAILED",
			"Lost the event stream before the prompt finished")
	case errors.Is(err, comfy.ErrHistoryUnavailable):
		response.Error(w, http.StatusBadGateway, "HISTORY_UNAVAILABLE",
			"Could not read the prompt history")
	case errors.Is(err, generate.ErrNoOutputs):
		response.Error(w, http.StatusInternalServerError, "NO_IMAGES", "No images retrieved.")
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to write
		slog.InfoContext(r.Context(), "generate request canceled")
	default:
		slog.ErrorContext(r.Context(), "generate failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred")
	}
}

// submissionDetail surfaces the remote body, which usually names the
// offending node.
func submissionDetail(err error) string {
	var se *comfy.SubmissionError
	if errors.As(err, &se) && se.Body != "" {
		return se.Body
	}
	return "The generation service rejected the prompt"
}
