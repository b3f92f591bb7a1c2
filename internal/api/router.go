package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/trung0209/AI-SJU-Studio/internal/api/middleware"
	"github.com/trung0209/AI-SJU-Studio/internal/api/response"
	"github.com/trung0209/AI-SJU-Studio/internal/observability"
)

// Dependencies holds all handler and middleware dependencies for the router.
// Nil handlers answer 501; a nil RateLimit disables rate limiting.
type Dependencies struct {
	RateLimit *mw.RateLimit
	Metrics   *observability.Metrics

	MetricsHandler  http.Handler
	ImagesDir       string
	HealthHandler   http.HandlerFunc
	GenerateHandler http.HandlerFunc
	GetGeneration   http.HandlerFunc
	ListGenerations http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics(deps.Metrics))

	r.Get("/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	if deps.ImagesDir != "" {
		r.Handle("/images/*", http.StripPrefix("/images/", http.FileServer(http.Dir(deps.ImagesDir))))
	}

	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}
		r.Post("/generate", orNotImplemented(deps.GenerateHandler))
	})

	r.Get("/api/v1/generations", orNotImplemented(deps.ListGenerations))
	r.Get("/api/v1/generations/{promptID}", orNotImplemented(deps.GetGeneration))

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not enabled")
	}
}
