package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/genflow/internal/api/middleware"
	"github.com/kiranshivaraju/genflow/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
// A nil RateLimit disables rate limiting.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler      http.HandlerFunc
	SubmitJobHandler   http.HandlerFunc
	ListJobsHandler    http.HandlerFunc
	GetJobHandler      http.HandlerFunc
	CancelJobHandler   http.HandlerFunc
	JobEventsHandler   http.HandlerFunc
	OwnerEventsHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Owner-scoped routes
	r.Group(func(r chi.Router) {
		r.Use(mw.Owner)
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJobHandler))
		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJobHandler))
		r.Get("/api/v1/jobs/{jobID}/events", orNotImplemented(deps.JobEventsHandler))
		r.Get("/api/v1/events", orNotImplemented(deps.OwnerEventsHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
