package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/taskrelay/taskrelay/internal/api/middleware"
	"github.com/taskrelay/taskrelay/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	Signature *mw.Signature

	HealthHandler   http.HandlerFunc
	DispatchHandler http.HandlerFunc
	GetTaskHandler  http.HandlerFunc
	GetStatus       http.HandlerFunc
	GetLogs         http.HandlerFunc
	ReportHandler   http.HandlerFunc
	StreamHandler   http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Dashboard-facing reads and the realtime stream; session auth for
	// these is handled upstream, and the synchronizer's REST bootstrap and
	// polling fallback hit them without credentials.
	r.Get("/api/v1/agent-tasks/stream", orNotImplemented(deps.StreamHandler))
	r.Get("/api/v1/agent-tasks/{taskID}/status", orNotImplemented(deps.GetStatus))
	r.Get("/api/v1/agent-tasks/{taskID}/logs", orNotImplemented(deps.GetLogs))

	// Inbound agent callback, HMAC-authenticated
	r.Group(func(r chi.Router) {
		if deps.Signature != nil {
			r.Use(deps.Signature.Verify)
		}
		r.Post("/api/v1/agent-tasks/{taskID}/status", orNotImplemented(deps.ReportHandler))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth.Authenticate)
		}
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/agent-tasks", orNotImplemented(deps.DispatchHandler))
		r.Get("/api/v1/agent-tasks/{taskID}", orNotImplemented(deps.GetTaskHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			if deps.Auth != nil {
				r.Use(deps.Auth.RequireScope("admin"))
			}

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
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
