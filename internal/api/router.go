package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates the chi router: health probes at the root, run
// endpoints under /api. authEnabled controls whether Bearer token auth is
// enforced on the /api group; the health probes always pass unauthenticated.
// sseHandler, if non-nil, is mounted at GET /api/events inside the auth
// group. outputRoot bounds artifact downloads.
func NewRouter(svc *Service, outputRoot string, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc, outputRoot)

	r := chi.NewRouter()

	r.Get("/health/live", h.Live)
	r.Get("/health/ready", h.Ready)

	r.Route("/api", func(api chi.Router) {
		api.Use(AuthMiddleware(authEnabled, token))

		api.Get("/runs", h.ListRuns)
		api.Post("/runs", h.CreateRun)
		api.Get("/runs/{id}", h.GetRun)
		api.Get("/runs/{id}/report", h.GetOutcome)
		api.Get("/runs/{id}/artifacts", h.ListArtifacts)
		api.Get("/runs/{id}/artifacts/{role}", h.ServeArtifact)

		// SSE endpoint (protected by same auth middleware).
		if sseHandler != nil {
			api.Get("/events", sseHandler.ServeHTTP)
		}
	})

	return r
}
