package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, secret string) {
	r := chi.NewRouter()

	r.Route("/jobs", func(r chi.Router) {
		r.Use(AuthMiddleware(secret))
		r.Get("/", handlers.handleListJobs)
		r.Get("/{jobID}", handlers.handleGetJob)
		r.Delete("/{jobID}", handlers.handleRemoveJob)
		r.Post("/{jobID}/cancel", handlers.handleCancelJob)
		r.Post("/{jobID}/restart", handlers.handleRestartJob)
		r.Post("/{jobID}/snapshot", handlers.handleSnapshotJob)
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/jobs")
}
