package admin

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Options struct {
	AllowedOrigins   []string
	AllowCredentials bool
	// Ping reports store health for /health. Nil means always healthy.
	Ping func(ctx context.Context) error
}

func NewRouter(h *Handler, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(opts.AllowedOrigins) > 0 {
		r.Use(corsHandler(opts.AllowedOrigins, opts.AllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ping != nil {
			if err := opts.Ping(r.Context()); err != nil {
				http.Error(w, "store unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.ListJobs)
		r.Post("/", h.CreateJob)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetJob)
			r.Put("/", h.UpdateJob)
			r.Delete("/", h.DeleteJob)
			r.Post("/enable", h.EnableJob)
			r.Post("/disable", h.DisableJob)
			r.Post("/trigger", h.TriggerJob)
			r.Get("/executions", h.ListExecutions)
		})
	})

	r.Route("/notifications", func(r chi.Router) {
		r.Post("/", h.Enqueue)
		r.Get("/{id}", h.GetNotification)
		r.Post("/{id}/cancel", h.CancelNotification)
	})

	r.Get("/queue/stats", h.QueueStats)

	return r
}

func corsHandler(allowedOrigins []string, allowCredentials bool) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Actor"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: allowCredentials,
		MaxAge:           300,
	})
}
