// Package httpapi assembles the chi router from the handler set and the
// middleware chain.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"comfygate/internal/http/handlers"
	"comfygate/internal/middleware"
)

// Options configures the cross-cutting parts of the router.
type Options struct {
	Logger          zerolog.Logger
	RateLimitPerMin int
	Registry        *prometheus.Registry
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.ClientID,
		middleware.Logger(opts.Logger),
	)

	r.Get("/v1/healthz", app.Health)

	r.Group(func(r chi.Router) {
		if opts.RateLimitPerMin > 0 {
			r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
		}

		r.Get("/v1/status", app.Status)

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", app.JobsSubmit)
			r.Get("/", app.JobsList)
		})

		r.Route("/v1/history", func(r chi.Router) {
			r.Get("/", app.HistoryList)
			r.Delete("/", app.HistoryClear)
			r.Delete("/{job_id}", app.HistoryDelete)
			r.Post("/{job_id}/restore", app.HistoryRestore)
		})

		r.Get("/v1/images/{image_id}", app.ImageGet)
		r.Get("/v1/tags", app.TagsSearch)
		r.Get("/v1/presets/negative", app.NegativePresets)
	})

	if opts.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}

	return r
}
