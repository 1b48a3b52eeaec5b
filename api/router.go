package api

import (
	"compress/flate"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"

	"github.com/audioloom/podforge/api/events"
	api_middleware "github.com/audioloom/podforge/api/middleware"
	"github.com/audioloom/podforge/api/pipeline"
	"github.com/audioloom/podforge/api/routes"
	"github.com/audioloom/podforge/api/task"
	"github.com/audioloom/podforge/api/telemetry"
	"github.com/audioloom/podforge/config"
)

// NewRouter returns a chi router with endpoints registered.
func NewRouter(cfg config.Config, store *task.Store, hub *events.Hub, dispatcher *pipeline.Dispatcher) (chi.Router, error) {

	// Setup the router and configure baseline middleware
	r := chi.NewRouter()

	r.Use(api_middleware.Logger(cfg.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Configure CORS handling
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	})
	r.Use(c.Handler)

	r.Route("/pipeline", func(r chi.Router) {
		// live streams must not be buffered by the compressor
		r.Get("/jobs/{jobID}/events", routes.EventsRequest(&cfg, hub))

		r.Group(func(r chi.Router) {
			r.Use(render.SetContentType(render.ContentTypeJSON))
			r.Use(middleware.Compress(flate.DefaultCompression))
			r.Post("/jobs", routes.SubmitRequest(&cfg, dispatcher))
			r.Get("/jobs", routes.HistoryRequest(&cfg, store))
			r.Get("/jobs/{jobID}", routes.StatusRequest(&cfg, store))
			r.Get("/waiting", routes.Waiting(&cfg, dispatcher))
		})
	})

	r.Handle("/metrics", telemetry.Handler())

	return r, nil
}
