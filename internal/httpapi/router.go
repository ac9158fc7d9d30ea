// Package httpapi wires the API routes onto a chi router.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"storyclip/internal/httpapi/handlers"
	"storyclip/internal/httpkit"
	"storyclip/internal/pkg/logger"
	"storyclip/internal/pkg/middleware"
	"storyclip/internal/storage"
)

type Deps struct {
	handlers.Deps

	AllowedOrigins []string
	// RequestTimeout bounds the JSON routes. Streams are not bounded.
	RequestTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewNop()
	}
	if d.CheckOrigin == nil {
		d.CheckOrigin = httpkit.OriginChecker(d.AllowedOrigins)
	}
	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: d.AllowedOrigins,
		ExposedHeaders: []string{middleware.RequestIDHeader},
	}))

	h := handlers.New(d.Deps)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		r.Get("/health", h.Health)
		r.Get("/capabilities", h.Capabilities)

		r.Post("/jobs", h.PostJob)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{jobId}", h.GetJob)
		r.Get("/jobs/{jobId}/publish/batches", h.ListJobBatches)

		r.Post("/publish/batches", h.PostBatch)
		r.Get("/publish/batches/{batchId}", h.GetBatch)
	})

	r.Get("/jobs/{jobId}/ws", h.StreamJob)
	r.Get("/jobs/{jobId}/artifacts/{artifactId}/content", h.StreamArtifact)

	// local artifacts are linked as {public_base_url}/{object_key}
	if local, ok := storage.AsLocal(d.Storage); ok {
		r.Handle("/files/*", http.StripPrefix("/files/", http.FileServer(http.Dir(local.Root()))))
	}

	return r
}
