package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/starford/multihop/internal/metrics"
	"github.com/starford/multihop/internal/pipeline"
	"github.com/starford/multihop/internal/sse"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// broker, if non-nil, is mounted at GET /events inside the auth group and
// receives rebuild progress.
func NewRouter(p *pipeline.Pipeline, authEnabled bool, token string, broker *sse.Broker) chi.Router {
	h := NewHandler(p, broker)

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Use(AuthMiddleware(authEnabled, token))

	// Documents.
	r.Get("/documents", h.ListDocuments)
	r.Post("/documents", h.UploadDocuments)
	r.Get("/documents/pending", h.PendingDuplicates)
	r.Get("/documents/{fingerprint}", h.GetDocument)
	r.Delete("/documents/{fingerprint}", h.RemoveDocument)
	r.Post("/documents/{fingerprint}/resolve", h.ResolveDuplicate)

	// Questions.
	r.Post("/query", h.Ask)
	r.Get("/history", h.History)
	r.Post("/selftest", h.SelfTest)

	// Maintenance.
	r.Post("/index/rebuild", h.Rebuild)
	r.Post("/sync", h.Sync)
	r.Post("/cleanup", h.Cleanup)
	r.Get("/stats", h.Stats)
	r.Get("/status", h.Status)

	if broker != nil {
		r.Get("/events", broker.ServeHTTP)
	}

	return r
}
