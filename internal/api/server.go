package api

import (
	"net/http"

	"revfs/internal/logging"
	"revfs/internal/metrics"
	"revfs/internal/middleware"

	"github.com/go-chi/chi/v5"
)

// NewServer mounts the read-only inspection routes on a chi router and
// wraps it in the request middleware.
func NewServer(h *Handler, m *metrics.Metrics, logger *logging.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/youngest", h.Youngest)
		r.Get("/locks", h.Locks)
		r.Route("/revisions/{rev}", func(r chi.Router) {
			r.Get("/", h.Revision)
			r.Get("/tree", h.Tree)
			r.Get("/cat", h.Cat)
		})
	})

	return middleware.Chain(r,
		middleware.Recover(logger),
		middleware.Instrument(m),
		middleware.Logger(logger),
		middleware.RequestID,
	)
}
