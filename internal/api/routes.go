package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"bypassd/internal/auth"
	"bypassd/internal/metrics"
	"bypassd/internal/schema"
	"bypassd/internal/service"
	"bypassd/internal/ws"
)

type Dependencies struct {
	Coord     *service.Coordinator
	Validator *schema.RequestValidator
	Hub       *ws.Hub
	Auth      *auth.JWTConfig
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	// Health reports whether backing stores are reachable
	Health func(ctx context.Context) error
}

func Routes(d Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(d.Log))
	r.Use(Instrument(d.Metrics))

	r.Get("/healthz", d.healthz)
	r.Handle("/metrics", d.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(d.Auth.Middleware)

		r.Post("/bypass", d.submitBypass)
		r.Get("/workflows", d.listWorkflows)
		r.Get("/workflows/{id}", d.getWorkflow)
		r.Get("/workflows/{id}/audit", d.auditLog)
		r.Post("/workflows/{id}/respond", d.respond)
		r.Post("/workflows/{id}/delegate", d.delegate)
		r.Post("/workflows/{id}/escalate", d.escalate)
		r.Post("/workflows/{id}/cancel", d.cancel)
		r.Get("/stats", d.stats)

		// WebSocket endpoint
		r.Get("/ws", d.wsHandler)
	})

	return r
}

func (d Dependencies) healthz(w http.ResponseWriter, r *http.Request) {
	if d.Health != nil {
		if err := d.Health(r.Context()); err != nil {
			d.Log.Warn("Health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
