// Package httpapi exposes the verification pipeline over HTTP: one run
// endpoint, health, usage, a run-event SSE stream, and prometheus metrics.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.temporal.io/sdk/client"

	"github.com/peakyragnar/heretix/internal/circuitbreaker"
	"github.com/peakyragnar/heretix/internal/events"
	"github.com/peakyragnar/heretix/internal/health"
	"github.com/peakyragnar/heretix/internal/metrics"
	"github.com/peakyragnar/heretix/internal/pipeline"
	"github.com/peakyragnar/heretix/internal/usage"
)

// Dependencies wires the handlers to the rest of the system.
type Dependencies struct {
	Pipeline *pipeline.Pipeline
	Usage    *usage.Manager
	Health   *health.Tracker
	EventBus *events.Bus
	Metrics  *metrics.Registry

	// Temporal workflow dispatch (nil when Temporal is disabled).
	TemporalClient    client.Client
	TemporalTaskQueue string
	CircuitBreaker    *circuitbreaker.Breaker
}

// MountRoutes attaches all endpoints to the router.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", HealthzHandler(d))
	r.Post("/checks/run", RunHandler(d))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/usage", UsageHandler(d))
		r.Get("/runs", RunsListHandler(d))
		r.Get("/runs/{run_id}", RunGetHandler(d))
		r.Get("/workflows", WorkflowsListHandler(d))
		r.Get("/workflows/{id}", WorkflowDescribeHandler(d))
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

// HealthzHandler reports liveness plus per-provider health state.
func HealthzHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{"status": "ok"}
		if d.Health != nil {
			providers := map[string]any{}
			for _, s := range d.Health.AllStats() {
				providers[s.Provider] = map[string]any{
					"state":       string(s.State),
					"total_calls": s.TotalCalls,
					"errors":      s.TotalErrors,
				}
			}
			body["providers"] = providers
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

// jsonError writes the uniform error envelope.
func jsonError(w http.ResponseWriter, kind, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"kind":    kind,
			"message": msg,
		},
	})
}

// statusForKind maps the pipeline error taxonomy to HTTP status codes.
func statusForKind(kind string) int {
	switch kind {
	case pipeline.KindEmptyClaim:
		return http.StatusUnprocessableEntity
	case pipeline.KindValidation, pipeline.KindPromptTooLong, pipeline.KindUnknownModel:
		return http.StatusBadRequest
	case pipeline.KindAuth:
		return http.StatusUnauthorized
	case pipeline.KindQuota:
		return http.StatusPaymentRequired
	case pipeline.KindTimeout:
		return http.StatusGatewayTimeout
	case pipeline.KindInsufficient, pipeline.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
