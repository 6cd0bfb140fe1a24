// Package http expone la superficie de decisión del gatekeeper: el endpoint
// de decisión que consume la capa de negocio, el ciclo de vida de tokens y
// la operación de incidentes.
package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropDatabas3/gatekeeper/internal/cache"
	"github.com/dropDatabas3/gatekeeper/internal/gatekeeper"
	"github.com/dropDatabas3/gatekeeper/internal/monitor"
	"github.com/dropDatabas3/gatekeeper/internal/security/revocation"
	"github.com/dropDatabas3/gatekeeper/internal/security/token"
)

// IncidentTraceReader lee la traza descifrada de un incidente archivado.
// Nil cuando el archive no está configurado.
type IncidentTraceReader interface {
	ResolvedIncidentTrace(ctx context.Context, incidentID string) ([]string, error)
}

// API agrupa las dependencias de los handlers.
type API struct {
	gk        *gatekeeper.Gatekeeper
	authority *token.Authority
	revoked   *revocation.Store
	mon       *monitor.Monitor
	cache     cache.Client
	traces    IncidentTraceReader
}

// NewAPI arma la API con sus dependencias ya construidas. traces puede ser nil.
func NewAPI(gk *gatekeeper.Gatekeeper, authority *token.Authority, revoked *revocation.Store, mon *monitor.Monitor, c cache.Client, traces IncidentTraceReader) *API {
	return &API{gk: gk, authority: authority, revoked: revoked, mon: mon, cache: c, traces: traces}
}

// Router arma el chi.Mux con middlewares y rutas.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(withLogging)
	r.Use(withRecover)

	r.Get("/healthz", a.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/decision", a.handleDecision)

		r.Post("/tokens", a.handleMint)
		r.Post("/tokens/revoke", a.handleRevoke)
		r.Post("/tokens/revoke-subject", a.handleRevokeSubject)

		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/{id}/trace", a.handleIncidentTrace)
		r.Post("/incidents/{id}/ack", a.handleAckIncident)
		r.Post("/incidents/{id}/resolve", a.handleResolveIncident)
	})

	return r
}
