package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Métricas Prometheus del gatekeeper. Paquete standalone para evitar ciclos
// de import entre los componentes de decisión y el surface HTTP.

var (
	Decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_decisions_total",
		Help: "Decisiones emitidas, por resultado y reason code",
	}, []string{"allowed", "reason"})

	DecisionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatekeeper_decision_latency_ms",
		Help:    "Latencia de la decisión completa en milisegundos",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	RateDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_rate_denials_total",
		Help: "Denegaciones por rate limit, por dimensión violada",
	}, []string{"dimension"})

	RevocationCheckLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatekeeper_revocation_check_latency_ms",
		Help:    "Latencia del lookup de revocación en milisegundos",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	FailOpens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_fail_open_total",
		Help: "Decisiones tomadas en fail-open por componente degradado",
	}, []string{"component"})

	SecurityEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_security_events_total",
		Help: "Eventos de seguridad registrados, por severidad",
	}, []string{"severity"})

	OpenIncidents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gatekeeper_open_incidents",
		Help: "Incidentes en estado OPEN o ESCALATED",
	})

	BudgetRemaining = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gatekeeper_error_budget_remaining_minutes",
		Help: "Minutos restantes del error budget mensual, por SLO",
	}, []string{"slo"})
)

// Register registra todo en el registry dado (default si reg es nil),
// tolerando dobles registros.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cs := []prometheus.Collector{
		Decisions,
		DecisionLatency,
		RateDenials,
		RevocationCheckLatency,
		FailOpens,
		SecurityEvents,
		OpenIncidents,
		BudgetRemaining,
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
