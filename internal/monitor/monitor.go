package monitor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dropDatabas3/gatekeeper/internal/config"
	"github.com/dropDatabas3/gatekeeper/internal/metrics"
	"github.com/dropDatabas3/gatekeeper/internal/observability/logger"
)

// Dispatcher entrega alertas de incidentes escalados. Lo implementa
// monitor/dispatch; acá sólo importa el contrato.
type Dispatcher interface {
	Dispatch(ctx context.Context, inc *CorrelatedIncident)
}

// Archiver persiste incidentes resueltos fuera del proceso (retención de
// auditoría). Best-effort: el monitor nunca espera por él.
type Archiver interface {
	ArchiveIncident(inc *CorrelatedIncident)
}

const (
	maxSampleEvents = 8

	// cantidad de eventos low sostenidos dentro de la ventana que amerita
	// abrir incidente (un rate-limit aislado no es incidente; una racha sí)
	sustainedLowThreshold = 10
)

// lowStreak cuenta eventos low por correlation key sin abrir incidente.
type lowStreak struct {
	count int
	first time.Time
	last  time.Time
}

// Monitor es el registro en memoria de incidentes más la correlación de
// eventos entrantes. El estado vive en el proceso: los incidentes resueltos
// se espejan al archive y el resto es reconstruible del tráfico.
type Monitor struct {
	mu        sync.Mutex
	incidents map[string]*CorrelatedIncident // por id
	byKey     map[string]*CorrelatedIncident // correlation key → incidente vivo
	streaks   map[string]*lowStreak          // rachas low sin incidente aún

	window         time.Duration
	escalateHigh   time.Duration
	escalateMedium time.Duration
	retain         time.Duration

	budgets map[string]*budget

	// último infra_failure emitido por componente, para frenar tormentas
	lastInfra map[string]time.Time

	dispatcher Dispatcher
	archiver   Archiver

	now func() time.Time
}

// New arma el monitor desde la configuración. dispatcher y archiver pueden
// ser nil (tests, CLI).
func New(cfg *config.Config, dispatcher Dispatcher, archiver Archiver) *Monitor {
	m := &Monitor{
		incidents:      make(map[string]*CorrelatedIncident),
		byKey:          make(map[string]*CorrelatedIncident),
		streaks:        make(map[string]*lowStreak),
		window:         config.Dur(cfg.Monitor.CorrelationWindow, 15*time.Minute),
		escalateHigh:   config.Dur(cfg.Monitor.EscalateHigh, 15*time.Minute),
		escalateMedium: config.Dur(cfg.Monitor.EscalateMedium, time.Hour),
		retain:         config.Dur(cfg.Monitor.RetainResolved, 90*24*time.Hour),
		budgets:        make(map[string]*budget),
		lastInfra:      make(map[string]time.Time),
		dispatcher:     dispatcher,
		archiver:       archiver,
		now:            time.Now,
	}
	m.budgets[BudgetAuthSuccess] = newBudget(
		BudgetAuthSuccess, time.Duration(cfg.Monitor.Budgets.AuthSuccessMinutes)*time.Minute)
	m.budgets[BudgetRevocationAvail] = newBudget(
		BudgetRevocationAvail, time.Duration(cfg.Monitor.Budgets.RevocationAvailabilityMinutes)*time.Minute)
	return m
}

// Record ingiere un evento: lo foldea en el incidente vivo de su correlation
// key, o abre uno nuevo si no hay o la ventana venció. Devuelve el incidente
// (copia) al que el evento quedó asignado, o nil si el evento quedó sólo
// registrado sin incidente.
//
// Los eventos low no abren incidente por sí solos: un rate-limit aislado es
// operación normal. Recién una racha sostenida (sustainedLowThreshold dentro
// de la ventana) abre un incidente medium con el conteo acumulado. Si ya hay
// un incidente vivo para el key, el evento low foldea ahí como cualquier otro.
func (m *Monitor) Record(ctx context.Context, evt SecurityEvent) *CorrelatedIncident {
	now := m.now().UTC()
	if evt.ID == "" {
		evt.ID = ulid.Make().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = now
	}
	key := evt.CorrelationKey()

	m.mu.Lock()
	inc, live := m.byKey[key]
	// ventana deslizante: el incidente absorbe mientras el hueco desde el
	// último evento no supere la ventana
	if live && now.Sub(inc.LastSeen) >= m.window {
		delete(m.byKey, key)
		live = false
	}

	var escalateNow bool
	switch {
	case live:
		inc.Count++
		inc.LastSeen = evt.Timestamp
		old := inc.Severity
		inc.Severity = maxSeverity(inc.Severity, evt.Severity)
		if len(inc.SampleEvents) < maxSampleEvents {
			inc.SampleEvents = append(inc.SampleEvents, evt.ID)
		}
		// si un evento más grave acorta el deadline, recalcular
		if inc.Severity != old && inc.State == StateOpen {
			if d, ok := m.escalationDeadline(inc.Severity); ok {
				inc.EscalateBy = inc.FirstSeen.Add(d)
				escalateNow = !now.Before(inc.EscalateBy)
			}
		}

	case evt.Severity == SevLow:
		s := m.streaks[key]
		if s == nil || now.Sub(s.last) >= m.window {
			s = &lowStreak{first: evt.Timestamp}
			m.streaks[key] = s
		}
		s.count++
		s.last = evt.Timestamp
		if s.count < sustainedLowThreshold {
			m.mu.Unlock()
			metrics.SecurityEvents.WithLabelValues(string(evt.Severity)).Inc()
			logger.From(ctx).Info("security event recorded",
				logger.EventID(evt.ID),
				logger.String("event_type", string(evt.Type)),
				logger.Severity(string(evt.Severity)),
			)
			return nil
		}
		// racha sostenida: promueve a incidente medium con el acumulado
		delete(m.streaks, key)
		inc = &CorrelatedIncident{
			ID:           ulid.Make().String(),
			Key:          key,
			Type:         evt.Type,
			Severity:     SevMedium,
			State:        StateOpen,
			Count:        s.count,
			FirstSeen:    s.first,
			LastSeen:     evt.Timestamp,
			SampleEvents: []string{evt.ID},
		}
		if d, ok := m.escalationDeadline(SevMedium); ok {
			inc.EscalateBy = evt.Timestamp.Add(d)
		}
		m.incidents[inc.ID] = inc
		m.byKey[key] = inc

	default:
		inc = &CorrelatedIncident{
			ID:           ulid.Make().String(),
			Key:          key,
			Type:         evt.Type,
			Severity:     evt.Severity,
			State:        StateOpen,
			Count:        1,
			FirstSeen:    evt.Timestamp,
			LastSeen:     evt.Timestamp,
			SampleEvents: []string{evt.ID},
		}
		if d, ok := m.escalationDeadline(evt.Severity); ok {
			inc.EscalateBy = evt.Timestamp.Add(d)
			escalateNow = !now.Before(inc.EscalateBy)
		}
		m.incidents[inc.ID] = inc
		m.byKey[key] = inc
	}
	if escalateNow && inc.State == StateOpen {
		inc.State = StateEscalated
	}
	snap := snapshot(inc)
	m.updateOpenGauge()
	m.mu.Unlock()

	metrics.SecurityEvents.WithLabelValues(string(evt.Severity)).Inc()
	logger.From(ctx).Info("security event recorded",
		logger.EventID(evt.ID),
		logger.String("event_type", string(evt.Type)),
		logger.Severity(string(evt.Severity)),
		logger.IncidentID(snap.ID),
		logger.Count(snap.Count),
	)

	if escalateNow && m.dispatcher != nil {
		m.dispatcher.Dispatch(ctx, snap)
	}
	return snap
}

// InfraFailure implementa el FailureSink de rate y revocation: una falla de
// infraestructura siempre es un evento crítico, pero rate-limitado a uno por
// componente por minuto para no convertir una caída en una tormenta.
func (m *Monitor) InfraFailure(ctx context.Context, component string, err error) {
	now := m.now().UTC()

	m.mu.Lock()
	if last, ok := m.lastInfra[component]; ok && now.Sub(last) < time.Minute {
		m.mu.Unlock()
		return
	}
	m.lastInfra[component] = now
	m.mu.Unlock()

	evt := NewEvent(EventInfraFailure, SevCritical, "")
	evt.Details = map[string]string{
		"component": component,
		"error":     err.Error(),
	}
	m.Record(ctx, evt)

	// cada disponibilidad degradada consume su budget de SLO
	switch component {
	case "revocation":
		m.ConsumeBudget(ctx, BudgetRevocationAvail, time.Minute)
	case "token_metadata":
		// sin índice de metadata la revocación masiva pierde cobertura y el
		// flujo de auth queda degradado
		m.ConsumeBudget(ctx, BudgetAuthSuccess, time.Minute)
	}
}

// LimitAdjusted implementa el AdjustmentSink de rate: todo ajuste adaptativo
// queda como evento auditable.
func (m *Monitor) LimitAdjusted(ctx context.Context, dimension string, oldLimit, newLimit int) {
	evt := NewEvent(EventLimitAdjusted, SevLow, "")
	evt.Details = map[string]string{
		"dimension": dimension,
		"old_limit": strconv.Itoa(oldLimit),
		"new_limit": strconv.Itoa(newLimit),
	}
	m.Record(ctx, evt)
}

// RunEscalation corre el loop de escalamiento y poda hasta cancelar el ctx.
func (m *Monitor) RunEscalation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.escalatePass(ctx)
		}
	}
}

// updateOpenGauge recuenta OPEN+ESCALATED para la métrica. Llamar con mu
// tomado.
func (m *Monitor) updateOpenGauge() {
	n := 0
	for _, inc := range m.incidents {
		if inc.State == StateOpen || inc.State == StateEscalated {
			n++
		}
	}
	metrics.OpenIncidents.Set(float64(n))
}

// escalatePass escala los incidentes OPEN vencidos y poda los RESOLVED que
// ya cumplieron la retención de auditoría.
func (m *Monitor) escalatePass(ctx context.Context) {
	now := m.now().UTC()

	m.mu.Lock()
	for key, s := range m.streaks {
		if now.Sub(s.last) >= m.window {
			delete(m.streaks, key)
		}
	}
	var due []*CorrelatedIncident
	for id, inc := range m.incidents {
		switch inc.State {
		case StateOpen:
			if !inc.EscalateBy.IsZero() && !now.Before(inc.EscalateBy) {
				inc.State = StateEscalated
				due = append(due, snapshot(inc))
			}
		case StateResolved:
			if now.Sub(inc.ResolvedAt) > m.retain {
				delete(m.incidents, id)
			}
		}
	}
	m.updateOpenGauge()
	m.mu.Unlock()

	for _, inc := range due {
		logger.From(ctx).Warn("incident escalated: unacknowledged past deadline",
			logger.IncidentID(inc.ID),
			logger.Severity(string(inc.Severity)),
			logger.Count(inc.Count),
		)
		if m.dispatcher != nil {
			m.dispatcher.Dispatch(ctx, inc)
		}
	}
}
