package monitor

import (
	"context"
	"time"

	"github.com/dropDatabas3/gatekeeper/internal/metrics"
	"github.com/dropDatabas3/gatekeeper/internal/observability/logger"
)

// Nombres de los SLOs con budget mensual de minutos malos.
const (
	BudgetAuthSuccess     = "auth_success"
	BudgetRevocationAvail = "revocation_availability"
)

// budget lleva el consumo de minutos malos de un SLO dentro del mes en curso.
// warned/exhausted evitan repetir el evento de cruce dentro del período.
type budget struct {
	name      string
	allowance time.Duration

	period    time.Time // primer día del mes en curso, UTC
	used      time.Duration
	warned    bool
	exhausted bool
}

func newBudget(name string, allowance time.Duration) *budget {
	return &budget{name: name, allowance: allowance}
}

// monthStart trunca al primer instante del mes.
func monthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// ConsumeBudget descuenta minutos malos del SLO. Cruzar el 75% del allowance
// emite un evento warning (una vez por mes), cruzar el 100% uno crítico.
func (m *Monitor) ConsumeBudget(ctx context.Context, name string, bad time.Duration) {
	now := m.now().UTC()

	m.mu.Lock()
	b, ok := m.budgets[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	if ms := monthStart(now); !b.period.Equal(ms) {
		b.period = ms
		b.used = 0
		b.warned = false
		b.exhausted = false
	}
	b.used += bad

	var emit []SecurityEvent
	if !b.warned && b.used*4 >= b.allowance*3 {
		b.warned = true
		evt := NewEvent(EventBudgetWarning, SevHigh, "")
		evt.Details = map[string]string{
			"slo":       b.name,
			"used":      b.used.String(),
			"allowance": b.allowance.String(),
		}
		emit = append(emit, evt)
	}
	if !b.exhausted && b.used >= b.allowance {
		b.exhausted = true
		evt := NewEvent(EventBudgetExhausted, SevCritical, "")
		evt.Details = map[string]string{
			"slo":       b.name,
			"used":      b.used.String(),
			"allowance": b.allowance.String(),
		}
		emit = append(emit, evt)
	}
	rem := b.allowance - b.used
	if rem < 0 {
		rem = 0
	}
	m.mu.Unlock()

	metrics.BudgetRemaining.WithLabelValues(name).Set(rem.Minutes())

	for _, evt := range emit {
		logger.From(ctx).Warn("error budget threshold crossed",
			logger.String("slo", name),
			logger.Severity(string(evt.Severity)),
		)
		m.Record(ctx, evt)
	}
}

// BudgetRemaining expone lo que queda del budget del mes (para métricas).
// Nunca negativo.
func (m *Monitor) BudgetRemaining(name string) time.Duration {
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[name]
	if !ok {
		return 0
	}
	if !b.period.Equal(monthStart(now)) {
		return b.allowance
	}
	if rem := b.allowance - b.used; rem > 0 {
		return rem
	}
	return 0
}
