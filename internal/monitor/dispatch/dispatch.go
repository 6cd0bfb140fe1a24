// Package dispatch entrega alertas de incidentes por múltiples canales
// independientes (pager webhook, chat webhook, SMTP).
//
// Política: critical y high salen por al menos dos canales; la confirmación
// se trackea por canal y un critical sin confirmar pasado el timeout se
// reintenta por el siguiente canal disponible.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dropDatabas3/gatekeeper/internal/monitor"
	"github.com/dropDatabas3/gatekeeper/internal/observability/logger"
)

// Channel es un medio de entrega de alertas. Send que retorna nil cuenta
// como entrega confirmada por ese canal.
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Alert es el payload que viaja por los canales.
type Alert struct {
	IncidentID string            `json:"incident_id"`
	Severity   monitor.Severity  `json:"severity"`
	State      string            `json:"state"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Count      int               `json:"count"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Dispatcher reparte alertas entre los canales configurados, en orden.
type Dispatcher struct {
	channels       []Channel
	confirmTimeout time.Duration

	mu        sync.Mutex
	confirmed map[string]map[string]bool // incident id → canal → confirmado

	afterFunc func(time.Duration, func()) // hook para tests
}

// New arma el dispatcher. El orden de channels es el orden de preferencia.
func New(channels []Channel, confirmTimeout time.Duration) *Dispatcher {
	if confirmTimeout <= 0 {
		confirmTimeout = 30 * time.Second
	}
	return &Dispatcher{
		channels:       channels,
		confirmTimeout: confirmTimeout,
		confirmed:      make(map[string]map[string]bool),
		afterFunc:      func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

// Dispatch entrega la alerta del incidente. Implementa monitor.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, inc *monitor.CorrelatedIncident) {
	a := Alert{
		IncidentID: inc.ID,
		Severity:   inc.Severity,
		State:      string(inc.State),
		Title:      fmt.Sprintf("[%s] %s x%d", inc.Severity, inc.Type, inc.Count),
		Body: fmt.Sprintf("incident %s: %d event(s) for key %q, first seen %s",
			inc.ID, inc.Count, inc.Key, inc.FirstSeen.Format(time.RFC3339)),
		Count: inc.Count,
		Labels: map[string]string{
			"correlation_key": inc.Key,
			"type":            string(inc.Type),
		},
	}

	want := 1
	if inc.Severity == monitor.SevCritical || inc.Severity == monitor.SevHigh {
		want = 2
	}
	d.fanout(ctx, a, want)

	// el tracking de confirmaciones sólo importa durante la ventana de
	// confirmación; vencida, se libera para que el mapa no crezca con cada
	// incidente que alguna vez alertó. El retry de un critical abre una
	// ventana propia antes de liberar.
	if inc.Severity == monitor.SevCritical {
		d.afterFunc(d.confirmTimeout, func() {
			d.retryUnconfirmed(context.Background(), a)
			d.afterFunc(d.confirmTimeout, func() { d.forget(a.IncidentID) })
		})
	} else {
		d.afterFunc(d.confirmTimeout, func() { d.forget(a.IncidentID) })
	}
}

// fanout intenta canales en orden hasta juntar want confirmaciones. Los
// canales que fallan quedan registrados sin confirmación y se sigue con el
// próximo.
func (d *Dispatcher) fanout(ctx context.Context, a Alert, want int) {
	got := 0
	for _, ch := range d.channels {
		if got >= want {
			break
		}
		if d.isConfirmed(a.IncidentID, ch.Name()) {
			got++
			continue
		}
		if err := ch.Send(ctx, a); err != nil {
			logger.From(ctx).Error("alert channel failed",
				logger.IncidentID(a.IncidentID),
				logger.String("channel", ch.Name()),
				logger.Err(err),
			)
			d.mark(a.IncidentID, ch.Name(), false)
			continue
		}
		d.mark(a.IncidentID, ch.Name(), true)
		got++
	}
	if got < want {
		logger.From(ctx).Error("alert under-delivered",
			logger.IncidentID(a.IncidentID),
			logger.Int("confirmed", got),
			logger.Int("required", want),
		)
	}
}

// retryUnconfirmed corre al vencer el confirm timeout de un critical: si no
// hay ninguna confirmación, reintenta por los canales todavía no confirmados.
func (d *Dispatcher) retryUnconfirmed(ctx context.Context, a Alert) {
	if d.confirmations(a.IncidentID) > 0 {
		return
	}
	logger.From(ctx).Warn("critical alert unconfirmed, retrying on remaining channels",
		logger.IncidentID(a.IncidentID),
	)
	for _, ch := range d.channels {
		if d.isConfirmed(a.IncidentID, ch.Name()) {
			continue
		}
		if err := ch.Send(ctx, a); err != nil {
			logger.From(ctx).Error("alert retry failed",
				logger.IncidentID(a.IncidentID),
				logger.String("channel", ch.Name()),
				logger.Err(err),
			)
			continue
		}
		d.mark(a.IncidentID, ch.Name(), true)
		return
	}
}

// Confirmations expone cuántos canales confirmaron la entrega del incidente.
func (d *Dispatcher) Confirmations(incidentID string) int {
	return d.confirmations(incidentID)
}

func (d *Dispatcher) confirmations(incidentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ok := range d.confirmed[incidentID] {
		if ok {
			n++
		}
	}
	return n
}

func (d *Dispatcher) isConfirmed(incidentID, channel string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.confirmed[incidentID][channel]
}

func (d *Dispatcher) forget(incidentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.confirmed, incidentID)
}

func (d *Dispatcher) mark(incidentID, channel string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.confirmed[incidentID] == nil {
		d.confirmed[incidentID] = make(map[string]bool)
	}
	d.confirmed[incidentID][channel] = ok
}
