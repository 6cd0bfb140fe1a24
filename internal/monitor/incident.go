package monitor

import (
	"errors"
	"fmt"
	"time"
)

// IncidentState es el estado de la máquina OPEN → ESCALATED → ACKNOWLEDGED →
// RESOLVED. RESOLVED es terminal; el incidente queda retenido para auditoría
// hasta que venza el período de retención.
type IncidentState string

const (
	StateOpen         IncidentState = "OPEN"
	StateEscalated    IncidentState = "ESCALATED"
	StateAcknowledged IncidentState = "ACKNOWLEDGED"
	StateResolved     IncidentState = "RESOLVED"
)

var (
	ErrIncidentNotFound  = errors.New("monitor: incident not found")
	ErrInvalidTransition = errors.New("monitor: invalid incident transition")
	ErrIncidentTerminal  = errors.New("monitor: incident already resolved")
)

// CorrelatedIncident agrupa los eventos que comparten correlation key dentro
// de la ventana. La pertenencia es exclusiva: un evento cuenta en exactamente
// un incidente.
type CorrelatedIncident struct {
	ID       string        `json:"incident_id"`
	Key      string        `json:"correlation_key"`
	Type     EventType     `json:"type"`
	Severity Severity      `json:"severity"`
	State    IncidentState `json:"state"`

	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// EscalateBy es el deadline de acuse según severidad; cero para low.
	EscalateBy time.Time `json:"escalate_by,omitempty"`

	AckedBy    string    `json:"acked_by,omitempty"`
	AckedAt    time.Time `json:"acked_at,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`

	// ids de los primeros eventos miembros, para trazar sin retener todo
	SampleEvents []string `json:"sample_events,omitempty"`
}

// escalationDeadline devuelve cuánto puede esperar un incidente sin acuse
// antes de escalar. Critical escala de inmediato, low no escala nunca.
func (m *Monitor) escalationDeadline(sev Severity) (time.Duration, bool) {
	switch sev {
	case SevCritical:
		return 0, true
	case SevHigh:
		return m.escalateHigh, true
	case SevMedium:
		return m.escalateMedium, true
	default:
		return 0, false
	}
}

// Acknowledge marca el incidente como atendido por un operador. Válido desde
// OPEN o ESCALATED.
func (m *Monitor) Acknowledge(id, operator string) (*CorrelatedIncident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, ok := m.incidents[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}
	switch inc.State {
	case StateOpen, StateEscalated:
		inc.State = StateAcknowledged
		inc.AckedBy = operator
		inc.AckedAt = m.now().UTC()
		m.updateOpenGauge()
		return snapshot(inc), nil
	case StateResolved:
		return nil, ErrIncidentTerminal
	default:
		return nil, fmt.Errorf("%w: %s -> ACKNOWLEDGED", ErrInvalidTransition, inc.State)
	}
}

// Resolve cierra el incidente. Requiere acuse previo: resolver algo que nadie
// miró dejaría la máquina sin rastro de intervención humana.
func (m *Monitor) Resolve(id string) (*CorrelatedIncident, error) {
	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrIncidentNotFound
	}
	if inc.State == StateResolved {
		m.mu.Unlock()
		return nil, ErrIncidentTerminal
	}
	if inc.State != StateAcknowledged {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> RESOLVED", ErrInvalidTransition, inc.State)
	}
	inc.State = StateResolved
	inc.ResolvedAt = m.now().UTC()
	// el key deja de apuntar acá: el próximo evento del mismo origen abre
	// un incidente nuevo
	delete(m.byKey, inc.Key)
	snap := snapshot(inc)
	m.updateOpenGauge()
	m.mu.Unlock()

	if m.archiver != nil {
		m.archiver.ArchiveIncident(snap)
	}
	return snap, nil
}

// Incidents devuelve una copia de los incidentes, opcionalmente filtrada por
// estado ("" = todos), ordenados del más reciente al más viejo no garantizado.
func (m *Monitor) Incidents(state IncidentState) []*CorrelatedIncident {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*CorrelatedIncident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		if state != "" && inc.State != state {
			continue
		}
		out = append(out, snapshot(inc))
	}
	return out
}

// Incident devuelve una copia del incidente por id.
func (m *Monitor) Incident(id string) (*CorrelatedIncident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}
	return snapshot(inc), nil
}

func snapshot(inc *CorrelatedIncident) *CorrelatedIncident {
	cp := *inc
	cp.SampleEvents = append([]string(nil), inc.SampleEvents...)
	return &cp
}
