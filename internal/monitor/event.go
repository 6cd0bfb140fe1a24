// Package monitor ingiere eventos de seguridad de todos los componentes del
// gatekeeper, los correlaciona en incidentes, maneja la máquina de estados de
// escalamiento y lleva la contabilidad de error budgets por SLO.
package monitor

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType clasifica el origen del evento.
type EventType string

const (
	EventDecisionAllowed EventType = "decision_allowed"
	EventRateLimited     EventType = "rate_limited"
	EventTokenExpired    EventType = "token_expired"
	EventTokenRevoked    EventType = "token_revoked"
	EventTokenInvalid    EventType = "token_invalid"
	EventMaliciousInput  EventType = "malicious_input"
	EventUploadRejected  EventType = "upload_rejected"
	EventInfraFailure    EventType = "infra_failure"
	EventLimitAdjusted   EventType = "limit_adjusted"
	EventBudgetWarning   EventType = "budget_warning"
	EventBudgetExhausted EventType = "budget_exhausted"
)

// Severity en orden ascendente; el rank se usa para quedarse con la máxima
// al foldear eventos en un incidente.
type Severity string

const (
	SevLow      Severity = "low"
	SevMedium   Severity = "medium"
	SevHigh     Severity = "high"
	SevCritical Severity = "critical"
)

var sevRank = map[Severity]int{SevLow: 0, SevMedium: 1, SevHigh: 2, SevCritical: 3}

func maxSeverity(a, b Severity) Severity {
	if sevRank[b] > sevRank[a] {
		return b
	}
	return a
}

// SecurityEvent es la unidad que emite cada componente. Details es un mapa
// chico de strings ya enmascarados: acá nunca entra un token crudo.
type SecurityEvent struct {
	ID        string            `json:"event_id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	SourceIP  string            `json:"source_ip,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// CorrelationKey agrupa eventos del mismo origen y tipo de ataque.
func (e *SecurityEvent) CorrelationKey() string {
	return e.SourceIP + "|" + string(e.Type)
}

// NewEvent arma un evento con id ULID (ordenable por tiempo) y timestamp UTC.
func NewEvent(typ EventType, sev Severity, sourceIP string) SecurityEvent {
	return SecurityEvent{
		ID:        ulid.Make().String(),
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Severity:  sev,
		SourceIP:  sourceIP,
	}
}

// DenialSeverity mapea la razón de denegación a severidad de evento. Un
// rate-limit que viola varias dimensiones a la vez sube a medium porque es
// señal de barrido, no de un cliente apurado.
func DenialSeverity(typ EventType, multiDimension bool) Severity {
	switch typ {
	case EventRateLimited:
		if multiDimension {
			return SevMedium
		}
		return SevLow
	case EventTokenExpired, EventTokenRevoked, EventTokenInvalid:
		return SevMedium
	case EventMaliciousInput, EventUploadRejected:
		return SevHigh
	case EventInfraFailure:
		return SevCritical
	default:
		return SevLow
	}
}
