// Package gatekeeper es el orquestador de decisión: corre rate limiting,
// validación de token y validación de inputs en secuencia, con short-circuit
// en el primer rechazo, y emite exactamente un evento de seguridad por
// decisión.
//
// Los chequeos corren en serie y no en paralelo a propósito: un request ya
// denegado por rate limit no debe gastar los otros chequeos ni ensuciar la
// señal de correlación con eventos de inputs que nunca iban a ejecutarse.
package gatekeeper

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dropDatabas3/gatekeeper/internal/metrics"
	"github.com/dropDatabas3/gatekeeper/internal/monitor"
	"github.com/dropDatabas3/gatekeeper/internal/observability/logger"
	"github.com/dropDatabas3/gatekeeper/internal/rate"
	"github.com/dropDatabas3/gatekeeper/internal/security/token"
	"github.com/dropDatabas3/gatekeeper/internal/util"
	"github.com/dropDatabas3/gatekeeper/internal/validation"
)

// ReasonCode es el código de denegación del contrato de decisión.
type ReasonCode string

const (
	ReasonRateLimited    ReasonCode = "RATE_LIMITED"
	ReasonTokenExpired   ReasonCode = "TOKEN_EXPIRED"
	ReasonTokenRevoked   ReasonCode = "TOKEN_REVOKED"
	ReasonTokenInvalid   ReasonCode = "TOKEN_INVALID"
	ReasonMaliciousInput ReasonCode = "MALICIOUS_INPUT"
	ReasonUploadRejected ReasonCode = "UPLOAD_REJECTED"
)

// Field es un valor del body con el contexto de destino declarado por el
// caller, que determina qué subconjunto de patterns se le aplica.
type Field struct {
	Name    string                  `json:"name"`
	Value   string                  `json:"value"`
	Context validation.InputContext `json:"context"`
}

// Upload es un archivo adjunto al request.
type Upload struct {
	Filename string `json:"filename"`
	Data     []byte `json:"data"`
}

// Request es el descriptor que evalúa el gatekeeper.
type Request struct {
	SourceIP       string
	UserAgent      string
	Endpoint       string
	Class          rate.EndpointClass
	AuthHeader     string // "Bearer <token>"; vacío si no vino
	DeclaredUserID string
	Fields         []Field
	Uploads        []Upload

	// AllowAnonymous salta la validación de token (endpoints públicos).
	AllowAnonymous bool
}

// Decision es el resultado tipado: el caller maneja cada variante en vez de
// depender de jerarquías de excepciones.
type Decision struct {
	Allowed           bool              `json:"allowed"`
	Reason            ReasonCode        `json:"reason_code,omitempty"`
	RetryAfterSeconds int               `json:"retry_after_seconds,omitempty"`
	SanitizedFields   map[string]string `json:"sanitized_fields,omitempty"`
	Claims            *token.Claims     `json:"token_claims,omitempty"`
}

// Gatekeeper encadena los componentes de decisión.
type Gatekeeper struct {
	limiter   *rate.Limiter
	authority *token.Authority
	validator *validation.Validator
	monitor   *monitor.Monitor
}

// New arma el orquestador. monitor puede ser nil sólo en tests de cableado.
func New(limiter *rate.Limiter, authority *token.Authority, validator *validation.Validator, mon *monitor.Monitor) *Gatekeeper {
	return &Gatekeeper{
		limiter:   limiter,
		authority: authority,
		validator: validator,
		monitor:   mon,
	}
}

// Evaluate corre la secuencia rate → token → inputs y devuelve la decisión.
// Siempre emite exactamente un evento de seguridad, permita o deniegue.
func (g *Gatekeeper) Evaluate(ctx context.Context, req Request) Decision {
	start := time.Now()
	d := g.evaluate(ctx, req)
	metrics.DecisionLatency.Observe(float64(time.Since(start).Microseconds()) / 1000)
	metrics.Decisions.WithLabelValues(boolLabel(d.Allowed), string(d.Reason)).Inc()
	return d
}

func (g *Gatekeeper) evaluate(ctx context.Context, req Request) Decision {
	// 1) rate limiting, todas las dimensiones aplicables de una vez
	res := g.limiter.Check(ctx, rate.Identities{
		IP:        req.SourceIP,
		UserID:    req.DeclaredUserID,
		Endpoint:  req.Endpoint,
		UserAgent: req.UserAgent,
	}, req.Class)
	if res.FailedOpen {
		metrics.FailOpens.WithLabelValues("rate").Inc()
	}
	if !res.Allowed {
		dims := make([]string, len(res.Violated))
		for i, d := range res.Violated {
			dims[i] = string(d)
			metrics.RateDenials.WithLabelValues(string(d)).Inc()
		}
		evt := monitor.NewEvent(monitor.EventRateLimited,
			monitor.DenialSeverity(monitor.EventRateLimited, len(res.Violated) > 1),
			req.SourceIP)
		evt.UserID = req.DeclaredUserID
		evt.Details = map[string]string{
			"reason":     string(ReasonRateLimited),
			"dimensions": strings.Join(dims, ","),
			"endpoint":   req.Endpoint,
		}
		g.record(ctx, evt)

		retry := int(res.RetryAfter / time.Second)
		if retry < 1 {
			retry = 1
		}
		return Decision{Allowed: false, Reason: ReasonRateLimited, RetryAfterSeconds: retry}
	}

	// 2) token, salvo endpoint anónimo
	var claims *token.Claims
	if !req.AllowAnonymous {
		cl, err := g.authority.Validate(ctx, bearer(req.AuthHeader))
		if err != nil {
			reason := denialReason(err)
			// la razón exacta queda en el log interno; el caller recibe el
			// código genérico para no regalar un oráculo de validación
			logger.From(ctx).Info("token rejected",
				logger.Component("gatekeeper"),
				logger.SourceIP(util.MaskIP(req.SourceIP)),
				logger.Reason(string(reason)),
				logger.Err(err),
			)
			evt := monitor.NewEvent(eventForReason(reason), monitor.SevMedium, req.SourceIP)
			evt.Details = map[string]string{
				"reason":   string(reason),
				"endpoint": req.Endpoint,
			}
			g.record(ctx, evt)
			return Decision{Allowed: false, Reason: reason}
		}
		claims = &cl
	}

	// 3) inputs y uploads, primero que falla corta
	sanitized := make(map[string]string, len(req.Fields))
	for _, f := range req.Fields {
		clean, err := g.validator.Sanitize(f.Value, f.Context)
		if err != nil {
			evt := monitor.NewEvent(monitor.EventMaliciousInput, monitor.SevHigh, req.SourceIP)
			evt.UserID = subjectOf(claims, req.DeclaredUserID)
			evt.Details = map[string]string{
				"reason":   string(ReasonMaliciousInput),
				"field":    f.Name,
				"context":  string(f.Context),
				"category": categoryOf(err),
			}
			g.record(ctx, evt)
			return Decision{Allowed: false, Reason: ReasonMaliciousInput}
		}
		sanitized[f.Name] = clean
	}
	for _, up := range req.Uploads {
		if err := g.validator.ValidateUpload(up.Filename, up.Data); err != nil {
			evt := monitor.NewEvent(monitor.EventUploadRejected, monitor.SevHigh, req.SourceIP)
			evt.UserID = subjectOf(claims, req.DeclaredUserID)
			evt.Details = map[string]string{
				"reason":   string(ReasonUploadRejected),
				"category": categoryOf(err),
			}
			g.record(ctx, evt)
			return Decision{Allowed: false, Reason: ReasonUploadRejected}
		}
	}

	evt := monitor.NewEvent(monitor.EventDecisionAllowed, monitor.SevLow, req.SourceIP)
	evt.UserID = subjectOf(claims, req.DeclaredUserID)
	if claims != nil {
		evt.SessionID = claims.SessionID
	}
	g.record(ctx, evt)

	return Decision{Allowed: true, SanitizedFields: sanitized, Claims: claims}
}

func (g *Gatekeeper) record(ctx context.Context, evt monitor.SecurityEvent) {
	if g.monitor != nil {
		g.monitor.Record(ctx, evt)
	}
}

// denialReason colapsa la taxonomía interna al código expuesto: expirado y
// revocado tienen código propio (el caller puede refrescar o re-loguear),
// todo lo demás es TOKEN_INVALID uniforme.
func denialReason(err error) ReasonCode {
	switch {
	case errors.Is(err, token.ErrExpired):
		return ReasonTokenExpired
	case errors.Is(err, token.ErrRevoked):
		return ReasonTokenRevoked
	default:
		return ReasonTokenInvalid
	}
}

func eventForReason(r ReasonCode) monitor.EventType {
	switch r {
	case ReasonTokenExpired:
		return monitor.EventTokenExpired
	case ReasonTokenRevoked:
		return monitor.EventTokenRevoked
	default:
		return monitor.EventTokenInvalid
	}
}

func categoryOf(err error) string {
	var mie *validation.MaliciousInputError
	if errors.As(err, &mie) {
		return string(mie.Category)
	}
	return "structural"
}

func subjectOf(cl *token.Claims, declared string) string {
	if cl != nil {
		return cl.Subject
	}
	return declared
}

func bearer(h string) string {
	const p = "Bearer "
	if strings.HasPrefix(h, p) {
		return strings.TrimSpace(h[len(p):])
	}
	return strings.TrimSpace(h)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
