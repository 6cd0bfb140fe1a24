package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/gatekeeper/internal/gatekeeper"
	"github.com/dropDatabas3/gatekeeper/internal/monitor"
	"github.com/dropDatabas3/gatekeeper/internal/rate"
	"github.com/dropDatabas3/gatekeeper/internal/security/token"
	"github.com/dropDatabas3/gatekeeper/internal/store"
)

// decisionRequest es el descriptor que postea la capa de negocio. source_ip
// es opcional: si falta se usa la IP observada del request.
type decisionRequest struct {
	SourceIP       string             `json:"source_ip,omitempty"`
	UserAgent      string             `json:"user_agent,omitempty"`
	Endpoint       string             `json:"endpoint"`
	Class          string             `json:"class,omitempty"` // "general" | "auth"
	AuthHeader     string             `json:"auth_header,omitempty"`
	DeclaredUserID string             `json:"declared_user_id,omitempty"`
	AllowAnonymous bool               `json:"allow_anonymous,omitempty"`
	Fields         []gatekeeper.Field `json:"fields,omitempty"`
	Uploads        []uploadPayload    `json:"uploads,omitempty"`
}

type uploadPayload struct {
	Filename string `json:"filename"`
	Data     []byte `json:"data"` // base64 en el wire
}

func (a *API) handleDecision(w http.ResponseWriter, r *http.Request) {
	var in decisionRequest
	if !ReadJSON(w, r, &in) {
		return
	}
	if in.Endpoint == "" {
		WriteError(w, http.StatusBadRequest, "missing_endpoint", "endpoint es obligatorio")
		return
	}
	ip := in.SourceIP
	if ip == "" {
		ip = clientIP(r)
	}
	class := rate.ClassGeneral
	if in.Class == string(rate.ClassAuth) {
		class = rate.ClassAuth
	}
	req := gatekeeper.Request{
		SourceIP:       ip,
		UserAgent:      in.UserAgent,
		Endpoint:       in.Endpoint,
		Class:          class,
		AuthHeader:     in.AuthHeader,
		DeclaredUserID: in.DeclaredUserID,
		AllowAnonymous: in.AllowAnonymous,
		Fields:         in.Fields,
	}
	for _, up := range in.Uploads {
		req.Uploads = append(req.Uploads, gatekeeper.Upload{Filename: up.Filename, Data: up.Data})
	}

	WriteJSON(w, http.StatusOK, a.gk.Evaluate(r.Context(), req))
}

type mintRequest struct {
	Subject    string   `json:"subject"`
	Roles      []string `json:"roles,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
}

type mintResponse struct {
	Token  string       `json:"token"`
	Claims token.Claims `json:"claims"`
}

func (a *API) handleMint(w http.ResponseWriter, r *http.Request) {
	var in mintRequest
	if !ReadJSON(w, r, &in) {
		return
	}
	if in.Subject == "" {
		WriteError(w, http.StatusBadRequest, "missing_subject", "subject es obligatorio")
		return
	}

	signed, cl, err := a.authority.Mint(r.Context(), in.Subject, in.Roles, time.Duration(in.TTLSeconds)*time.Second)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrInvalidRoleSet):
			WriteError(w, http.StatusBadRequest, "invalid_role_set", "rol no reconocido")
		case errors.Is(err, token.ErrTTLTooLong):
			WriteError(w, http.StatusBadRequest, "ttl_too_long", "ttl excede el máximo configurado")
		case errors.Is(err, token.ErrInvalidTTL):
			WriteError(w, http.StatusBadRequest, "invalid_ttl", "ttl no puede ser negativo")
		default:
			WriteError(w, http.StatusBadRequest, "mint_failed", "")
		}
		return
	}
	WriteJSON(w, http.StatusCreated, mintResponse{Token: signed, Claims: cl})
}

type revokeRequest struct {
	JTI       string    `json:"jti"`
	Subject   string    `json:"subject,omitempty"`
	TokenType string    `json:"token_type,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var in revokeRequest
	if !ReadJSON(w, r, &in) {
		return
	}
	if in.JTI == "" {
		WriteError(w, http.StatusBadRequest, "missing_jti", "jti es obligatorio")
		return
	}
	if in.TokenType == "" {
		in.TokenType = "access"
	}
	a.revoked.Revoke(r.Context(), in.JTI, in.Subject, in.TokenType, in.Reason, in.ExpiresAt)
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "revoked"})
}

type revokeSubjectRequest struct {
	Subject string `json:"subject"`
	Reason  string `json:"reason,omitempty"`
}

func (a *API) handleRevokeSubject(w http.ResponseWriter, r *http.Request) {
	var in revokeSubjectRequest
	if !ReadJSON(w, r, &in) {
		return
	}
	if in.Subject == "" {
		WriteError(w, http.StatusBadRequest, "missing_subject", "subject es obligatorio")
		return
	}
	n := a.revoked.RevokeAllForSubject(r.Context(), in.Subject, in.Reason)
	// el conteo parcial se reporta, no se esconde
	WriteJSON(w, http.StatusOK, map[string]int{"revoked_count": n})
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	state := monitor.IncidentState(r.URL.Query().Get("state"))
	WriteJSON(w, http.StatusOK, a.mon.Incidents(state))
}

type ackRequest struct {
	Operator string `json:"operator"`
}

func (a *API) handleAckIncident(w http.ResponseWriter, r *http.Request) {
	var in ackRequest
	if !ReadJSON(w, r, &in) {
		return
	}
	if in.Operator == "" {
		WriteError(w, http.StatusBadRequest, "missing_operator", "operator es obligatorio")
		return
	}
	inc, err := a.mon.Acknowledge(chi.URLParam(r, "id"), in.Operator)
	if err != nil {
		writeIncidentError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, inc)
}

func (a *API) handleIncidentTrace(w http.ResponseWriter, r *http.Request) {
	if a.traces == nil {
		WriteError(w, http.StatusNotFound, "archive_disabled", "no hay archive configurado")
		return
	}
	ids, err := a.traces.ResolvedIncidentTrace(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotArchived) {
			WriteError(w, http.StatusNotFound, "incident_not_found", "")
			return
		}
		WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	WriteJSON(w, http.StatusOK, map[string][]string{"event_ids": ids})
}

func (a *API) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := a.mon.Resolve(chi.URLParam(r, "id"))
	if err != nil {
		writeIncidentError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, inc)
}

func writeIncidentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, monitor.ErrIncidentNotFound):
		WriteError(w, http.StatusNotFound, "incident_not_found", "")
	case errors.Is(err, monitor.ErrIncidentTerminal):
		WriteError(w, http.StatusConflict, "incident_resolved", "el incidente ya está resuelto")
	case errors.Is(err, monitor.ErrInvalidTransition):
		WriteError(w, http.StatusConflict, "invalid_transition", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := a.cache.Ping(r.Context()); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "cache": err.Error()})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
