// Package revocation mantiene la denylist distribuida de tokens revocados.
//
// Trade-off revisado, no default: IsRevoked falla OPEN. Si el cache no
// responde, bloquear toda la autenticación se juzga peor que una ventana
// angosta de bypass de revocación; la degradación nunca es silenciosa, cada
// fail-open loggea y emite un evento crítico via el FailureSink.
package revocation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dropDatabas3/gatekeeper/internal/cache"
	"github.com/dropDatabas3/gatekeeper/internal/metrics"
	"github.com/dropDatabas3/gatekeeper/internal/observability/logger"
	"github.com/dropDatabas3/gatekeeper/internal/util"
)

// Namespaces en el cache compartido. Nadie fuera del gatekeeper escribe acá.
func revokedKey(tokenType, jti string) string { return "revoked:" + tokenType + ":" + jti }
func metadataKey(subject, jti string) string  { return "token:metadata:" + subject + ":" + jti }

// tokenTypes conocidos, en orden de consulta (access es el caso caliente).
var tokenTypes = []string{"access", "refresh"}

// Record es el registro inmutable de una revocación. Sólo expira por TTL.
type Record struct {
	RevokedAt time.Time `json:"revoked_at"`
	Reason    string    `json:"reason"`
	Subject   string    `json:"subject"`
	TokenType string    `json:"token_type"`
}

// metadataRecord es la entrada del índice (subject, jti) para revocación masiva.
type metadataRecord struct {
	SessionID string    `json:"session_id"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FailureSink recibe las fallas de infraestructura para que el monitor las
// convierta en eventos críticos. Puede ser nil.
type FailureSink interface {
	InfraFailure(ctx context.Context, component string, err error)
}

// IndexedToken es una entrada del índice durable de tokens por subject.
type IndexedToken struct {
	JTI       string
	TokenType string
	ExpiresAt time.Time
}

// SubjectIndex es la fuente durable de tokens vigentes por subject. El cache
// pierde su índice de metadata al vencer el TTL; el índice durable sigue
// sabiendo qué tokens del subject no expiraron todavía.
type SubjectIndex interface {
	SubjectTokens(ctx context.Context, subject string) ([]IndexedToken, error)
}

// Store implementa la denylist sobre el cache compartido.
type Store struct {
	store    cache.Client
	sink     FailureSink
	fallback SubjectIndex

	// margen que se suma al TTL del registro por encima de la vida restante
	// del token: un token revocado nunca sobrevive a su registro de revocación
	retentionMargin time.Duration
	defaultTTL      time.Duration
}

// New construye el Store. sink puede ser nil.
func New(c cache.Client, sink FailureSink) *Store {
	return &Store{
		store:           c,
		sink:            sink,
		retentionMargin: time.Hour,
		defaultTTL:      25 * time.Hour,
	}
}

// SetFallbackIndex conecta la fuente durable para la revocación masiva. Sin
// fallback, RevokeAllForSubject sólo ve lo que el índice del cache retiene.
func (s *Store) SetFallbackIndex(ix SubjectIndex) {
	s.fallback = ix
}

// Revoke inserta el jti en la denylist. Nunca falla observablemente: reintenta
// una vez y si también falla, loggea y avisa al sink.
func (s *Store) Revoke(ctx context.Context, jti, subject, tokenType, reason string, expiresAt time.Time) {
	if tokenType == "" {
		tokenType = "access"
	}
	rec := Record{
		RevokedAt: time.Now().UTC(),
		Reason:    reason,
		Subject:   subject,
		TokenType: tokenType,
	}
	b, _ := json.Marshal(rec)

	// TTL >= vida restante del token: el registro de revocación tiene que
	// sobrevivir a la validez del token que mata.
	ttl := s.defaultTTL
	if !expiresAt.IsZero() {
		if remaining := time.Until(expiresAt); remaining > 0 {
			ttl = remaining + s.retentionMargin
		} else {
			ttl = s.retentionMargin
		}
	}

	key := revokedKey(tokenType, jti)
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = s.store.Set(ctx, key, string(b), ttl); err == nil {
			logger.From(ctx).Info("token revoked",
				logger.Component("revocation"),
				logger.JTI(util.MaskToken(jti)),
				logger.Subject(subject),
				logger.Reason(reason),
			)
			return
		}
	}

	logger.From(ctx).Error("revocation write failed after retry",
		logger.Component("revocation"),
		logger.JTI(util.MaskToken(jti)),
		logger.Err(err),
	)
	if s.sink != nil {
		s.sink.InfraFailure(ctx, "revocation", fmt.Errorf("revoke write: %w", err))
	}
}

// IsRevoked responde en tiempo acotado si el jti está en la denylist.
// Backend caído => false (fail open) + evento crítico.
func (s *Store) IsRevoked(ctx context.Context, jti string) bool {
	start := time.Now()
	defer func() {
		metrics.RevocationCheckLatency.Observe(float64(time.Since(start).Microseconds()) / 1000)
	}()

	for _, tt := range tokenTypes {
		ok, err := s.store.Exists(ctx, revokedKey(tt, jti))
		if err != nil {
			logger.From(ctx).Error("revocation check failed, failing open",
				logger.Component("revocation"),
				logger.JTI(util.MaskToken(jti)),
				logger.Err(err),
			)
			if s.sink != nil {
				s.sink.InfraFailure(ctx, "revocation", fmt.Errorf("isRevoked read: %w", err))
			}
			metrics.FailOpens.WithLabelValues("revocation").Inc()
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// RevokeAllForSubject enumera los jti conocidos del subject y los revoca uno
// a uno. Junta el índice de metadata del cache con el índice durable (si está
// conectado): el del cache pierde entradas al vencer su TTL, el durable las
// retiene hasta la expiración real del token. Retorna cuántos revocó
// efectivamente; el éxito parcial se reporta, no se esconde.
func (s *Store) RevokeAllForSubject(ctx context.Context, subject, reason string) int {
	keys, err := s.store.Scan(ctx, metadataKey(subject, ""))
	if err != nil {
		logger.From(ctx).Error("bulk revocation scan failed",
			logger.Component("revocation"),
			logger.Subject(subject),
			logger.Err(err),
		)
		if s.sink != nil {
			s.sink.InfraFailure(ctx, "revocation", fmt.Errorf("revokeAll scan: %w", err))
		}
		return 0
	}

	prefix := metadataKey(subject, "")
	seen := make(map[string]struct{}, len(keys))
	count := 0

	revokeOne := func(jti, tokenType string, expiresAt time.Time) {
		s.Revoke(ctx, jti, subject, tokenType, reason, expiresAt)
		// verificar que el registro quedó escrito: Revoke no reporta fallas,
		// pero el conteo de éxito parcial sí tiene que ser honesto
		if s.exists(ctx, tokenType, jti) {
			count++
		}
	}

	for _, k := range keys {
		jti := k[len(prefix):]
		if jti == "" {
			continue
		}
		seen[jti] = struct{}{}

		tokenType := "access"
		expiresAt := time.Time{}
		if raw, err := s.store.Get(ctx, k); err == nil {
			var md metadataRecord
			if json.Unmarshal([]byte(raw), &md) == nil {
				if md.TokenType != "" {
					tokenType = md.TokenType
				}
				expiresAt = md.ExpiresAt
			}
		}
		revokeOne(jti, tokenType, expiresAt)
	}

	// unión con el índice durable: tokens que el cache ya olvidó pero siguen
	// siendo válidos. Un fallback caído degrada la cobertura, no la operación.
	if s.fallback != nil {
		recs, err := s.fallback.SubjectTokens(ctx, subject)
		if err != nil {
			logger.From(ctx).Error("bulk revocation fallback read failed",
				logger.Component("revocation"),
				logger.Subject(subject),
				logger.Err(err),
			)
			if s.sink != nil {
				s.sink.InfraFailure(ctx, "revocation", fmt.Errorf("revokeAll fallback: %w", err))
			}
		}
		for _, rec := range recs {
			if rec.JTI == "" {
				continue
			}
			if _, ok := seen[rec.JTI]; ok {
				continue
			}
			seen[rec.JTI] = struct{}{}

			tokenType := rec.TokenType
			if tokenType == "" {
				tokenType = "access"
			}
			revokeOne(rec.JTI, tokenType, rec.ExpiresAt)
		}
	}

	logger.From(ctx).Info("bulk revocation completed",
		logger.Component("revocation"),
		logger.Subject(subject),
		logger.Count(count),
	)
	return count
}

func (s *Store) exists(ctx context.Context, tokenType, jti string) bool {
	ok, err := s.store.Exists(ctx, revokedKey(tokenType, jti))
	return err == nil && ok
}

// RecordToken implementa token.MetadataRecorder: escribe la entrada del índice
// con TTL hasta la expiración del token.
func (s *Store) RecordToken(ctx context.Context, subject, jti, sessionID, tokenType string, expiresAt time.Time) error {
	md := metadataRecord{
		SessionID: sessionID,
		TokenType: tokenType,
		ExpiresAt: expiresAt,
	}
	b, _ := json.Marshal(md)

	ttl := s.defaultTTL
	if !expiresAt.IsZero() {
		if remaining := time.Until(expiresAt); remaining > 0 {
			ttl = remaining
		}
	}
	return s.store.Set(ctx, metadataKey(subject, jti), string(b), ttl)
}
