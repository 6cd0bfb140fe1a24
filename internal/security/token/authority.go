// Package token emite y valida los session tokens firmados del gatekeeper.
//
// El algoritmo de firma está clavado por deployment (EdDSA): nunca se negocia
// desde el token. Un token que declare otro alg se rechaza antes de intentar
// verificación criptográfica alguna, lo que cierra los ataques de
// algorithm confusion.
package token

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dropDatabas3/gatekeeper/internal/observability/logger"
	"github.com/dropDatabas3/gatekeeper/internal/util"
)

// SchemaVersion es la versión vigente del layout de claims. Un mismatch se
// rechaza como malformado, nunca se parsea best-effort.
const SchemaVersion = 1

const clockSkew = 30 * time.Second

// Claims es el contenido validado de un token.
type Claims struct {
	Subject       string    `json:"sub"`
	JTI           string    `json:"jti"`
	SessionID     string    `json:"sid"`
	Roles         []string  `json:"roles"`
	Issuer        string    `json:"iss"`
	Audience      string    `json:"aud"`
	IssuedAt      time.Time `json:"iat"`
	NotBefore     time.Time `json:"nbf"`
	ExpiresAt     time.Time `json:"exp"`
	SchemaVersion int       `json:"sv"`
}

// wireClaims es el layout JWT en el wire.
type wireClaims struct {
	jwtv5.RegisteredClaims
	Roles []string `json:"roles"`
	SID   string   `json:"sid"`
	SV    int      `json:"sv"`
}

// RevocationChecker responde si un jti está revocado. Es el último paso de
// Validate; la implementación falla open.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) bool
}

// MetadataRecorder persiste el índice (subject, jti) usado por la revocación
// masiva. La escritura es best-effort: su falla degrada la capacidad de
// revocar en bloque, no la autenticación.
type MetadataRecorder interface {
	RecordToken(ctx context.Context, subject, jti, sessionID, tokenType string, expiresAt time.Time) error
}

// FailureSink recibe las fallas de infraestructura del authority. La falla de
// metadata es best-effort para el mint pero consume presupuesto de error: el
// monitor la contabiliza. Puede ser nil.
type FailureSink interface {
	InfraFailure(ctx context.Context, component string, err error)
}

// Config del Authority.
type Config struct {
	Issuer      string
	Audience    string
	AccessTTL   time.Duration // TTL por defecto de Mint
	MaxTTL      time.Duration // cota dura de cualquier TTL
	Roles       []string      // set reconocido
	SigningSeed string        // base64, 32 bytes -> ed25519 seed
}

// Authority firma y valida tokens con la clave del deployment epoch.
type Authority struct {
	issuer    string
	audience  string
	accessTTL time.Duration
	maxTTL    time.Duration
	roles     map[string]struct{}

	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	kid  string

	revoked  RevocationChecker
	metadata MetadataRecorder
	sink     FailureSink

	now func() time.Time
}

// New construye el Authority. revoked y metadata pueden ser nil (se omiten
// esos pasos; útil en tests de unidades superiores).
func New(cfg Config, revoked RevocationChecker, metadata MetadataRecorder) (*Authority, error) {
	seed, err := base64.StdEncoding.DecodeString(cfg.SigningSeed)
	if err != nil {
		return nil, fmt.Errorf("token: decode signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("token: signing seed debe decodificar a %d bytes, obtuvo %d", ed25519.SeedSize, len(seed))
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 24 * time.Hour
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)

	roles := make(map[string]struct{}, len(cfg.Roles))
	for _, r := range cfg.Roles {
		roles[r] = struct{}{}
	}

	return &Authority{
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		accessTTL: cfg.AccessTTL,
		maxTTL:    cfg.MaxTTL,
		roles:     roles,
		priv:      priv,
		pub:       pub,
		kid:       hex.EncodeToString(sum[:8]),
		revoked:   revoked,
		metadata:  metadata,
		now:       time.Now,
	}, nil
}

// KID identifica la clave de firma del epoch actual.
func (a *Authority) KID() string { return a.kid }

// SetFailureSink conecta el destino de las fallas de infraestructura.
func (a *Authority) SetFailureSink(sink FailureSink) {
	a.sink = sink
}

// Mint emite un token firmado para el subject con los roles dados.
// ttl 0 usa el default configurado.
func (a *Authority) Mint(ctx context.Context, subject string, roles []string, ttl time.Duration) (string, Claims, error) {
	if subject == "" {
		return "", Claims{}, ErrMalformed
	}
	for _, r := range roles {
		if _, ok := a.roles[r]; !ok {
			return "", Claims{}, fmt.Errorf("%w: %q", ErrInvalidRoleSet, r)
		}
	}
	if ttl < 0 {
		return "", Claims{}, ErrInvalidTTL
	}
	if ttl == 0 {
		ttl = a.accessTTL
	}
	if ttl > a.maxTTL {
		return "", Claims{}, ErrTTLTooLong
	}

	now := a.now().UTC()
	cl := Claims{
		Subject:       subject,
		JTI:           uuid.NewString(),
		SessionID:     uuid.NewString(),
		Roles:         roles,
		Issuer:        a.issuer,
		Audience:      a.audience,
		IssuedAt:      now,
		NotBefore:     now,
		ExpiresAt:     now.Add(ttl),
		SchemaVersion: SchemaVersion,
	}

	wc := wireClaims{
		RegisteredClaims: jwtv5.RegisteredClaims{
			Issuer:    cl.Issuer,
			Subject:   cl.Subject,
			Audience:  jwtv5.ClaimStrings{cl.Audience},
			IssuedAt:  jwtv5.NewNumericDate(cl.IssuedAt),
			NotBefore: jwtv5.NewNumericDate(cl.NotBefore),
			ExpiresAt: jwtv5.NewNumericDate(cl.ExpiresAt),
			ID:        cl.JTI,
		},
		Roles: roles,
		SID:   cl.SessionID,
		SV:    SchemaVersion,
	}

	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodEdDSA, wc)
	tk.Header["kid"] = a.kid
	tk.Header["typ"] = "JWT"
	signed, err := tk.SignedString(a.priv)
	if err != nil {
		return "", Claims{}, fmt.Errorf("token: sign: %w", err)
	}

	// Escritura best-effort del índice de metadata: una caída del side store
	// degrada la revocación masiva, no el mint.
	if a.metadata != nil {
		if err := a.metadata.RecordToken(ctx, cl.Subject, cl.JTI, cl.SessionID, "access", cl.ExpiresAt); err != nil {
			logger.From(ctx).Warn("token metadata write failed",
				logger.Component("token"),
				logger.Subject(cl.Subject),
				logger.JTI(util.MaskToken(cl.JTI)),
				logger.Err(err),
			)
			if a.sink != nil {
				a.sink.InfraFailure(ctx, "token_metadata", fmt.Errorf("record token: %w", err))
			}
		}
	}

	return signed, cl, nil
}

// Validate verifica un token firmado y devuelve sus claims.
// La consulta de revocación corre al final, sólo si la criptografía pasó.
func (a *Authority) Validate(ctx context.Context, raw string) (Claims, error) {
	var wc wireClaims
	parser := jwtv5.NewParser(
		jwtv5.WithValidMethods([]string{jwtv5.SigningMethodEdDSA.Alg()}),
		jwtv5.WithLeeway(clockSkew),
		jwtv5.WithIssuedAt(),
		jwtv5.WithTimeFunc(a.now),
	)
	_, err := parser.ParseWithClaims(raw, &wc, func(t *jwtv5.Token) (any, error) {
		return a.pub, nil
	})
	if err != nil {
		return Claims{}, mapParseError(err)
	}

	cl, err := a.fromWire(wc)
	if err != nil {
		return Claims{}, err
	}

	// Paso final: denylist. Sólo se consulta con un token criptográficamente
	// válido para no gastar roundtrips en basura.
	if a.revoked != nil && a.revoked.IsRevoked(ctx, cl.JTI) {
		return Claims{}, ErrRevoked
	}
	return cl, nil
}

func (a *Authority) fromWire(wc wireClaims) (Claims, error) {
	if wc.SV != SchemaVersion {
		return Claims{}, fmt.Errorf("%w: schema version %d", ErrMalformed, wc.SV)
	}
	if wc.ID == "" || wc.Subject == "" {
		return Claims{}, ErrMalformed
	}
	if wc.IssuedAt == nil || wc.NotBefore == nil || wc.ExpiresAt == nil {
		return Claims{}, ErrMalformed
	}

	iat := wc.IssuedAt.Time
	nbf := wc.NotBefore.Time
	exp := wc.ExpiresAt.Time

	// Invariantes de ventana: nbf <= iat < exp, y vida total acotada.
	if nbf.After(iat) || !iat.Before(exp) {
		return Claims{}, ErrMalformed
	}
	if exp.Sub(iat) > a.maxTTL+clockSkew {
		return Claims{}, fmt.Errorf("%w: lifetime beyond configured maximum", ErrMalformed)
	}

	if wc.Issuer != a.issuer {
		return Claims{}, ErrIssuerMismatch
	}
	aud := ""
	if len(wc.Audience) > 0 {
		aud = wc.Audience[0]
	}
	if aud != a.audience {
		return Claims{}, ErrAudienceMismatch
	}

	return Claims{
		Subject:       wc.Subject,
		JTI:           wc.ID,
		SessionID:     wc.SID,
		Roles:         wc.Roles,
		Issuer:        wc.Issuer,
		Audience:      aud,
		IssuedAt:      iat,
		NotBefore:     nbf,
		ExpiresAt:     exp,
		SchemaVersion: wc.SV,
	}, nil
}

// mapParseError traduce los errores de jwt/v5 a la taxonomía del gatekeeper.
func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwtv5.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwtv5.ErrTokenNotValidYet), errors.Is(err, jwtv5.ErrTokenUsedBeforeIssued):
		return ErrNotYetValid
	case errors.Is(err, jwtv5.ErrTokenSignatureInvalid):
		return ErrSignatureInvalid
	default:
		// alg no pineado, estructura rota, base64 inválido, claims ilegibles
		return ErrMalformed
	}
}
