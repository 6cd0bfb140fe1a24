package token

import "errors"

// Errores de mint.
var (
	// ErrInvalidRoleSet indica roles fuera del set reconocido por la configuración.
	ErrInvalidRoleSet = errors.New("token: role set contains unrecognized roles")
	// ErrTTLTooLong indica un TTL pedido mayor al máximo configurado.
	ErrTTLTooLong = errors.New("token: requested ttl exceeds configured maximum")
	// ErrInvalidTTL indica un TTL negativo: el token nacería vencido.
	ErrInvalidTTL = errors.New("token: requested ttl is negative")
)

// Errores de validate. El orden de chequeo es: forma → firma → ventanas
// temporales → audience/issuer → schema → revocación (la consulta al cache se
// hace al final para no gastarla en tokens que ya son inválidos).
var (
	ErrMalformed        = errors.New("token: malformed")
	ErrSignatureInvalid = errors.New("token: signature invalid")
	ErrExpired          = errors.New("token: expired")
	ErrNotYetValid      = errors.New("token: not yet valid")
	ErrAudienceMismatch = errors.New("token: audience mismatch")
	ErrIssuerMismatch   = errors.New("token: issuer mismatch")
	ErrRevoked          = errors.New("token: revoked")
)
