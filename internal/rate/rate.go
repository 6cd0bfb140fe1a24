// Package rate implementa el rate limiting multidimensional del gatekeeper.
//
// Ventanas fijas time-sliced (INCR + EXPIRE, bucket = floor(now/window)):
// más simples y baratas que un sliding log, al costo aceptado y documentado
// de permitir hasta 2x el límite nominal cruzando el borde de ventana.
// El incremento es atómico por key, así que el conteo nunca excede el límite
// por más que el grado real de concurrencia dentro de un bucket.
//
// Ante backend caído, Check falla OPEN: el rate limiting es mitigación, no
// garantía de correctitud, y un hard-fail convertiría una caída del cache en
// una caída total del servicio.
package rate

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Dimension identifica cada eje de conteo independiente.
type Dimension string

const (
	DimIPMinute     Dimension = "ip_min"
	DimIPHour       Dimension = "ip_hour"
	DimUserMinute   Dimension = "user_min"
	DimUserHour     Dimension = "user_hour"
	DimIPEndpoint   Dimension = "ip_endpoint"
	DimIPUserAgent  Dimension = "ip_useragent"
	DimGlobal       Dimension = "global"
	DimAuthIPMinute Dimension = "auth_ip_min"
)

// EndpointClass distingue tráfico general de endpoints de autenticación,
// que llevan límites por IP más estrictos.
type EndpointClass string

const (
	ClassGeneral EndpointClass = "general"
	ClassAuth    EndpointClass = "auth"
)

// Identities son las identidades del request sobre las que se cuenta.
type Identities struct {
	IP        string
	UserID    string // vacío si el request no trae identidad declarada
	Endpoint  string
	UserAgent string
}

// Result es la decisión agregada de todas las dimensiones aplicables.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration // sólo con Allowed=false; siempre > 0
	Violated   []Dimension
	FailedOpen bool // true si el backend no respondió y se permitió por política
}

// uaHash reduce el User-Agent a un hash corto para no usar strings arbitrarios
// largos como parte de la key.
func uaHash(ua string) string {
	sum := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:8])
}
