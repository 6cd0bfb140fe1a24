package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - HTTP / REQUEST
// =================================================================================

// RequestID crea un campo para el ID del request.
func RequestID(v string) zap.Field {
	return zap.String("request_id", v)
}

// Method crea un campo para el método HTTP.
func Method(v string) zap.Field {
	return zap.String("method", v)
}

// Path crea un campo para el path del request.
func Path(v string) zap.Field {
	return zap.String("path", v)
}

// Status crea un campo para el status code HTTP.
func Status(v int) zap.Field {
	return zap.Int("status", v)
}

// Duration crea un campo para la duración del request.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// SourceIP crea un campo para la IP de origen del request.
func SourceIP(v string) zap.Field {
	return zap.String("source_ip", v)
}

// UserAgent crea un campo para el User-Agent.
func UserAgent(v string) zap.Field {
	return zap.String("user_agent", v)
}

// Endpoint crea un campo para el path/clase de endpoint evaluado.
func Endpoint(v string) zap.Field {
	return zap.String("endpoint", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - SEGURIDAD
// =================================================================================

// Subject crea un campo para el principal autenticado.
func Subject(v string) zap.Field {
	return zap.String("subject", v)
}

// JTI crea un campo para el ID único del token.
func JTI(v string) zap.Field {
	return zap.String("jti", v)
}

// SessionID crea un campo para el ID de sesión.
func SessionID(v string) zap.Field {
	return zap.String("session_id", v)
}

// Reason crea un campo para el reason code de una decisión.
func Reason(v string) zap.Field {
	return zap.String("reason", v)
}

// Dimension crea un campo para la dimensión de rate limiting.
func Dimension(v string) zap.Field {
	return zap.String("dimension", v)
}

// Category crea un campo para la categoría de input malicioso detectada.
func Category(v string) zap.Field {
	return zap.String("category", v)
}

// Severity crea un campo para la severidad de un evento.
func Severity(v string) zap.Field {
	return zap.String("severity", v)
}

// EventID crea un campo para el ID de un SecurityEvent.
func EventID(v string) zap.Field {
	return zap.String("event_id", v)
}

// IncidentID crea un campo para el ID de un incidente correlacionado.
func IncidentID(v string) zap.Field {
	return zap.String("incident_id", v)
}

// KeyContext crea un campo para el contexto de derivación de claves.
// Nunca loggear material de clave, sólo el nombre del contexto.
func KeyContext(v string) zap.Field {
	return zap.String("key_context", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op crea un campo para la operación actual.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// =================================================================================
// CAMPOS ESTÁNDAR - DATOS
// =================================================================================

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// Key crea un campo genérico para una clave.
func Key(v string) zap.Field {
	return zap.String("key", v)
}

// Any crea un campo genérico para cualquier tipo.
func Any(key string, v any) zap.Field {
	return zap.Any(key, v)
}

// String crea un campo string genérico.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Int crea un campo int genérico.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// Int64 crea un campo int64 genérico.
func Int64(key string, v int64) zap.Field {
	return zap.Int64(key, v)
}

// Bool crea un campo bool genérico.
func Bool(key string, v bool) zap.Field {
	return zap.Bool(key, v)
}
