// Package logger centraliza el logging estructurado del gatekeeper sobre zap.
//
// Hay un logger raíz por proceso (Init una vez, en main) y loggers scoped por
// request que viajan en el context: el middleware HTTP cuelga un logger con
// request_id/method/path vía ToContext, y cualquier componente del camino de
// decisión lo recupera con From(ctx) sin saber quién lo armó. Sin contexto,
// From cae al raíz, así que loggear siempre es seguro.
//
// En "dev" la salida es consola con colores; en "prod", JSON por línea. El
// nivel se controla por configuración (LOG_LEVEL).
//
// Los campos con semántica del dominio (Subject, JTI, Dimension, IncidentID)
// viven en fields.go para que el mismo dato se llame igual en todo el log.
// Material sensible nunca entra a un campo: los jti se enmascaran antes.
//
//	log := logger.From(ctx)
//	log.Info("decision emitted", logger.Reason(string(code)))
package logger
