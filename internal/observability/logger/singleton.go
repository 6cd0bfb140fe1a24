package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	initOnce sync.Once
	root     *zap.Logger
)

// Init construye el logger raíz del proceso. Idempotente: las llamadas
// posteriores a la primera no hacen nada, así que los tests pueden llamarla
// sin pisarse.
func Init(cfg Config) {
	initOnce.Do(func() {
		root = build(cfg)
	})
}

// L devuelve el logger raíz. Si nadie llamó Init todavía, arma uno de
// desarrollo (consola, nivel info) para que loggear nunca sea nil-unsafe.
func L() *zap.Logger {
	if root == nil {
		Init(Config{Env: "dev", Level: "info"})
	}
	return root
}

// Named devuelve el raíz etiquetado con el nombre de un componente.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// With devuelve el raíz con campos persistentes ya aplicados.
func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// Sync drena los buffers pendientes; va en un defer de main.
func Sync() error {
	if root != nil {
		return root.Sync()
	}
	return nil
}
