package logger

import (
	"context"

	"go.uber.org/zap"
)

// S devuelve la variante sugared del raíz, para logs printf-style en código
// que no está en el camino caliente.
//
//	logger.S().Infow("bulk revocation", "subject", subject, "count", n)
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// SFrom es la variante sugared de From.
func SFrom(ctx context.Context) *zap.SugaredLogger {
	return From(ctx).Sugar()
}
