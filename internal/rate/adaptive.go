package rate

import (
	"context"
	"time"

	"github.com/dropDatabas3/gatekeeper/internal/observability/logger"
)

// Feedback registra señal operativa sobre una dimensión: falseAccepts son
// requests abusivos que pasaron (el límite quedó ancho), falseRejects son
// requests legítimos denegados (el límite quedó angosto). Lo consume el
// próximo tick adaptativo.
func (l *Limiter) Feedback(dim Dimension, falseAccepts, falseRejects int) {
	st, ok := l.limits[dim]
	if !ok {
		return
	}
	st.falseAccepts.Add(int64(falseAccepts))
	st.falseRejects.Add(int64(falseRejects))
}

// RunAdaptive corre el proceso de ajuste hasta que el contexto se cancele.
// Cada tick: con feedback, mueve el límite ~10% en la dirección indicada;
// sin feedback, decae un paso hacia el límite base configurado, así el drift
// de uptimes largos se auto-corrige. Todo cambio queda clamp a [floor,
// ceiling] y auditado via AdjustmentSink.
func (l *Limiter) RunAdaptive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	logger.From(ctx).Info("adaptive rate adjustment started",
		logger.Component("rate"),
		logger.Duration(interval),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.reconcile(ctx)
		}
	}
}

func (l *Limiter) reconcile(ctx context.Context) {
	for dim, st := range l.limits {
		fa := st.falseAccepts.Swap(0)
		fr := st.falseRejects.Swap(0)
		cur := int(st.effective.Load())

		var next int
		switch {
		case fa > fr:
			// abuso pasando: angostar
			next = cur - max(cur/10, 1)
		case fr > fa:
			// legítimos rebotando: ensanchar
			next = cur + max(cur/10, 1)
		case cur != st.base:
			// sin señal: un paso de vuelta hacia el base configurado
			step := max(abs(cur-st.base)/10, 1)
			if cur > st.base {
				next = cur - step
			} else {
				next = cur + step
			}
		default:
			continue
		}
		l.setEffective(ctx, dim, st, next)
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
