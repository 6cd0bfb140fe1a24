package rate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dropDatabas3/gatekeeper/internal/cache"
	"github.com/dropDatabas3/gatekeeper/internal/config"
	"github.com/dropDatabas3/gatekeeper/internal/observability/logger"
)

// FailureSink recibe fallas de infraestructura (fail-open) para alertar.
type FailureSink interface {
	InfraFailure(ctx context.Context, component string, err error)
}

// AdjustmentSink audita los cambios adaptativos de límites como eventos de
// seguridad: un límite que se mueve solo tiene que quedar trazado.
type AdjustmentSink interface {
	LimitAdjusted(ctx context.Context, dimension string, oldLimit, newLimit int)
}

// limitState mantiene la configuración de una dimensión más su límite efectivo
// (ajustable en caliente, siempre dentro de [floor, ceiling]).
type limitState struct {
	window  time.Duration
	base    int
	floor   int
	ceiling int

	effective atomic.Int64

	// feedback acumulado desde el último tick adaptativo
	falseAccepts atomic.Int64
	falseRejects atomic.Int64
}

func newLimitState(l config.Limit) *limitState {
	st := &limitState{
		window:  l.WindowDur(),
		base:    l.Limit,
		floor:   l.Floor,
		ceiling: l.Ceiling,
	}
	st.effective.Store(int64(l.Limit))
	return st
}

// Limiter evalúa todas las dimensiones aplicables de un request de una vez.
type Limiter struct {
	store    cache.Client
	limits   map[Dimension]*limitState
	sink     FailureSink
	audit    AdjustmentSink
	disabled bool

	now func() time.Time
}

// New arma el Limiter desde la configuración de dimensiones.
func New(store cache.Client, cfg *config.Config, sink FailureSink, audit AdjustmentSink) *Limiter {
	return &Limiter{
		store:    store,
		disabled: cfg.Rate.Disabled,
		limits: map[Dimension]*limitState{
			DimIPMinute:     newLimitState(cfg.Rate.IPPerMin),
			DimIPHour:       newLimitState(cfg.Rate.IPPerHour),
			DimUserMinute:   newLimitState(cfg.Rate.UserPerMin),
			DimUserHour:     newLimitState(cfg.Rate.UserPerHour),
			DimIPEndpoint:   newLimitState(cfg.Rate.IPEndpoint),
			DimIPUserAgent:  newLimitState(cfg.Rate.IPUserAgent),
			DimGlobal:       newLimitState(cfg.Rate.Global),
			DimAuthIPMinute: newLimitState(cfg.Rate.AuthIP),
		},
		sink:  sink,
		audit: audit,
		now:   time.Now,
	}
}

type check struct {
	dim Dimension
	id  string
}

// applicable arma la lista (dimensión, identidad) de este request.
func (l *Limiter) applicable(ids Identities, class EndpointClass) []check {
	checks := []check{
		{DimIPMinute, ids.IP},
		{DimIPHour, ids.IP},
		{DimIPEndpoint, ids.IP + ":" + ids.Endpoint},
		{DimIPUserAgent, ids.IP + ":" + uaHash(ids.UserAgent)},
		{DimGlobal, "all"},
	}
	if ids.UserID != "" {
		checks = append(checks,
			check{DimUserMinute, ids.UserID},
			check{DimUserHour, ids.UserID},
		)
	}
	if class == ClassAuth {
		checks = append(checks, check{DimAuthIPMinute, ids.IP})
	}
	return checks
}

// Check incrementa y evalúa todas las dimensiones aplicables. El request se
// deniega si CUALQUIER dimensión excede su límite efectivo tras incrementar.
func (l *Limiter) Check(ctx context.Context, ids Identities, class EndpointClass) Result {
	if l.disabled {
		return Result{Allowed: true}
	}
	now := l.now().UTC()
	var (
		violated   []Dimension
		retryAfter time.Duration
	)

	for _, c := range l.applicable(ids, class) {
		st := l.limits[c.dim]
		bucket := now.Truncate(st.window)
		key := fmt.Sprintf("ratelimit:%s:%s:%d", c.dim, c.id, bucket.Unix())

		hits, err := l.store.Incr(ctx, key, st.window)
		if err != nil {
			logger.From(ctx).Error("rate check failed, failing open",
				logger.Component("rate"),
				logger.Dimension(string(c.dim)),
				logger.Err(err),
			)
			if l.sink != nil {
				l.sink.InfraFailure(ctx, "rate", fmt.Errorf("incr %s: %w", c.dim, err))
			}
			return Result{Allowed: true, FailedOpen: true}
		}

		if hits > st.effective.Load() {
			violated = append(violated, c.dim)
			if rem := bucket.Add(st.window).Sub(now); rem > retryAfter {
				retryAfter = rem
			}
		}
	}

	if len(violated) == 0 {
		return Result{Allowed: true}
	}
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Result{Allowed: false, RetryAfter: retryAfter, Violated: violated}
}

// EffectiveLimit expone el límite vigente de una dimensión.
func (l *Limiter) EffectiveLimit(dim Dimension) int {
	if st, ok := l.limits[dim]; ok {
		return int(st.effective.Load())
	}
	return 0
}

// setEffective aplica un límite nuevo con clamp a [floor, ceiling] y lo audita.
func (l *Limiter) setEffective(ctx context.Context, dim Dimension, st *limitState, next int) {
	if next < st.floor {
		next = st.floor
	}
	if next > st.ceiling {
		next = st.ceiling
	}
	old := int(st.effective.Load())
	if next == old {
		return
	}
	st.effective.Store(int64(next))

	logger.From(ctx).Info("rate limit adjusted",
		logger.Component("rate"),
		logger.Dimension(string(dim)),
		logger.Int("old_limit", old),
		logger.Int("new_limit", next),
	)
	if l.audit != nil {
		l.audit.LimitAdjusted(ctx, string(dim), old, next)
	}
}
