package connectors

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Guard — глобальный предохранитель пропускной способности перед внешними
// вызовами: token bucket на весь коннекторный слой + дефолтный таймаут.
// Ретраев здесь нет намеренно: единственный автоматический повтор в системе —
// HALF_OPEN проба предохранителя оркестратора.
type Guard struct {
	next    Invoker
	limiter *rate.Limiter
	timeout time.Duration
}

func NewGuard(next Invoker, rps float64, burst int, timeout time.Duration) *Guard {
	return &Guard{
		next:    next,
		limiter: NewSharedLimiter(rps, burst),
		timeout: timeout,
	}
}

// NewSharedLimiter создает token bucket, который main раздает всем Guard-ам:
// лимит общий на весь коннекторный слой, а не на каждое соединение.
func NewSharedLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		rps = 100
	}
	if burst <= 0 {
		burst = 20
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// NewGuardShared — Guard поверх общего лимитера.
func NewGuardShared(next Invoker, limiter *rate.Limiter, timeout time.Duration) *Guard {
	return &Guard{next: next, limiter: limiter, timeout: timeout}
}

func (g *Guard) Invoke(ctx context.Context, params, callCtx map[string]interface{}) (map[string]interface{}, error) {
	// 1. Rate Limiter (глобальный, не путать с RBAC-лимитом per-actor)
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("connector throughput limit: %w", err)
	}

	// 2. Ограниченный таймаут вызова
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	return g.next.Invoke(ctx, params, callCtx)
}

// Probe пробрасывается к обернутому инвокеру, если тот умеет пробы.
func (g *Guard) Probe(ctx context.Context) error {
	if p, ok := g.next.(Prober); ok {
		return p.Probe(ctx)
	}
	return nil
}
