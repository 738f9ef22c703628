package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"itroad-gateway/pkg/platform/circuit"
	"itroad-gateway/pkg/requestcontext"
)

// Limiter fronts a window store with the configured window and ceiling.
//
// External stores (Redis, Postgres) sit behind a circuit breaker with an
// in-memory fallback: when the shared store is down the gateway keeps
// limiting per instance instead of dropping protection or failing requests.
type Limiter struct {
	store    Store
	fallback *MemoryStore
	breaker  *circuit.Breaker
	window   time.Duration
	ceiling  int
	logger   *slog.Logger

	// While the breaker is open, the store is re-tried at most once per
	// probeInterval so it can be observed recovering and the breaker closed.
	probeInterval time.Duration
	probeMu       sync.Mutex
	lastProbe     time.Time
}

// NewLimiter builds a limiter over the given store. Passing a MemoryStore is
// fine; its Allow never errors, so the fallback path stays cold.
func NewLimiter(store Store, window time.Duration, ceiling int, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:         store,
		fallback:      NewMemoryStore(),
		breaker:       circuit.New("rate-limit-store"),
		window:        window,
		ceiling:       ceiling,
		logger:        logger,
		probeInterval: 10 * time.Second,
		lastProbe:     time.Now(),
	}
}

// Window returns the configured window size, for sweep scheduling.
func (l *Limiter) Window() time.Duration { return l.window }

// Check counts one request against key. The degraded flag marks verdicts from
// the per-instance fallback while the shared store is unavailable.
func (l *Limiter) Check(ctx context.Context, key string) (result Result, degraded bool, err error) {
	now := requestcontext.Now(ctx)
	if l.breaker.IsOpen() && !l.shouldProbeStore(now) {
		result, err = l.fallback.Allow(ctx, key, l.ceiling, l.window)
		return result, true, err
	}

	result, err = l.store.Allow(ctx, key, l.ceiling, l.window)
	if err != nil {
		if _, change := l.breaker.RecordFailure(); change.Opened {
			l.logger.ErrorContext(ctx, "rate limit store circuit opened", "error", err)
		}
		l.logger.WarnContext(ctx, "rate limit store unavailable, using in-memory fallback",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		result, err = l.fallback.Allow(ctx, key, l.ceiling, l.window)
		return result, true, err
	}

	if _, change := l.breaker.RecordSuccess(); change.Closed {
		l.logger.InfoContext(ctx, "rate limit store circuit closed")
	}
	return result, false, nil
}

// SweepFallback evicts expired fallback windows. The primary store handles
// its own retention (Redis TTLs, the Postgres sweep).
func (l *Limiter) SweepFallback(now time.Time) int {
	return l.fallback.Sweep(now, l.window)
}

func (l *Limiter) shouldProbeStore(now time.Time) bool {
	l.probeMu.Lock()
	defer l.probeMu.Unlock()
	if now.Sub(l.lastProbe) < l.probeInterval {
		return false
	}
	l.lastProbe = now
	return true
}
