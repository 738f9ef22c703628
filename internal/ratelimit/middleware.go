package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"

	"itroad-gateway/internal/platform/metrics"
	dErrors "itroad-gateway/pkg/domain-errors"
	audit "itroad-gateway/pkg/platform/audit"
	"itroad-gateway/pkg/platform/audit/publisher"
	"itroad-gateway/pkg/platform/httputil"
	"itroad-gateway/pkg/requestcontext"
)

// Middleware applies the limiter to inbound requests. Authenticated callers
// are counted per subject, anonymous callers per source address, so one hot
// NAT egress cannot exhaust a logged-in user's budget and vice versa.
type Middleware struct {
	limiter  *Limiter
	audit    *publisher.Publisher
	logger   *slog.Logger
	metrics  *metrics.Metrics
	disabled bool
}

// Option configures the middleware.
type Option func(*Middleware)

// WithDisabled disables rate limiting entirely (for testing/demo mode).
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

// NewMiddleware wires the rate limit middleware.
func NewMiddleware(limiter *Limiter, auditPub *publisher.Publisher, logger *slog.Logger, met *metrics.Metrics, opts ...Option) *Middleware {
	m := &Middleware{
		limiter: limiter,
		audit:   auditPub,
		logger:  logger,
		metrics: met,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		logger.Info("rate limiting disabled")
	}
	return m
}

// Handler enforces the limit. Runs after auth middleware so the subject key
// is available for authenticated routes.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.disabled {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		key := AddressKey(requestcontext.ClientIP(ctx))
		if subject := requestcontext.SubjectID(ctx); subject != "" {
			key = SubjectKey(subject)
		}

		result, degraded, err := m.limiter.Check(ctx, key)
		if err != nil {
			// Advisory protection fails open: a broken limiter must not take
			// the gateway down with it.
			m.logger.ErrorContext(ctx, "rate limit check failed",
				"request_id", requestcontext.RequestID(ctx),
				"error", err,
			)
			next.ServeHTTP(w, r)
			return
		}

		// Budget headers accompany every verdict, not just rejections.
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		if degraded {
			w.Header().Set("X-RateLimit-Status", "degraded")
		}

		if !result.Allowed {
			m.reject(w, r, key, result)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, key string, result Result) {
	ctx := r.Context()
	m.metrics.IncRateLimited()
	m.logger.WarnContext(ctx, "rate limit exceeded",
		"key", key,
		"limit", result.Limit,
		"request_id", requestcontext.RequestID(ctx),
	)

	event := audit.NewEvent(audit.EventRateLimitExceeded)
	event.SubjectID = requestcontext.SubjectID(ctx)
	event.ClientIP = requestcontext.ClientIP(ctx)
	event.RequestID = requestcontext.RequestID(ctx)
	event.Reason = "ceiling exceeded"
	if err := m.audit.Emit(ctx, event); err != nil {
		m.logger.ErrorContext(ctx, "failed to emit audit event", "action", event.Action, "error", err)
	}

	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "too many requests, slow down"))
}
