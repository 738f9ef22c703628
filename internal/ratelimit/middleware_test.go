package ratelimit

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itroad-gateway/internal/platform/metrics"
	audit "itroad-gateway/pkg/platform/audit"
	"itroad-gateway/pkg/platform/audit/publisher"
	"itroad-gateway/pkg/platform/audit/store/memory"
	"itroad-gateway/pkg/testutil"
)

type middlewareFixture struct {
	middleware *Middleware
	events     *memory.InMemoryStore
}

func newMiddlewareFixture(t *testing.T, ceiling int, opts ...Option) *middlewareFixture {
	t.Helper()
	events := memory.NewInMemoryStore()
	limiter := NewLimiter(NewMemoryStore(), time.Minute, ceiling, slog.New(slog.DiscardHandler))
	return &middlewareFixture{
		middleware: NewMiddleware(limiter,
			publisher.NewPublisher(events),
			slog.New(slog.DiscardHandler),
			metrics.NewWith(prometheus.NewRegistry()),
			opts...),
		events: events,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_BudgetHeadersOnEveryResponse(t *testing.T) {
	f := newMiddlewareFixture(t, 5)
	handler := f.middleware.Handler(okHandler())

	req := testutil.WithClientIP(httptest.NewRequest(http.MethodGet, "/properties", nil), "10.0.0.9")
	rec := testutil.DoRequest(handler, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Status"))
}

func TestMiddleware_RejectsAboveCeiling(t *testing.T) {
	f := newMiddlewareFixture(t, 2)
	handler := f.middleware.Handler(okHandler())

	for range 2 {
		req := testutil.WithClientIP(httptest.NewRequest(http.MethodGet, "/properties", nil), "10.0.0.9")
		assert.Equal(t, http.StatusOK, testutil.DoRequest(handler, req).Code)
	}

	req := testutil.WithClientIP(httptest.NewRequest(http.MethodGet, "/properties", nil), "10.0.0.9")
	rec := testutil.DoRequest(handler, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")

	events := f.events.Recent(10)
	require.NotEmpty(t, events)
	assert.Equal(t, string(audit.EventRateLimitExceeded), events[len(events)-1].Action)
}

func TestMiddleware_SubjectKeyPreferredOverAddress(t *testing.T) {
	f := newMiddlewareFixture(t, 1)
	handler := f.middleware.Handler(okHandler())

	// Two authenticated users behind one NAT address get separate budgets.
	reqA := testutil.WithSubject(testutil.WithClientIP(httptest.NewRequest(http.MethodGet, "/profile", nil), "10.0.0.9"), "usr-1", "agent")
	reqB := testutil.WithSubject(testutil.WithClientIP(httptest.NewRequest(http.MethodGet, "/profile", nil), "10.0.0.9"), "usr-2", "agent")

	assert.Equal(t, http.StatusOK, testutil.DoRequest(handler, reqA).Code)
	assert.Equal(t, http.StatusOK, testutil.DoRequest(handler, reqB).Code)

	// The same subject again is over budget.
	reqA2 := testutil.WithSubject(testutil.WithClientIP(httptest.NewRequest(http.MethodGet, "/profile", nil), "10.0.0.9"), "usr-1", "agent")
	assert.Equal(t, http.StatusTooManyRequests, testutil.DoRequest(handler, reqA2).Code)
}

func TestMiddleware_DisabledPassesEverything(t *testing.T) {
	f := newMiddlewareFixture(t, 1, WithDisabled(true))
	handler := f.middleware.Handler(okHandler())

	for range 5 {
		req := testutil.WithClientIP(httptest.NewRequest(http.MethodGet, "/properties", nil), "10.0.0.9")
		rec := testutil.DoRequest(handler, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestMiddleware_DegradedVerdictFlagged(t *testing.T) {
	events := memory.NewInMemoryStore()
	store := &flakyStore{inner: NewMemoryStore()}
	store.fail.Store(true)
	limiter := NewLimiter(store, time.Minute, 5, slog.New(slog.DiscardHandler))
	mw := NewMiddleware(limiter,
		publisher.NewPublisher(events),
		slog.New(slog.DiscardHandler),
		metrics.NewWith(prometheus.NewRegistry()))
	handler := mw.Handler(okHandler())

	req := testutil.WithClientIP(httptest.NewRequest(http.MethodGet, "/properties", nil), "10.0.0.9")
	rec := testutil.DoRequest(handler, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", rec.Header().Get("X-RateLimit-Status"))
}
