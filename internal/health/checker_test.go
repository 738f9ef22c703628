package health

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itroad-gateway/internal/platform/config"
	"itroad-gateway/internal/platform/metrics"
	"itroad-gateway/internal/registry"
	"itroad-gateway/pkg/platform/sentinel"
	"itroad-gateway/pkg/requestcontext"
)

type fakeProber struct {
	healthy atomic.Bool
	err     error
	calls   atomic.Int32
}

func (f *fakeProber) Probe(ctx context.Context, svc registry.Service) (bool, error) {
	f.calls.Add(1)
	return f.healthy.Load(), f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestChecker(t *testing.T, ttl time.Duration, prober ServiceProber) *Checker {
	t.Helper()
	reg, err := registry.New([]config.ServiceConfig{
		{Name: "profile", BaseURL: "http://localhost:3002", HealthPath: "/health", RoutePrefix: "/profile", MountPath: "/api/profile"},
		{Name: "document", BaseURL: "http://localhost:3003", HealthPath: "/health", RoutePrefix: "/documents", MountPath: "/api/documents"},
	})
	require.NoError(t, err)
	m := metrics.NewWith(prometheus.NewRegistry())
	return NewChecker(reg, NewCache(ttl), prober, testLogger(), m)
}

func TestCheck_UnknownServiceIsDistinctError(t *testing.T) {
	prober := &fakeProber{}
	checker := newTestChecker(t, 30*time.Second, prober)

	_, err := checker.Check(context.Background(), "billing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinel.ErrNotFound))
	assert.Equal(t, int32(0), prober.calls.Load(), "unknown services must not be probed")
}

func TestCheck_ProbeResultReusedWithinTTL(t *testing.T) {
	prober := &fakeProber{}
	prober.healthy.Store(true)
	checker := newTestChecker(t, 30*time.Second, prober)

	for range 5 {
		healthy, err := checker.Check(context.Background(), "profile")
		require.NoError(t, err)
		assert.True(t, healthy)
	}

	assert.Equal(t, int32(1), prober.calls.Load(), "fresh cache must suppress probes")
}

func TestCheck_ReprobesExactlyOnceAfterTTL(t *testing.T) {
	prober := &fakeProber{}
	prober.healthy.Store(true)
	checker := newTestChecker(t, 30*time.Second, prober)

	ctx := context.Background()
	_, err := checker.Check(ctx, "profile")
	require.NoError(t, err)

	// Pin the request clock past the TTL; the cached record is now stale.
	later := requestcontext.WithTime(ctx, time.Now().Add(31*time.Second))
	_, err = checker.Check(later, "profile")
	require.NoError(t, err)
	assert.Equal(t, int32(2), prober.calls.Load())

	// The refresh wrote a fresh record, so the next check is served from cache.
	_, err = checker.Check(ctx, "profile")
	require.NoError(t, err)
	assert.Equal(t, int32(2), prober.calls.Load())
}

func TestCheck_FailureIsCachedWithinTTL(t *testing.T) {
	prober := &fakeProber{err: sentinel.ErrUnreachable}
	checker := newTestChecker(t, 30*time.Second, prober)

	for range 3 {
		healthy, err := checker.Check(context.Background(), "profile")
		require.NoError(t, err)
		assert.False(t, healthy)
	}

	assert.Equal(t, int32(1), prober.calls.Load(), "a known-down service must not be re-probed within the TTL")
}

type contextAwareProber struct {
	calls atomic.Int32
}

func (p *contextAwareProber) Probe(ctx context.Context, svc registry.Service) (bool, error) {
	p.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return true, nil
}

func TestCheck_CallerDisconnectDoesNotPoisonCache(t *testing.T) {
	prober := &contextAwareProber{}
	checker := newTestChecker(t, 30*time.Second, prober)

	gone, cancel := context.WithCancel(context.Background())
	cancel() // the caller hung up before the probe ran

	healthy, err := checker.Check(gone, "profile")
	require.NoError(t, err)
	assert.True(t, healthy, "a disconnecting caller must not fail the shared probe")

	// The cached record came from the detached probe, not the dead caller.
	healthy, err = checker.Check(context.Background(), "profile")
	require.NoError(t, err)
	assert.True(t, healthy)
	assert.Equal(t, int32(1), prober.calls.Load())
}

func TestCheck_ConcurrentMissesCollapseToOneProbe(t *testing.T) {
	prober := &fakeProber{}
	prober.healthy.Store(true)
	checker := newTestChecker(t, 30*time.Second, prober)

	done := make(chan struct{})
	for range 20 {
		go func() {
			_, err := checker.Check(context.Background(), "profile")
			assert.NoError(t, err)
			done <- struct{}{}
		}()
	}
	for range 20 {
		<-done
	}

	assert.Equal(t, int32(1), prober.calls.Load())
}

func TestCheckAll_AggregatesAcrossServices(t *testing.T) {
	prober := &fakeProber{}
	prober.healthy.Store(true)
	checker := newTestChecker(t, 30*time.Second, prober)

	statuses, allHealthy := checker.CheckAll(context.Background())
	assert.True(t, allHealthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "document", statuses[0].Service)
	assert.Equal(t, "healthy", statuses[0].Status)

	// A degraded dependency flips the aggregate, served from its cached record.
	prober.healthy.Store(false)
	checker.cache.Set("document", false, time.Now())
	_, allHealthy = checker.CheckAll(context.Background())
	assert.False(t, allHealthy)
}
