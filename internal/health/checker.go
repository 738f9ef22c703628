package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"itroad-gateway/internal/platform/metrics"
	"itroad-gateway/internal/registry"
	"itroad-gateway/pkg/requestcontext"
)

// ServiceProber is the probe dependency of the Checker; tests swap in fakes.
type ServiceProber interface {
	Probe(ctx context.Context, svc registry.Service) (bool, error)
}

// Checker answers "is this service healthy right now" from the cache, probing
// only on cache miss. Concurrent misses for the same service collapse into a
// single probe via singleflight.
type Checker struct {
	registry *registry.Registry
	cache    *Cache
	prober   ServiceProber
	group    singleflight.Group
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewChecker wires a health checker over the registry and cache.
func NewChecker(reg *registry.Registry, cache *Cache, prober ServiceProber, logger *slog.Logger, m *metrics.Metrics) *Checker {
	return &Checker{
		registry: reg,
		cache:    cache,
		prober:   prober,
		logger:   logger,
		metrics:  m,
	}
}

// Check returns the service's health. Unknown service names return
// sentinel.ErrNotFound; a known-but-down service returns (false, nil).
func (c *Checker) Check(ctx context.Context, name string) (bool, error) {
	svc, err := c.registry.Resolve(name)
	if err != nil {
		return false, err
	}

	now := requestcontext.Now(ctx)
	if rec, ok := c.cache.Get(name, now); ok {
		return rec.Healthy, nil
	}

	result, err, _ := c.group.Do(name, func() (any, error) {
		// The probe outcome is shared state: run it detached from the
		// triggering caller so a mid-probe disconnect cannot fail the probe
		// and mark a healthy service down for every later caller. The prober
		// carries its own deadline.
		healthy, probeErr := c.prober.Probe(context.WithoutCancel(ctx), svc)
		// Cache the decision regardless of outcome so a known-down service
		// is not re-probed within the TTL window.
		c.cache.Set(name, healthy, time.Now())
		c.metrics.ObserveHealthProbe(name, healthy)
		if probeErr != nil {
			c.logger.WarnContext(ctx, "health probe failed",
				"service", name,
				"error", probeErr,
			)
		}
		return healthy, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// Status is one service's probe outcome for aggregate reporting.
type Status struct {
	Service string `json:"service"`
	Status  string `json:"status"`
}

// CheckAll probes every registered service (cache-first) and reports whether
// all of them are healthy.
func (c *Checker) CheckAll(ctx context.Context) ([]Status, bool) {
	statuses := make([]Status, 0, len(c.registry.Names()))
	allHealthy := true
	for _, name := range c.registry.Names() {
		healthy, err := c.Check(ctx, name)
		if err != nil {
			// Registry names come from the registry itself; this is unreachable
			// unless the table mutates, which it never does.
			healthy = false
			err = fmt.Errorf("check %s: %w", name, err)
			c.logger.ErrorContext(ctx, "health check failed", "error", err)
		}
		status := "healthy"
		if !healthy {
			status = "unhealthy"
			allHealthy = false
		}
		statuses = append(statuses, Status{Service: name, Status: status})
	}
	return statuses, allHealthy
}
