// Package discovery resolves a logical service name into a routable target.
// It composes the registry and the health checker; all caching lives in the
// health cache.
package discovery

import (
	"context"
	"errors"

	"itroad-gateway/internal/health"
	"itroad-gateway/internal/registry"
	dErrors "itroad-gateway/pkg/domain-errors"
	"itroad-gateway/pkg/platform/sentinel"
)

// Resolver routes service names to healthy descriptors.
type Resolver struct {
	registry *registry.Registry
	checker  *health.Checker
}

// New creates a Resolver over the registry and health checker.
func New(reg *registry.Registry, checker *health.Checker) *Resolver {
	return &Resolver{registry: reg, checker: checker}
}

// Route returns the descriptor for a healthy service. An unregistered name is
// a client error (not_found); a registered-but-down service is a dependency
// error (service_unavailable). Callers must be able to tell them apart.
func (r *Resolver) Route(ctx context.Context, name string) (registry.Service, error) {
	svc, err := r.registry.Resolve(name)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return registry.Service{}, dErrors.Newf(dErrors.CodeNotFound, "unknown service %q", name)
		}
		return registry.Service{}, dErrors.Wrap(dErrors.CodeInternal, "resolve service", err)
	}

	healthy, err := r.checker.Check(ctx, name)
	if err != nil {
		return registry.Service{}, dErrors.Wrap(dErrors.CodeInternal, "check service health", err)
	}
	if !healthy {
		return registry.Service{}, dErrors.Newf(dErrors.CodeUnavailable, "service %q is currently unavailable", name)
	}
	return svc, nil
}
