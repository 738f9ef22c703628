// Package registry holds the static table of downstream services the gateway
// fronts. Entries are loaded once at startup and never mutated.
package registry

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"itroad-gateway/internal/platform/config"
	"itroad-gateway/pkg/platform/sentinel"
)

// Service describes one downstream service: where it lives, how to probe it,
// and how long the gateway will wait for it.
type Service struct {
	Name        string
	BaseURL     string
	HealthPath  string
	RoutePrefix string
	MountPath   string
	Timeout     time.Duration
}

// HealthURL returns the full liveness probe URL for the service.
func (s Service) HealthURL() string {
	return s.BaseURL + s.HealthPath
}

// Registry maps logical service names to descriptors. Immutable after New,
// so lookups need no locking.
type Registry struct {
	services map[string]Service
	names    []string
}

// New validates and indexes the configured service table.
func New(entries []config.ServiceConfig) (*Registry, error) {
	services := make(map[string]Service, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("registry entry with empty name")
		}
		if _, ok := services[e.Name]; ok {
			return nil, fmt.Errorf("duplicate registry entry %q", e.Name)
		}
		u, err := url.Parse(e.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("registry entry %q: invalid base URL %q", e.Name, e.BaseURL)
		}
		if !strings.HasPrefix(e.RoutePrefix, "/") {
			return nil, fmt.Errorf("registry entry %q: route prefix %q must start with /", e.Name, e.RoutePrefix)
		}
		timeout := e.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		services[e.Name] = Service{
			Name:        e.Name,
			BaseURL:     strings.TrimRight(e.BaseURL, "/"),
			HealthPath:  e.HealthPath,
			RoutePrefix: strings.TrimRight(e.RoutePrefix, "/"),
			MountPath:   strings.TrimRight(e.MountPath, "/"),
			Timeout:     timeout,
		}
	}

	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Registry{services: services, names: names}, nil
}

// Resolve looks up a service by logical name. Unknown names return
// sentinel.ErrNotFound so callers can answer 404-class, distinct from a
// known-but-unhealthy service.
func (r *Registry) Resolve(name string) (Service, error) {
	svc, ok := r.services[name]
	if !ok {
		return Service{}, fmt.Errorf("service %q: %w", name, sentinel.ErrNotFound)
	}
	return svc, nil
}

// Names returns all registered service names in stable order.
func (r *Registry) Names() []string {
	return r.names
}

// All returns every descriptor in stable name order.
func (r *Registry) All() []Service {
	out := make([]Service, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.services[name])
	}
	return out
}
