package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"itroad-gateway/internal/registry"
	"itroad-gateway/pkg/platform/sentinel"
)

// Prober issues liveness probes against downstream health endpoints.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

// NewProber creates a prober whose probes are bounded by the given timeout,
// independent of the per-service proxy budget. A hanging health endpoint must
// not stall the request that triggered the probe.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Probe hits the service's health endpoint. It returns whether the service is
// ready to serve traffic and, for unhealthy outcomes, the infrastructure fact
// behind the decision for logging.
func (p *Prober) Probe(ctx context.Context, svc registry.Service) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.HealthURL(), nil)
	if err != nil {
		return false, fmt.Errorf("build probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("probe %s: %w: %w", svc.Name, sentinel.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("probe %s: status %d: %w", svc.Name, resp.StatusCode, sentinel.ErrUnhealthy)
	}
	return true, nil
}
