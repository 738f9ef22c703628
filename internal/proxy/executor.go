// Package proxy forwards inbound requests to resolved downstream services
// with per-service deadlines and a bounded retry loop.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"itroad-gateway/internal/platform/config"
	"itroad-gateway/internal/platform/metrics"
	"itroad-gateway/internal/registry"
	dErrors "itroad-gateway/pkg/domain-errors"
	audit "itroad-gateway/pkg/platform/audit"
	"itroad-gateway/pkg/platform/audit/publisher"
	"itroad-gateway/pkg/platform/httputil"
	"itroad-gateway/pkg/requestcontext"
)

// inboundHeaders is the allow-list copied from caller to downstream. Anything
// else, hop-by-hop headers included, stays at the edge.
var inboundHeaders = []string{
	"Content-Type",
	"Authorization",
	"User-Agent",
	"Accept",
	"Accept-Encoding",
	"X-Request-ID",
}

// outboundHeaders is the allow-list copied from downstream back to the caller.
// Content-Encoding and Vary must cross: Accept-Encoding is forwarded, so a
// compressed downstream body reaches the caller compressed.
var outboundHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Encoding",
	"Content-Disposition",
	"Cache-Control",
	"ETag",
	"Last-Modified",
	"Location",
	"Retry-After",
	"Vary",
}

// Forwarder executes proxied calls against downstream services.
type Forwarder struct {
	client  *http.Client
	retry   config.RetryConfig
	audit   *publisher.Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewForwarder builds a proxy executor. Per-attempt deadlines come from the
// target descriptor, so the shared client carries no timeout of its own.
func NewForwarder(retry config.RetryConfig, auditPub *publisher.Publisher, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		client: &http.Client{
			// Downstream redirects are relayed to the caller, not followed.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		retry:   retry,
		audit:   auditPub,
		logger:  logger,
		metrics: m,
	}
}

// Forward relays r to target and writes the downstream answer to w.
//
// Transport failures (connection refused, per-attempt timeout) are retried up
// to the configured budget with a fixed backoff. A response that arrived, no
// matter its status, is relayed verbatim and never retried: once headers reach
// the caller the gateway is committed.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, target registry.Service) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(dErrors.CodeBadRequest, "unreadable request body", err))
		return
	}

	targetURL := rewriteURL(target, r)
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= f.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			f.metrics.IncProxyRetry(target.Name)
			f.logger.WarnContext(ctx, "retrying downstream call",
				"service", target.Name,
				"attempt", attempt,
				"request_id", requestcontext.RequestID(ctx),
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.retry.Backoff):
			}
		}

		resp, cancel, err := f.attempt(ctx, r, target, targetURL, body)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				// The caller disconnected; nobody is waiting for an answer.
				return
			}
			lastErr = err
			continue
		}

		f.relay(ctx, w, resp, target, start)
		cancel()
		return
	}

	f.fail(ctx, w, target, lastErr)
}

// attempt issues one downstream call under the target's own deadline. The
// returned cancel must be called after the response body is consumed.
func (f *Forwarder) attempt(ctx context.Context, r *http.Request, target registry.Service, targetURL string, body []byte) (*http.Response, context.CancelFunc, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, target.Timeout)

	req, err := http.NewRequestWithContext(attemptCtx, r.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, cancel, err
	}
	req.ContentLength = int64(len(body))

	for _, name := range inboundHeaders {
		if v := r.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		req.Header.Set("X-Forwarded-For", xff+", "+requestcontext.ClientIP(ctx))
	} else {
		req.Header.Set("X-Forwarded-For", requestcontext.ClientIP(ctx))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, cancel, err
	}
	return resp, cancel, nil
}

// relay copies the downstream answer back verbatim: its status code, the
// allow-listed headers, and the body as an opaque stream.
func (f *Forwarder) relay(ctx context.Context, w http.ResponseWriter, resp *http.Response, target registry.Service, start time.Time) {
	defer resp.Body.Close()

	for _, name := range outboundHeaders {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are out; all we can do is log the truncation.
		f.logger.WarnContext(ctx, "downstream response copy interrupted",
			"service", target.Name,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	}

	f.metrics.ObserveProxiedRequest(target.Name, resp.StatusCode, time.Since(start))
}

// fail answers a gateway-origin error after the retry budget is exhausted.
// Timeouts map to 504 and connection failures to 502, keeping "the gateway
// could not reach the service" distinct from the service's own errors.
func (f *Forwarder) fail(ctx context.Context, w http.ResponseWriter, target registry.Service, lastErr error) {
	coded := dErrors.Wrap(dErrors.CodeBadGateway, "upstream service unreachable", lastErr)
	if errors.Is(lastErr, context.DeadlineExceeded) {
		coded = dErrors.Wrap(dErrors.CodeTimeout, "upstream service timed out", lastErr)
	}

	f.logger.ErrorContext(ctx, "downstream call failed after retries",
		"service", target.Name,
		"request_id", requestcontext.RequestID(ctx),
		"error", lastErr,
	)
	f.metrics.ObserveProxiedRequest(target.Name, dErrors.ToHTTPStatus(dErrors.CodeOf(coded)), 0)

	event := audit.NewEvent(audit.EventUpstreamUnreachable)
	event.Service = target.Name
	event.Reason = string(dErrors.CodeOf(coded))
	event.ClientIP = requestcontext.ClientIP(ctx)
	event.RequestID = requestcontext.RequestID(ctx)
	if err := f.audit.Emit(ctx, event); err != nil {
		f.logger.ErrorContext(ctx, "failed to emit audit event", "action", event.Action, "error", err)
	}

	httputil.WriteError(w, coded)
}

// rewriteURL maps the caller-facing path onto the downstream mount point:
// the registered route prefix is swapped for the service's mount path and the
// query string carries over untouched.
func rewriteURL(target registry.Service, r *http.Request) string {
	path := r.URL.EscapedPath()
	if rest, ok := strings.CutPrefix(path, target.RoutePrefix); ok {
		path = target.MountPath + rest
	}
	u := target.BaseURL + path
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}
