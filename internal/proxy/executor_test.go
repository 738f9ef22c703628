package proxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itroad-gateway/internal/platform/config"
	"itroad-gateway/internal/platform/metrics"
	"itroad-gateway/internal/registry"
	audit "itroad-gateway/pkg/platform/audit"
	"itroad-gateway/pkg/platform/audit/publisher"
	"itroad-gateway/pkg/platform/audit/store/memory"
	"itroad-gateway/pkg/requestcontext"
)

type proxyFixture struct {
	forwarder *Forwarder
	events    *memory.InMemoryStore
}

func newProxyFixture(t *testing.T, retry config.RetryConfig) *proxyFixture {
	t.Helper()
	events := memory.NewInMemoryStore()
	return &proxyFixture{
		forwarder: NewForwarder(retry,
			publisher.NewPublisher(events),
			slog.New(slog.DiscardHandler),
			metrics.NewWith(prometheus.NewRegistry())),
		events: events,
	}
}

func profileService(baseURL string, timeout time.Duration) registry.Service {
	return registry.Service{
		Name:        "profile",
		BaseURL:     baseURL,
		HealthPath:  "/health",
		RoutePrefix: "/profile",
		MountPath:   "/api/profile",
		Timeout:     timeout,
	}
}

func TestForward_RewritesPathAndRelaysResponse(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Internal-Secret", "leak")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"p-1"}`))
	}))
	defer srv.Close()

	f := newProxyFixture(t, config.RetryConfig{MaxRetries: 2, Backoff: time.Millisecond})

	req := httptest.NewRequest(http.MethodPost, "/profile/me?full=1", strings.NewReader(`{"name":"Lee"}`))
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", "session=abc")
	req = req.WithContext(requestcontext.WithClientMetadata(req.Context(), "10.0.0.9", "curl/8"))

	rec := httptest.NewRecorder()
	f.forwarder.Forward(rec, req, profileService(srv.URL, time.Second))

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/api/profile/me", got.URL.Path)
	assert.Equal(t, "full=1", got.URL.RawQuery)
	assert.Equal(t, `{"name":"Lee"}`, string(gotBody))

	// Allow-listed headers cross; everything else stays at the edge.
	assert.Equal(t, "Bearer tok", got.Header.Get("Authorization"))
	assert.Empty(t, got.Header.Get("Cookie"))
	assert.Equal(t, "10.0.0.9", got.Header.Get("X-Forwarded-For"))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"id":"p-1"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("X-Internal-Secret"))
}

func TestForward_AppendsToExistingForwardedFor(t *testing.T) {
	var gotXFF string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotXFF = r.Header.Get("X-Forwarded-For")
	}))
	defer srv.Close()

	f := newProxyFixture(t, config.RetryConfig{MaxRetries: 0, Backoff: time.Millisecond})

	req := httptest.NewRequest(http.MethodGet, "/profile/me", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	req = req.WithContext(requestcontext.WithClientMetadata(req.Context(), "10.0.0.9", ""))

	f.forwarder.Forward(httptest.NewRecorder(), req, profileService(srv.URL, time.Second))

	assert.Equal(t, "203.0.113.7, 10.0.0.9", gotXFF)
}

func TestForward_CompressedResponseRelayedIntact(t *testing.T) {
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	_, err := gz.Write([]byte(`{"id":"p-1"}`))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(compressed.Bytes())
	}))
	defer srv.Close()

	f := newProxyFixture(t, config.RetryConfig{MaxRetries: 0, Backoff: time.Millisecond})

	req := httptest.NewRequest(http.MethodGet, "/profile/me", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	rec := httptest.NewRecorder()
	f.forwarder.Forward(rec, req, profileService(srv.URL, time.Second))

	// The caller negotiated the encoding, so the compressed bytes and the
	// header that makes them decodable both pass through.
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Equal(t, compressed.Bytes(), rec.Body.Bytes())

	gr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	decoded, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"p-1"}`, string(decoded))
}

func TestForward_CallerDisconnectStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	f := newProxyFixture(t, config.RetryConfig{MaxRetries: 2, Backoff: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel() // the caller hangs up mid-flight
	}()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/profile/me", nil).WithContext(ctx)
	f.forwarder.Forward(rec, req, profileService(srv.URL, time.Second))

	// Nobody is waiting for an answer: no retries, no gateway error written.
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, rec.Body.String())
}

func TestForward_DownstreamErrorRelayedWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"version mismatch"}`))
	}))
	defer srv.Close()

	f := newProxyFixture(t, config.RetryConfig{MaxRetries: 2, Backoff: time.Millisecond})

	rec := httptest.NewRecorder()
	f.forwarder.Forward(rec, httptest.NewRequest(http.MethodPut, "/profile/me", nil), profileService(srv.URL, time.Second))

	// A response is a response: the downstream verdict passes through verbatim
	// and never burns retry budget.
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, `{"error":"version mismatch"}`, rec.Body.String())
	assert.Equal(t, int32(1), calls.Load())
}

func TestForward_RetriesTransportFailureThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Kill the connection mid-flight so the client sees a transport error.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newProxyFixture(t, config.RetryConfig{MaxRetries: 2, Backoff: time.Millisecond})

	rec := httptest.NewRecorder()
	f.forwarder.Forward(rec, httptest.NewRequest(http.MethodGet, "/profile/me", nil), profileService(srv.URL, time.Second))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, int32(2), calls.Load())
}

func TestForward_ExhaustedRetriesAnswerBadGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	f := newProxyFixture(t, config.RetryConfig{MaxRetries: 2, Backoff: time.Millisecond})

	rec := httptest.NewRecorder()
	f.forwarder.Forward(rec, httptest.NewRequest(http.MethodGet, "/profile/me", nil), profileService(srv.URL, time.Second))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad_gateway")

	events := f.events.Recent(10)
	require.NotEmpty(t, events)
	assert.Equal(t, string(audit.EventUpstreamUnreachable), events[len(events)-1].Action)
	assert.Equal(t, "profile", events[len(events)-1].Service)
}

func TestForward_TimeoutAnswersGatewayTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	f := newProxyFixture(t, config.RetryConfig{MaxRetries: 1, Backoff: time.Millisecond})

	rec := httptest.NewRecorder()
	f.forwarder.Forward(rec, httptest.NewRequest(http.MethodGet, "/profile/me", nil), profileService(srv.URL, 30*time.Millisecond))

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_timeout")
}

func TestForward_BodyReplayedAcrossAttempts(t *testing.T) {
	var calls atomic.Int32
	var secondBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		secondBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	f := newProxyFixture(t, config.RetryConfig{MaxRetries: 2, Backoff: time.Millisecond})

	req := httptest.NewRequest(http.MethodPost, "/profile/me", strings.NewReader(`{"name":"Lee"}`))
	f.forwarder.Forward(httptest.NewRecorder(), req, profileService(srv.URL, time.Second))

	assert.Equal(t, `{"name":"Lee"}`, string(secondBody))
}
