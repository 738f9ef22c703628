package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itroad-gateway/internal/identity"
	dErrors "itroad-gateway/pkg/domain-errors"
	"itroad-gateway/pkg/requestcontext"
)

type fakeGuard struct {
	res identity.Resolution
	err error
}

func (f *fakeGuard) Authenticate(ctx context.Context, token string) (identity.Resolution, error) {
	return f.res, f.err
}

func resolvedAgent() identity.Resolution {
	return identity.Resolution{Identity: identity.Identity{
		SubjectID: "usr-1",
		Role:      "agent",
		Active:    true,
	}}
}

func echoSubject() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test-Subject", requestcontext.SubjectID(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuth_MissingToken(t *testing.T) {
	handler := RequireAuth(&fakeGuard{}, slog.New(slog.DiscardHandler))(echoSubject())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profile", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthorized")
}

func TestRequireAuth_RejectedToken(t *testing.T) {
	guard := &fakeGuard{err: dErrors.New(dErrors.CodeUnauthorized, "invalid token")}
	handler := RequireAuth(guard, slog.New(slog.DiscardHandler))(echoSubject())

	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	req.Header.Set("Authorization", "Bearer bad")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid token")
}

func TestRequireAuth_PropagatesSubject(t *testing.T) {
	handler := RequireAuth(&fakeGuard{res: resolvedAgent()}, slog.New(slog.DiscardHandler))(echoSubject())

	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "usr-1", rec.Header().Get("X-Test-Subject"))
	assert.Empty(t, rec.Header().Get("X-Auth-Status"))
}

func TestRequireAuth_MarksDegradedResolution(t *testing.T) {
	degraded := resolvedAgent()
	degraded.Degraded = true
	handler := RequireAuth(&fakeGuard{res: degraded}, slog.New(slog.DiscardHandler))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, requestcontext.Degraded(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "degraded", rec.Header().Get("X-Auth-Status"))
}

func TestOptionalAuth_AdmitsAnonymous(t *testing.T) {
	handler := OptionalAuth(&fakeGuard{err: dErrors.New(dErrors.CodeUnauthorized, "invalid token")}, slog.New(slog.DiscardHandler))(echoSubject())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/properties", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Test-Subject"))
}

func TestOptionalAuth_StillRejectsBadToken(t *testing.T) {
	guard := &fakeGuard{err: dErrors.New(dErrors.CodeUnauthorized, "invalid token")}
	handler := OptionalAuth(guard, slog.New(slog.DiscardHandler))(echoSubject())

	req := httptest.NewRequest(http.MethodGet, "/properties", nil)
	req.Header.Set("Authorization", "Bearer bad")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRole(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	handler := RequireRole(slog.New(slog.DiscardHandler), "admin")(next)

	t.Run("unauthenticated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/transactions/1", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong role", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/transactions/1", nil)
		req = req.WithContext(requestcontext.WithSubject(req.Context(), "usr-1", "agent"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("allowed role", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/transactions/1", nil)
		req = req.WithContext(requestcontext.WithSubject(req.Context(), "usr-2", "admin"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}
