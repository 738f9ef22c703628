package testutil

import (
	"net/http"
	"time"

	"itroad-gateway/pkg/requestcontext"
)

// WithSubject stamps a request with an authenticated subject and role.
// This simulates what the auth middleware would do for authenticated requests.
func WithSubject(req *http.Request, subjectID, role string) *http.Request {
	return req.WithContext(requestcontext.WithSubject(req.Context(), subjectID, role))
}

// WithClientIP stamps a request with a client address, as the metadata
// middleware would.
func WithClientIP(req *http.Request, ip string) *http.Request {
	return req.WithContext(requestcontext.WithClientMetadata(req.Context(), ip, "test-agent"))
}

// WithRequestTime pins the request-scoped clock, so cache and rate-window
// assertions don't race the wall clock.
func WithRequestTime(req *http.Request, t time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), t))
}

// WithBearer attaches a bearer token to the Authorization header.
func WithBearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}
