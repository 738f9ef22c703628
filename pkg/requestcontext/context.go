// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values.
//
// Context keys and getter/setter functions live here so values set by
// middleware can be consumed by the auth guard, rate limiter, and proxy
// without those packages importing net/http plumbing.
//
// Usage in services (read values):
//
//	subject := requestcontext.SubjectID(ctx)
//	requestID := requestcontext.RequestID(ctx)
//
// Usage in middleware (set values):
//
//	ctx = requestcontext.WithSubject(ctx, subjectID, role)
//	ctx = requestcontext.WithRequestID(ctx, requestID)
//
// Usage in tests (inject values):
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
//	ctx = requestcontext.WithClientMetadata(ctx, "10.0.0.9", "curl/8")
package requestcontext

import (
	"context"
	"time"
)

// Context key types (unexported for encapsulation).
type (
	subjectIDKey   struct{}
	roleKey        struct{}
	degradedKey    struct{}
	clientIPKey    struct{}
	userAgentKey   struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
)

// Exported context keys for tests that need context.WithValue directly.
var (
	ContextKeySubjectID   = subjectIDKey{}
	ContextKeyRole        = roleKey{}
	ContextKeyDegraded    = degradedKey{}
	ContextKeyClientIP    = clientIPKey{}
	ContextKeyUserAgent   = userAgentKey{}
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// SubjectID retrieves the authenticated subject ID from the context.
// Returns "" for anonymous requests.
func SubjectID(ctx context.Context) string {
	if s, ok := ctx.Value(ContextKeySubjectID).(string); ok {
		return s
	}
	return ""
}

// Role retrieves the resolved role from the context.
func Role(ctx context.Context) string {
	if r, ok := ctx.Value(ContextKeyRole).(string); ok {
		return r
	}
	return ""
}

// WithSubject injects the authenticated subject ID and role into the context.
func WithSubject(ctx context.Context, subjectID, role string) context.Context {
	ctx = context.WithValue(ctx, ContextKeySubjectID, subjectID)
	return context.WithValue(ctx, ContextKeyRole, role)
}

// Degraded reports whether the request was authenticated in degraded mode
// (identity authority unreachable, embedded claims trusted).
func Degraded(ctx context.Context) bool {
	if d, ok := ctx.Value(ContextKeyDegraded).(bool); ok {
		return d
	}
	return false
}

// WithDegraded marks the request as authenticated in degraded mode.
func WithDegraded(ctx context.Context, degraded bool) context.Context {
	return context.WithValue(ctx, ContextKeyDegraded, degraded)
}

// ClientIP retrieves the client IP address from the context.
func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ContextKeyClientIP).(string); ok {
		return ip
	}
	return ""
}

// UserAgent retrieves the User-Agent from the context.
func UserAgent(ctx context.Context) string {
	if ua, ok := ctx.Value(ContextKeyUserAgent).(string); ok {
		return ua
	}
	return ""
}

// WithClientMetadata injects client IP and User-Agent into a context.
// Useful for unit tests that don't run the full HTTP middleware chain.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyClientIP, clientIP)
	return context.WithValue(ctx, ContextKeyUserAgent, userAgent)
}

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() for non-HTTP contexts (sweeps, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context. Useful for tests and for
// background work that needs a consistent timestamp across a batch.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
