package middleware

import (
	"net/http"
	"strings"

	"itroad-gateway/pkg/requestcontext"
)

// ClientMetadata extracts the client IP address and User-Agent from the
// request and adds them to the context for the auth guard, rate limiter, and
// access log. Apply early in the chain.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithClientMetadata(r.Context(),
			ClientIPFromRequest(r), r.Header.Get("User-Agent"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIPFromRequest extracts the real client IP, handling proxies and load
// balancers in front of the gateway.
func ClientIPFromRequest(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs (client, proxy1, proxy2, ...);
	// the first one is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	// X-Real-IP is set by nginx and similar reverse proxies.
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// RemoteAddr is "ip:port" ("[::1]:port" for IPv6); strip the port.
	if addr := r.RemoteAddr; addr != "" {
		if idx := strings.LastIndex(addr, ":"); idx != -1 {
			return strings.Trim(addr[:idx], "[]")
		}
		return addr
	}

	return "unknown"
}
