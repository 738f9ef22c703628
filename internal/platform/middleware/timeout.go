package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout bounds the handler's context. Used on gateway-local routes (health,
// metrics); proxied routes carry per-target deadlines instead.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
