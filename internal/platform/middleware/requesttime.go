package middleware

import (
	"net/http"
	"time"

	"itroad-gateway/pkg/requestcontext"
)

// RequestTime captures the current time at the start of the request so all
// cache-freshness and window decisions within one request agree on "now".
func RequestTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
