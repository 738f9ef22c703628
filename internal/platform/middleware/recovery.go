package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	dErrors "itroad-gateway/pkg/domain-errors"
	"itroad-gateway/pkg/platform/httputil"
	"itroad-gateway/pkg/requestcontext"
)

// Recovery converts handler panics into 500 responses. A single bad request
// must never take the process down with it.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					ctx := r.Context()
					logger.ErrorContext(ctx, "panic recovered",
						"panic", rec,
						"request_id", requestcontext.RequestID(ctx),
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)
					httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
