package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/mssola/useragent"

	"itroad-gateway/pkg/requestcontext"
)

// statusWriter captures the status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logger emits one structured access-log line per request, tagged with the
// request ID and the caller's browser so support can correlate reports.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}

			next.ServeHTTP(sw, r)

			ctx := r.Context()
			browser, version := useragent.New(requestcontext.UserAgent(ctx)).Browser()
			logger.InfoContext(ctx, "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", requestcontext.RequestID(ctx),
				"client_ip", requestcontext.ClientIP(ctx),
				"browser", browser+" "+version,
			)
		})
	}
}
