package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"itroad-gateway/internal/identity"
	dErrors "itroad-gateway/pkg/domain-errors"
	"itroad-gateway/pkg/platform/httputil"
	"itroad-gateway/pkg/requestcontext"
)

// Authenticator resolves bearer tokens into identities.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (identity.Resolution, error)
}

// RequireAuth rejects requests without a valid bearer token. On success the
// resolved subject, role, and degraded flag are placed on the request context
// for downstream middleware and the proxy.
func RequireAuth(auth Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				ctx := r.Context()
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestcontext.RequestID(ctx),
					"path", r.URL.Path,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or malformed Authorization header"))
				return
			}
			authenticate(auth, logger, token, next, w, r)
		})
	}
}

// OptionalAuth resolves a bearer token when one is present but admits
// anonymous requests. A token that is present and invalid is still rejected:
// a caller who sends credentials gets a clear verdict on them.
func OptionalAuth(auth Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			authenticate(auth, logger, token, next, w, r)
		})
	}
}

// RequireRole admits authenticated callers whose resolved role is in the set.
// It must run after RequireAuth.
func RequireRole(logger *slog.Logger, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if requestcontext.SubjectID(ctx) == "" {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
				return
			}
			role := requestcontext.Role(ctx)
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			logger.WarnContext(ctx, "forbidden - insufficient role",
				"request_id", requestcontext.RequestID(ctx),
				"subject_id", requestcontext.SubjectID(ctx),
				"role", role,
			)
			httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "insufficient permissions"))
		})
	}
}

func authenticate(auth Authenticator, logger *slog.Logger, token string, next http.Handler, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := auth.Authenticate(ctx, token)
	if err != nil {
		logger.WarnContext(ctx, "unauthorized access - token rejected",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	ctx = requestcontext.WithSubject(ctx, res.Identity.SubjectID, res.Identity.Role)
	if res.Degraded {
		ctx = requestcontext.WithDegraded(ctx, true)
		w.Header().Set("X-Auth-Status", "degraded")
	}
	next.ServeHTTP(w, r.WithContext(ctx))
}

func bearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
