// Package httptransport assembles the gateway's edge router: global
// middleware, health and metrics endpoints, and one proxied mount per
// registered downstream service.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"itroad-gateway/internal/discovery"
	"itroad-gateway/internal/health"
	"itroad-gateway/internal/platform/middleware"
	"itroad-gateway/internal/proxy"
	"itroad-gateway/internal/ratelimit"
	"itroad-gateway/internal/registry"
	dErrors "itroad-gateway/pkg/domain-errors"
	audit "itroad-gateway/pkg/platform/audit"
	"itroad-gateway/pkg/platform/audit/publisher"
	"itroad-gateway/pkg/platform/httputil"
	"itroad-gateway/pkg/requestcontext"
)

// Deps carries everything the router wires together.
type Deps struct {
	Logger    *slog.Logger
	Registry  *registry.Registry
	Resolver  *discovery.Resolver
	Forwarder *proxy.Forwarder
	Auth      middleware.Authenticator
	RateLimit *ratelimit.Middleware
	Health    *health.Handler
	Audit     *publisher.Publisher
	// Metrics is the Prometheus scrape handler, injected so the router stays
	// decoupled from the registry it exposes.
	Metrics http.Handler
}

// NewRouter builds the edge handler tree.
//
// Per-service route policy:
//   - identity: open (it is the thing that authenticates callers)
//   - property: reads are public with optional identity, writes need auth
//   - profile, document: every verb needs auth
//   - transaction: every verb needs auth; DELETE is admin-only
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.ClientMetadata)
	r.Use(middleware.Logger(deps.Logger))

	// Gateway-local routes get a flat deadline; proxied routes carry
	// per-target budgets instead.
	r.Group(func(gr chi.Router) {
		gr.Use(middleware.Timeout(10 * time.Second))
		deps.Health.Register(gr)
		if deps.Metrics != nil {
			gr.Method(http.MethodGet, "/metrics", deps.Metrics)
		}
	})

	for _, svc := range deps.Registry.All() {
		mountService(r, deps, svc)
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "no route matches this path"))
	})

	return r
}

func mountService(r chi.Router, deps Deps, svc registry.Service) {
	forward := forwardHandler(deps, svc.Name)

	r.Route(svc.RoutePrefix, func(sr chi.Router) {
		if policy := authPolicy(deps, svc.Name); policy != nil {
			sr.Use(policy)
		}
		// Rate limiting runs after auth so authenticated callers are counted
		// per subject rather than per address.
		sr.Use(deps.RateLimit.Handler)

		sr.HandleFunc("/", forward)
		sr.HandleFunc("/*", forward)
	})
}

func authPolicy(deps Deps, service string) func(http.Handler) http.Handler {
	switch service {
	case "identity":
		return nil
	case "property":
		return splitByMethod(
			middleware.OptionalAuth(deps.Auth, deps.Logger),
			middleware.RequireAuth(deps.Auth, deps.Logger),
		)
	case "transaction":
		requireAuth := middleware.RequireAuth(deps.Auth, deps.Logger)
		adminOnly := middleware.RequireRole(deps.Logger, "admin")
		return func(next http.Handler) http.Handler {
			regular := requireAuth(next)
			admin := requireAuth(adminOnly(next))
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if req.Method == http.MethodDelete {
					admin.ServeHTTP(w, req)
					return
				}
				regular.ServeHTTP(w, req)
			})
		}
	default:
		return middleware.RequireAuth(deps.Auth, deps.Logger)
	}
}

// splitByMethod applies read to safe verbs and write to everything else.
func splitByMethod(read, write func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		readH := read(next)
		writeH := write(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			switch req.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				readH.ServeHTTP(w, req)
			default:
				writeH.ServeHTTP(w, req)
			}
		})
	}
}

// forwardHandler resolves the service on every request, so health state is
// consulted per call, then hands off to the proxy executor.
func forwardHandler(deps Deps, service string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		target, err := deps.Resolver.Route(ctx, service)
		if err != nil {
			if dErrors.Is(err, dErrors.CodeUnavailable) {
				event := audit.NewEvent(audit.EventServiceUnhealthy)
				event.Service = service
				event.ClientIP = requestcontext.ClientIP(ctx)
				event.RequestID = requestcontext.RequestID(ctx)
				if emitErr := deps.Audit.Emit(ctx, event); emitErr != nil {
					deps.Logger.ErrorContext(ctx, "failed to emit audit event", "action", event.Action, "error", emitErr)
				}
			}
			deps.Logger.WarnContext(ctx, "request not routable",
				"service", service,
				"request_id", requestcontext.RequestID(ctx),
				"error", err,
			)
			httputil.WriteError(w, err)
			return
		}
		deps.Forwarder.Forward(w, req, target)
	}
}
