package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"itroad-gateway/internal/jwttoken"
	"itroad-gateway/internal/platform/metrics"
	dErrors "itroad-gateway/pkg/domain-errors"
	audit "itroad-gateway/pkg/platform/audit"
	"itroad-gateway/pkg/platform/audit/publisher"
	"itroad-gateway/pkg/platform/circuit"
	"itroad-gateway/pkg/platform/sentinel"
	"itroad-gateway/pkg/requestcontext"
)

// AuthorityClient resolves a token against the identity service.
type AuthorityClient interface {
	WhoAmI(ctx context.Context, token string) (Identity, error)
}

// Guard authenticates bearer tokens.
//
// The pipeline per token: local signature+expiry verification, then the
// identity cache, then the authority. When the authority is unreachable the
// guard degrades to the token's embedded claims; when the authority actively
// rejects the token, the guard rejects too. A forged or expired token never
// reaches either branch.
type Guard struct {
	tokens    *jwttoken.JWTService
	cache     *Cache
	authority AuthorityClient
	breaker   *circuit.Breaker
	audit     *publisher.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// While the breaker is open, the authority is re-tried at most once per
	// probeInterval so it can be observed recovering and the breaker closed.
	probeInterval time.Duration
	probeMu       sync.Mutex
	lastProbe     time.Time
}

// NewGuard wires the auth guard. The breaker short-circuits authority calls
// during a sustained outage so every request isn't paying the timeout.
func NewGuard(
	tokens *jwttoken.JWTService,
	cache *Cache,
	authority AuthorityClient,
	auditPub *publisher.Publisher,
	logger *slog.Logger,
	m *metrics.Metrics) *Guard {
	return &Guard{
		tokens:        tokens,
		cache:         cache,
		authority:     authority,
		breaker:       circuit.New("identity-service"),
		audit:         auditPub,
		logger:        logger,
		metrics:       m,
		probeInterval: 10 * time.Second,
		lastProbe:     time.Now(),
	}
}

// Authenticate resolves the caller behind a bearer token.
//
// Errors are always coded unauthorized; a successful return is a tagged
// Resolution whose Degraded flag marks claims-fallback mode.
func (g *Guard) Authenticate(ctx context.Context, token string) (Resolution, error) {
	claims, err := g.tokens.ValidateToken(token)
	if err != nil {
		// Invalid signature or expiry never falls back to claims: a forged
		// token must not be trusted regardless of authority availability.
		g.metrics.IncAuthRejected(rejectionReason(err))
		return Resolution{}, err
	}

	now := requestcontext.Now(ctx)
	if cached, ok := g.cache.Get(claims.Subject, now); ok {
		return Resolution{Identity: cached}, nil
	}

	if g.breaker.IsOpen() && !g.shouldProbeAuthority(now) {
		// Sustained outage: skip the doomed call and fall back directly.
		return g.degrade(ctx, claims, "circuit open"), nil
	}

	return g.resolveAgainstAuthority(ctx, token, claims)
}

func (g *Guard) shouldProbeAuthority(now time.Time) bool {
	g.probeMu.Lock()
	defer g.probeMu.Unlock()
	if now.Sub(g.lastProbe) < g.probeInterval {
		return false
	}
	g.lastProbe = now
	return true
}

func (g *Guard) resolveAgainstAuthority(ctx context.Context, token string, claims *jwttoken.Claims) (Resolution, error) {
	resolved, err := g.authority.WhoAmI(ctx, token)
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
		if !resolved.Active {
			// The authority is the source of truth for active-status, which
			// the token alone cannot guarantee.
			g.metrics.IncAuthRejected("inactive")
			g.emitAuthEvent(ctx, audit.EventAuthRejected, claims.Subject, "account inactive")
			return Resolution{}, dErrors.New(dErrors.CodeUnauthorized, "account is inactive")
		}
		g.cache.Set(resolved, requestcontext.Now(ctx))
		return Resolution{Identity: resolved}, nil

	case errors.Is(err, sentinel.ErrRejected):
		// The authority was reachable and said no: never fall back to claims.
		g.breaker.RecordSuccess()
		g.metrics.IncAuthRejected("authority_rejected")
		g.emitAuthEvent(ctx, audit.EventAuthRejected, claims.Subject, "rejected by identity service")
		return Resolution{}, dErrors.New(dErrors.CodeUnauthorized, "token rejected by identity service")

	default:
		if _, change := g.breaker.RecordFailure(); change.Opened {
			g.logger.ErrorContext(ctx, "identity service circuit opened",
				"error", err,
			)
		}
		g.logger.WarnContext(ctx, "identity service unreachable, using embedded claims",
			"subject_id", claims.Subject,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return g.degrade(ctx, claims, "authority unreachable"), nil
	}
}

// degrade trusts the token's embedded claims with reduced confidence. The
// result is never cached: the next request retries the authority.
func (g *Guard) degrade(ctx context.Context, claims *jwttoken.Claims, reason string) Resolution {
	g.metrics.IncDegradedAuth()
	g.emitAuthEvent(ctx, audit.EventAuthDegraded, claims.Subject, reason)
	return Resolution{
		Identity: Identity{
			SubjectID:   claims.Subject,
			Email:       claims.Email,
			DisplayName: claims.DisplayName,
			Role:        claims.Role,
			Active:      true,
		},
		Degraded: true,
	}
}

func (g *Guard) emitAuthEvent(ctx context.Context, action audit.AuditEvent, subjectID, reason string) {
	event := audit.NewEvent(action)
	event.SubjectID = subjectID
	event.Reason = reason
	event.ClientIP = requestcontext.ClientIP(ctx)
	event.RequestID = requestcontext.RequestID(ctx)
	if err := g.audit.Emit(ctx, event); err != nil {
		g.logger.ErrorContext(ctx, "failed to emit audit event", "action", action, "error", err)
	}
}

func rejectionReason(err error) string {
	if errors.Is(err, dErrors.New(dErrors.CodeUnauthorized, "token has expired")) {
		return "expired"
	}
	return "invalid"
}
