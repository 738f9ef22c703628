package health

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	dErrors "itroad-gateway/pkg/domain-errors"
	"itroad-gateway/pkg/platform/httputil"
	"itroad-gateway/pkg/platform/sentinel"
)

// Handler exposes the gateway's health endpoints.
type Handler struct {
	checker *Checker
	logger  *slog.Logger
}

// NewHandler creates the health endpoint handler.
func NewHandler(checker *Checker, logger *slog.Logger) *Handler {
	return &Handler{checker: checker, logger: logger}
}

// Register registers the health routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/health", h.handleSelf)
	r.Get("/health/all", h.handleAll)
	r.Get("/health/{service}", h.handleService)
}

// handleSelf reports the gateway's own liveness: 200 always, independent of
// downstream health.
func (h *Handler) handleSelf(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

type aggregateResponse struct {
	Status   string   `json:"status"`
	Services []Status `json:"services"`
}

// handleAll aggregates per-service health: 200 when everything is up, 503 as
// soon as any dependency is degraded.
func (h *Handler) handleAll(w http.ResponseWriter, r *http.Request) {
	statuses, allHealthy := h.checker.CheckAll(r.Context())

	status := http.StatusOK
	overall := "OK"
	if !allHealthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	httputil.WriteJSON(w, status, aggregateResponse{Status: overall, Services: statuses})
}

// handleService reports a single service: 404 for unknown names, 200/503 for
// known ones.
func (h *Handler) handleService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service")

	healthy, err := h.checker.Check(r.Context(), name)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			httputil.WriteError(w, dErrors.Newf(dErrors.CodeNotFound, "unknown service %q", name))
			return
		}
		h.logger.ErrorContext(r.Context(), "health check failed", "service", name, "error", err)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "health check failed"))
		return
	}

	if !healthy {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, Status{Service: name, Status: "unhealthy"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, Status{Service: name, Status: "healthy"})
}
