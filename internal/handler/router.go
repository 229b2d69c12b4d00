package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/observability"
	"github.com/boddenberg/tradeflow-bfa-go/internal/port"
	"github.com/boddenberg/tradeflow-bfa-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Registry *service.SessionRegistry
	Pipeline *service.HydrationPipeline
	Verifier *service.TokenVerifier
	Store    port.ProjectStore // optional, probed by /healthz
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(d.Store, logger))
	r.Get("/readyz", readyzHandler(d.Registry))
	r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Get("/metrics/workflow", workflowMetricsHandler(d.Metrics))

		r.Group(func(r chi.Router) {
			if d.Verifier == nil || d.Registry == nil || d.Pipeline == nil {
				r.Handle("/projects/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					writeError(w, http.StatusServiceUnavailable, "project workflow unavailable")
				}))
				return
			}
			r.Use(JWTAuthMiddleware(d.Verifier, logger))

			reg, hp := d.Registry, d.Pipeline

			// Draft lifecycle
			r.Post("/projects/hydrate", hydrateHandler(reg, hp, logger))
			r.Get("/projects/{id}", getProjectHandler(reg, hp, logger))
			r.Put("/projects/{id}/company", updateCompanyHandler(reg, hp, logger))
			r.Put("/projects/{id}/payment", updatePaymentHandler(reg, hp, logger))
			r.Post("/projects/{id}/advance", advanceHandler(reg, hp, logger))
			r.Post("/projects/{id}/goto", gotoHandler(reg, hp, logger))
			r.Post("/projects/{id}/refresh", refreshHandler(reg, hp, logger))
			r.Get("/projects/{id}/history", historyHandler(reg, hp, logger))
			r.Post("/projects/{id}/documents/analyze", analyzeDocumentHandler(reg, hp, logger))
			r.Delete("/projects/{id}/session", closeSessionHandler(reg, logger))

			// Specification
			r.Get("/projects/{id}/specification", listItemsHandler(reg, hp, logger))
			r.Post("/projects/{id}/specification", addItemHandler(reg, hp, logger))
			r.Post("/projects/{id}/specification/bulk", bulkAddItemsHandler(reg, hp, logger))
			r.Patch("/projects/{id}/specification/{itemId}", editItemHandler(reg, hp, logger))
			r.Post("/projects/{id}/specification/{itemId}/blur", blurItemHandler(reg, hp, logger))
			r.Delete("/projects/{id}/specification/{itemId}", deleteItemHandler(reg, hp, logger))
		})
	})

	return r
}

// ============================================================
// Metrics & Health
// ============================================================

func healthzHandler(store port.ProjectStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "tradeflow-bfa", Status: "healthy", LastChecked: now},
		}

		if store != nil {
			start := time.Now()
			_, err := store.GetProjectStatus(ctx, uuid.Nil.String())
			latency := time.Since(start).Milliseconds()
			status := "healthy"
			var nf *domain.ErrNotFound
			if err != nil && !errors.As(err, &nf) {
				logger.Warn("health check: project store degraded", zap.Error(err))
				status = "degraded"
			}
			services = append(services, domain.ServiceHealth{
				Name: "project-store", Status: status, LatencyMs: latency, LastChecked: now,
			})
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status == "unhealthy" {
				overallStatus = "unhealthy"
				break
			}
			if s.Status == "degraded" {
				overallStatus = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler(reg *service.SessionRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ready"}
		if reg != nil {
			resp["sessions"] = reg.Len()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func workflowMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.WorkflowSnapshot())
	}
}
