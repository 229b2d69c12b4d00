package handler

import (
	"net/http"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Specification items, ?role=client|supplier (default client)
// ============================================================

type specificationResponse struct {
	Role  domain.Role                `json:"role"`
	Items []domain.SpecificationItem `json:"items"`
	Dirty bool                       `json:"dirty"`
}

func listItemsHandler(reg *service.SessionRegistry, pipeline *service.HydrationPipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/projects/{id}/specification")
		defer span.End()

		role, ok := parseRole(w, r)
		if !ok {
			return
		}
		s, err := sessionFor(ctx, reg, pipeline, UserIDFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		buf, err := s.Buffer(role)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, specificationResponse{Role: role, Items: buf.Rows(), Dirty: buf.Dirty()})
	}
}

func addItemHandler(reg *service.SessionRegistry, pipeline *service.HydrationPipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/projects/{id}/specification")
		defer span.End()

		role, ok := parseRole(w, r)
		if !ok {
			return
		}
		var item domain.SpecificationItem
		if !decodeJSON(w, r, &item) {
			return
		}
		s, err := sessionFor(ctx, reg, pipeline, UserIDFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		row, err := s.AddItem(ctx, role, item)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, row)
	}
}

type bulkRequest struct {
	Items []domain.SpecificationItem `json:"items"`
}

type bulkResponse struct {
	BatchID string                     `json:"batchId"`
	Items   []domain.SpecificationItem `json:"items"`
}

func bulkAddItemsHandler(reg *service.SessionRegistry, pipeline *service.HydrationPipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/projects/{id}/specification/bulk")
		defer span.End()

		role, ok := parseRole(w, r)
		if !ok {
			return
		}
		var req bulkRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if len(req.Items) == 0 {
			writeError(w, http.StatusBadRequest, "items must not be empty")
			return
		}
		span.SetAttributes(attribute.Int("items.count", len(req.Items)))

		s, err := sessionFor(ctx, reg, pipeline, UserIDFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		batchID, rows, err := s.AddItems(ctx, role, req.Items)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, bulkResponse{BatchID: batchID, Items: rows})
	}
}

// editItemHandler records a keystroke-level change in the overlay. Nothing is
// persisted until the row is blurred or the debounce fires.
func editItemHandler(reg *service.SessionRegistry, pipeline *service.HydrationPipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PATCH /v1/projects/{id}/specification/{itemId}")
		defer span.End()

		role, ok := parseRole(w, r)
		if !ok {
			return
		}
		var patch domain.ItemPatch
		if !decodeJSON(w, r, &patch) {
			return
		}
		s, err := sessionFor(ctx, reg, pipeline, UserIDFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		row, err := s.EditItem(role, chi.URLParam(r, "itemId"), patch)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, row)
	}
}

type blurResponse struct {
	Outcome service.CommitOutcome      `json:"outcome"`
	Items   []domain.SpecificationItem `json:"items"`
}

func blurItemHandler(reg *service.SessionRegistry, pipeline *service.HydrationPipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/projects/{id}/specification/{itemId}/blur")
		defer span.End()

		role, ok := parseRole(w, r)
		if !ok {
			return
		}
		s, err := sessionFor(ctx, reg, pipeline, UserIDFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		outcome, err := s.BlurItem(ctx, role, chi.URLParam(r, "itemId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.String("commit.outcome", string(outcome)))

		buf, _ := s.Buffer(role)
		writeJSON(w, http.StatusOK, blurResponse{Outcome: outcome, Items: buf.Rows()})
	}
}

func deleteItemHandler(reg *service.SessionRegistry, pipeline *service.HydrationPipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/projects/{id}/specification/{itemId}")
		defer span.End()

		role, ok := parseRole(w, r)
		if !ok {
			return
		}
		s, err := sessionFor(ctx, reg, pipeline, UserIDFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if err := s.RemoveItem(ctx, role, chi.URLParam(r, "itemId")); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
