package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// sessionFor returns the open session of a project, resuming it from the
// stored project when none is open (for instance after a restart).
func sessionFor(ctx context.Context, reg *service.SessionRegistry, pipeline *service.HydrationPipeline, userID, projectID string) (*service.Session, error) {
	s, err := reg.Get(userID, projectID)
	var nf *domain.ErrNotFound
	if err == nil || !errors.As(err, &nf) {
		return s, err
	}
	draft, err := pipeline.Hydrate(ctx, userID, domain.HydrationSignals{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	return reg.Open(ctx, userID, draft)
}

// ============================================================
// POST /v1/projects/hydrate
// ============================================================

type hydrateResponse struct {
	Source  domain.SourceKind    `json:"source"`
	Session service.SessionState `json:"session"`
}

func hydrateHandler(reg *service.SessionRegistry, pipeline *service.HydrationPipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/projects/hydrate")
		defer span.End()

		userID := UserIDFromContext(ctx)
		var signals domain.HydrationSignals
		if !decodeJSON(w, r, &signals) {
			return
		}

		draft, err := pipeline.Hydrate(ctx, userID, signals)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		s, err := reg.Open(ctx, userID, draft)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(
			attribute.String("project.id", s.ProjectID()),
			attribute.String("hydration.source", string(draft.Source)),
		)

		status := http.StatusOK
		if draft.Source != domain.SourceProject {
			status = http.StatusCreated
		}
		writeJSON(w, status, hydrateResponse{Source: draft.Source, Session: s.Get()})
	}
}

// ============================================================
// GET /v1/projects/{id}
// ============================================================

func getProjectHandler(reg *service.SessionRegistry, pipeline *service.HydrationPipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/projects/{id}")
		defer span.End()

		projectID := chi.URLParam(r, "id")
		span.SetAttributes(attribute.String("project.id", projectID))

		s, err := sessionFor(ctx, reg, pipeline, UserIDFromContext(ctx), projectID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, s.Get())
	}
}

// ============================================================
// PUT /v1/projects/{id}/company
// PUT /v1/projects/{id}/payment
// ============================================================

func updateCompanyHandler(reg *service.SessionRegistry, pipeline *service.HydrationPipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/projects/{id}/company")
		defer span.End()

		var company domain.CompanyData
		if !decodeJSON(w, r, &company) {
			return
		}
		s, err := sessionFor(ctx, reg, pipeline, UserIDFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		state, err := s.Set(ctx, service.DraftUpdate{CompanyData: &company})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

func updatePaymentHandler(reg *service.SessionRegistry, pipeline *service.HydrationPipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/projects/{id}/payment")
		defer span.End()

		var pay service.Payment
		if !decodeJSON(w, r, &pay) {
			return
		}
		s, err := sessionFor(ctx, reg, pipeline, UserIDFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		state, err := s.Set(ctx, service.DraftUpdate{Payment: &pay})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

// ============================================================
// POST /v1/projects/{id}/advance
// POST /v1/projects/{id}/goto
// POST /v1/projects/{id}/refresh
// ============================================================

type advanceRequest struct {
	Status  string `json:"status"`
	Comment string `json:"comment,omitempty"`
}

func advanceHandler(reg *service.SessionRegistry, pipeline *service.HydrationPipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/projects/{id}/advance")
		defer span.End()

		var req advanceRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		status, err := domain.ParseStatus(req.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		span.SetAttributes(attribute.String("project.status.target", string(status)))

		userID := UserIDFromContext(ctx)
		s, err := sessionFor(ctx, reg, pipeline, userID, chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		state, err := s.Advance(ctx, status, userID, req.Comment)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

type gotoRequest struct {
	Step int `json:"step"`
}

type gotoResponse struct {
	Moved   bool                 `json:"moved"`
	Session service.SessionState `json:"session"`
}

func gotoHandler(reg *service.SessionRegistry, pipeline *service.HydrationPipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/projects/{id}/goto")
		defer span.End()

		var req gotoRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		s, err := sessionFor(ctx, reg, pipeline, UserIDFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		// A locked step is a no-op, not an error.
		moved := s.GoTo(req.Step)
		writeJSON(w, http.StatusOK, gotoResponse{Moved: moved, Session: s.Get()})
	}
}

func refreshHandler(reg *service.SessionRegistry, pipeline *service.HydrationPipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/projects/{id}/refresh")
		defer span.End()

		s, err := sessionFor(ctx, reg, pipeline, UserIDFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		state, err := s.Refresh(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

// ============================================================
// GET /v1/projects/{id}/history
// ============================================================

func historyHandler(reg *service.SessionRegistry, pipeline *service.HydrationPipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/projects/{id}/history")
		defer span.End()

		s, err := sessionFor(ctx, reg, pipeline, UserIDFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		rows, err := s.History(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": rows, "total": len(rows)})
	}
}

// ============================================================
// POST /v1/projects/{id}/documents/analyze
// ============================================================

type analyzeRequest struct {
	FileURL      string              `json:"fileUrl"`
	DocumentType domain.DocumentType `json:"documentType"`
}

func analyzeDocumentHandler(reg *service.SessionRegistry, pipeline *service.HydrationPipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/projects/{id}/documents/analyze")
		defer span.End()

		var req analyzeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		s, err := sessionFor(ctx, reg, pipeline, UserIDFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if err := s.AnalyzeDocument(req.FileURL, req.DocumentType); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusAccepted, domain.SuccessResponse{Message: "analysis started", ID: s.ProjectID()})
	}
}

// ============================================================
// DELETE /v1/projects/{id}/session
// ============================================================

func closeSessionHandler(reg *service.SessionRegistry, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/projects/{id}/session")
		defer span.End()

		if err := reg.Close(UserIDFromContext(ctx), chi.URLParam(r, "id")); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
