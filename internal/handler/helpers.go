package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"

	"go.uber.org/zap"
)

// ============================================================
// Shared helper functions
// ============================================================

type errorResponse struct {
	Error  string              `json:"error"`
	Fields []domain.FieldError `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decodeJSON reads the request body into dst, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// parseRole reads ?role=, defaulting to the client specification.
func parseRole(w http.ResponseWriter, r *http.Request) (domain.Role, bool) {
	role := domain.Role(r.URL.Query().Get("role"))
	if role == "" {
		return domain.RoleClient, true
	}
	if !role.Valid() {
		writeError(w, http.StatusBadRequest, "role must be client or supplier")
		return "", false
	}
	return role, true
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var notFound *domain.ErrNotFound
	var circuitOpen *domain.ErrCircuitOpen
	var timeout *domain.ErrTimeout
	var validation *domain.ErrValidation
	var validationSet *domain.ErrValidationSet
	var invalidTransition *domain.ErrInvalidTransition
	var unknownStatus *domain.ErrUnknownStatus
	var rejected *domain.ErrRejected
	var persistence *domain.ErrPersistence
	var external *domain.ErrExternalService
	var forbidden *domain.ErrForbidden
	var unauthorized *domain.ErrUnauthorized
	var closed *domain.ErrSessionClosed

	switch {
	case errors.As(err, &validationSet):
		logger.Debug("transition requirements not met", zap.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Fields: validationSet.Fields})
	case errors.As(err, &validation):
		logger.Debug("validation error", zap.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &invalidTransition):
		logger.Debug("invalid transition", zap.String("error", err.Error()))
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &rejected):
		logger.Info("project rejected", zap.String("project_id", rejected.ProjectID))
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &closed):
		logger.Debug("session closed", zap.String("project_id", closed.ProjectID))
		writeError(w, http.StatusGone, err.Error())
	case errors.As(err, &notFound):
		logger.Debug("not found", zap.String("error", err.Error()))
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &forbidden):
		logger.Warn("forbidden access", zap.String("error", err.Error()))
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &unauthorized):
		logger.Warn("unauthorized", zap.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &timeout):
		logger.Error("request timeout", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &circuitOpen):
		logger.Error("circuit breaker open", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &persistence):
		logger.Error("persistence failure", zap.String("op", persistence.Op), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &external):
		logger.Error("external service failure", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &unknownStatus):
		logger.Error("unknown status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
