package handler

import (
	"context"
	"net/http"

	"github.com/boddenberg/tradeflow-bfa-go/internal/service"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

const userIDKey contextKey = "userID"

// JWTAuthMiddleware verifies the bearer token and puts its subject in the
// request context as the user id.
func JWTAuthMiddleware(verifier *service.TokenVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := verifier.Verify(r.Header.Get("Authorization"))
			if err != nil {
				logger.Warn("auth: rejected request",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err),
				)
				handleServiceError(w, err, logger)
				return
			}

			trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("user.id", claims.Subject))
			ctx := context.WithValue(r.Context(), userIDKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext extracts the authenticated user id from context.
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}
