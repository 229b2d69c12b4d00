package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var httpTracer = otel.Tracer("http")

// NewLogger creates a structured zap logger tagged with the service name.
// Unknown levels fall back to info. debug switches to a colored console encoder.
func NewLogger(level, service string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]any{"service": service}
	if lvl == zapcore.DebugLevel {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := cfg.Build()
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	return logger
}

// ProjectLogger scopes a logger to one project session.
func ProjectLogger(logger *zap.Logger, projectID string) *zap.Logger {
	return logger.With(zap.String("project_id", projectID))
}

var probePaths = map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true, "/ping": true}

// ZapLoggerMiddleware writes one access log line per request: Warn for 4xx,
// Error for 5xx, Info otherwise. Probe endpoints log at Debug.
func ZapLoggerMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Int("bytes", ww.BytesWritten()),
				}
				if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
					fields = append(fields, zap.String("route", rc.RoutePattern()))
				}
				if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
					fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
				}

				switch {
				case status >= 500:
					logger.Error("http request", fields...)
				case status >= 400:
					logger.Warn("http request", fields...)
				case probePaths[r.URL.Path]:
					logger.Debug("http request", fields...)
				default:
					logger.Info("http request", fields...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// TracingMiddleware continues the caller's trace and opens a server span per request.
func TracingMiddleware(next http.Handler) http.Handler {
	propagator := otel.GetTextMapPropagator()
	if propagator == nil {
		propagator = propagation.TraceContext{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := httpTracer.Start(ctx, "HTTP "+r.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
			attribute.Int("http.status_code", status),
		)
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}
