// Package supabase provides a client for Supabase (PostgREST).
// It is the production backend for projects, specification items,
// the status history ledger and hydration sources.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("supabase")

// Client wraps HTTP calls to Supabase PostgREST API.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	serviceRoleKey string
	cb             *gobreaker.CircuitBreaker
	bulkhead       *resilience.Bulkhead
	cfg            resilience.Config
	logger         *zap.Logger
	now            func() time.Time
}

// NewClient creates a Supabase client.
func NewClient(httpClient *http.Client, baseURL, apiKey, serviceRoleKey string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient:     httpClient,
		baseURL:        baseURL,
		apiKey:         apiKey,
		serviceRoleKey: serviceRoleKey,
		cb:             cb,
		bulkhead:       resilience.NewBulkhead(cfg.MaxConcurrency),
		cfg:            cfg,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// statusError is a non-2xx PostgREST response.
type statusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("supabase %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// call runs one store operation through the bulkhead, breaker and retry
// loop, inside a span. At most cfg.MaxConcurrency operations are in flight.
// 4xx responses and missing rows are not retried. Failures other than
// not-found are wrapped as domain.ErrExternalService.
func (c *Client) call(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "Supabase."+op)
	defer span.End()
	span.SetAttributes(attrs...)

	if err := c.bulkhead.Acquire(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &domain.ErrExternalService{Service: "supabase/" + op, Err: fmt.Errorf("waiting for a slot: %w", err)}
	}
	defer c.bulkhead.Release()

	err := resilience.Call(ctx, c.cb, c.cfg, "supabase", func() error {
		err := fn(ctx)
		var se *statusError
		var nf *domain.ErrNotFound
		if errors.As(err, &se) && se.Status < 500 {
			return resilience.Permanent(err)
		}
		if errors.As(err, &nf) {
			return resilience.Permanent(err)
		}
		return err
	})
	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var nf *domain.ErrNotFound
	var open *domain.ErrCircuitOpen
	if errors.As(err, &nf) || errors.As(err, &open) {
		return err
	}
	return &domain.ErrExternalService{Service: "supabase/" + op, Err: err}
}
