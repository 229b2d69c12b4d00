// Package resilience provides fault-tolerance patterns:
// retry with exponential backoff, circuit breaker, bulkhead and bounded timeouts.
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"

	"github.com/sony/gobreaker"
)

// Config holds resilience parameters.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int
}

// permanentError stops RetryWithBackoff immediately.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying (4xx responses, not-found, decode errors).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryWithBackoff executes fn with exponential backoff + jitter.
// It respects context cancellation and stops on Permanent errors.
func RetryWithBackoff(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt < cfg.MaxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * cfg.InitialBackoff
			wait := backoff
			if half := int64(backoff / 2); half > 0 {
				wait += time.Duration(rand.Int63n(half))
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return lastErr
}

// NewCircuitBreaker creates a circuit breaker with sensible defaults.
func NewCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,                // half-open: allow 3 requests
		Interval:    30 * time.Second, // closed: reset counters every 30s
		Timeout:     10 * time.Second, // open -> half-open after 10s
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// A missing row is an answer, not an outage.
			var notFound *domain.ErrNotFound
			return err == nil || errors.As(err, &notFound)
		},
	})
}

// Call runs fn through the breaker with retries and maps an open breaker
// to domain.ErrCircuitOpen.
func Call(ctx context.Context, cb *gobreaker.CircuitBreaker, cfg Config, service string, fn func() error) error {
	_, err := cb.Execute(func() (any, error) {
		return nil, RetryWithBackoff(ctx, cfg, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.ErrCircuitOpen{Service: service}
	}
	return err
}

// WithTimeout runs fn under a bounded deadline and converts an expired
// deadline into a retryable domain.ErrTimeout.
func WithTimeout(ctx context.Context, d time.Duration, operation string, fn func(ctx context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &domain.ErrTimeout{Operation: operation}
	}
	return err
}

// Bulkhead limits concurrent access to a resource.
type Bulkhead struct {
	sem chan struct{}
}

// NewBulkhead creates a bulkhead with the given max concurrency.
// A non-positive limit admits every caller.
func NewBulkhead(maxConcurrency int) *Bulkhead {
	if maxConcurrency <= 0 {
		return &Bulkhead{}
	}
	return &Bulkhead{sem: make(chan struct{}, maxConcurrency)}
}

// Acquire blocks until a slot is available or context is cancelled.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	if b.sem == nil {
		return ctx.Err()
	}
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot.
func (b *Bulkhead) Release() {
	if b.sem == nil {
		return
	}
	<-b.sem
}
