package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/observability"
	"github.com/boddenberg/tradeflow-bfa-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var dispatchTracer = otel.Tracer("service/dispatcher")

var errEmptyPayload = errors.New("payload builder returned nothing")

// PayloadBuilder composes the approval request at send time.
type PayloadBuilder func(ctx context.Context) (*domain.ApprovalRequest, error)

// NotificationDispatcher sends each (project, gate) approval request at most
// once. A token is written to every idempotency store before the transport
// call, so overlapping callers see it and back off.
type NotificationDispatcher struct {
	local     port.IdempotencyStore
	shared    port.IdempotencyStore // optional, spans processes
	transport port.NotificationTransport
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu sync.Mutex
}

// NewNotificationDispatcher creates a dispatcher. shared may be nil.
func NewNotificationDispatcher(local, shared port.IdempotencyStore, transport port.NotificationTransport, metrics *observability.Metrics, logger *zap.Logger) *NotificationDispatcher {
	return &NotificationDispatcher{
		local:     local,
		shared:    shared,
		transport: transport,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// EnsureSent dispatches the gate's approval request unless a token for it
// already exists. It reports whether this call sent the request.
// Failures come back as *domain.ErrNotification and are meant as warnings.
func (d *NotificationDispatcher) EnsureSent(ctx context.Context, projectID string, gate domain.GateKind, build PayloadBuilder) (bool, error) {
	ctx, span := dispatchTracer.Start(ctx, "NotificationDispatcher.EnsureSent")
	defer span.End()
	span.SetAttributes(
		attribute.String("project.id", projectID),
		attribute.String("gate", string(gate)),
	)

	key := domain.GateKey{ProjectID: projectID, Gate: gate}
	logger := observability.ProjectLogger(d.logger, projectID).With(zap.String("gate", string(gate)))

	claimed, err := d.claim(ctx, key, logger)
	if err != nil {
		d.metrics.IncrNotification(gate, "failed")
		logger.Warn("idempotency store unavailable, not sending", zap.Error(err))
		return false, &domain.ErrNotification{Gate: gate, Err: err}
	}
	if !claimed {
		d.metrics.IncrNotification(gate, "deduplicated")
		logger.Debug("approval request already sent")
		return false, nil
	}

	start := time.Now()
	err = d.send(ctx, build)
	d.metrics.RecordDuration("notification.send", time.Since(start))
	if err != nil {
		d.release(ctx, key, logger)
		d.metrics.IncrNotification(gate, "failed")
		logger.Warn("approval request failed", zap.Error(err))
		return false, &domain.ErrNotification{Gate: gate, Err: err}
	}

	d.complete(ctx, key, logger)
	d.metrics.IncrNotification(gate, "sent")
	logger.Info("approval request sent")
	return true, nil
}

// claim checks every store for an existing token and, when none exists,
// marks the key as sent in all of them.
func (d *NotificationDispatcher) claim(ctx context.Context, key domain.GateKey, logger *zap.Logger) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tok, err := d.local.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if tok != nil {
		return false, nil
	}

	sent := domain.GateToken{Timestamp: d.now().UTC(), State: domain.GateStateSent}

	if d.shared != nil {
		ok, err := d.shared.SetIfAbsent(ctx, key, sent)
		if err != nil {
			return false, err
		}
		if !ok {
			// Another process holds it; remember that locally.
			existing, err := d.shared.Get(ctx, key)
			if err != nil {
				logger.Warn("reading shared token failed", zap.Error(err))
			} else if existing != nil {
				if err := d.local.Set(ctx, key, *existing); err != nil {
					logger.Warn("copying shared token failed", zap.String("store", "local"), zap.Error(err))
				}
			}
			return false, nil
		}
	}

	ok, err := d.local.SetIfAbsent(ctx, key, sent)
	if err != nil || !ok {
		if d.shared != nil {
			if derr := d.shared.Delete(ctx, key); derr != nil {
				logger.Warn("rolling back token failed", zap.String("store", "shared"), zap.Error(derr))
			}
		}
		return false, err
	}
	return true, nil
}

func (d *NotificationDispatcher) send(ctx context.Context, build PayloadBuilder) error {
	req, err := build(ctx)
	if err != nil {
		return err
	}
	if req == nil {
		return errEmptyPayload
	}
	if err := d.transport.SendApprovalRequest(ctx, req.Body, req.ProjectID, req.Gate); err != nil {
		return err
	}
	if req.DocumentURL != "" {
		if err := d.transport.SendDocument(ctx, req.DocumentURL, req.Caption); err != nil {
			// The approval request itself went out.
			d.logger.Warn("attaching document failed", zap.String("project_id", req.ProjectID), zap.Error(err))
		}
	}
	return nil
}

func (d *NotificationDispatcher) complete(ctx context.Context, key domain.GateKey, logger *zap.Logger) {
	done := domain.GateToken{Timestamp: d.now().UTC(), State: domain.GateStateCompleted}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.local.Set(ctx, key, done); err != nil {
		logger.Warn("marking token completed failed", zap.String("store", "local"), zap.Error(err))
	}
	if d.shared != nil {
		if err := d.shared.Set(ctx, key, done); err != nil {
			logger.Warn("marking token completed failed", zap.String("store", "shared"), zap.Error(err))
		}
	}
}

// release removes the tokens so a later call can retry.
func (d *NotificationDispatcher) release(ctx context.Context, key domain.GateKey, logger *zap.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.local.Delete(ctx, key); err != nil {
		logger.Error("rolling back token failed", zap.String("store", "local"), zap.Error(err))
	}
	if d.shared != nil {
		if err := d.shared.Delete(ctx, key); err != nil {
			logger.Error("rolling back token failed", zap.String("store", "shared"), zap.Error(err))
		}
	}
}
