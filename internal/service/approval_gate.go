package service

import (
	"context"
	"sync"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/observability"
	"github.com/boddenberg/tradeflow-bfa-go/internal/scope"

	"go.uber.org/zap"
)

// GateState is the approval gate's position.
type GateState string

const (
	GateIdle     GateState = "idle"
	GateAwaiting GateState = "awaiting"
	GateResolved GateState = "resolved"
)

// StatusReader reads only a project's status column.
type StatusReader interface {
	GetProjectStatus(ctx context.Context, projectID string) (domain.Status, error)
}

// ExternalStatusApplier adopts a status written outside the client.
type ExternalStatusApplier interface {
	ApplyExternalStatus(ctx context.Context, status domain.Status) (LifecycleState, error)
}

// GateResolution is delivered once per armed gate.
type GateResolution struct {
	Gate  domain.GateKind
	From  domain.Status
	To    domain.Status
	State LifecycleState
	Err   error // *domain.ErrRejected when the manager rejected
}

// ApprovalGate polls the stored status while a project waits for a human
// decision and adopts the decision once it appears.
type ApprovalGate struct {
	projectID string
	scope     *scope.Scope
	reader    StatusReader
	applier   ExternalStatusApplier
	interval  time.Duration
	metrics   *observability.Metrics
	logger    *zap.Logger
	onResolve func(GateResolution)

	mu      sync.Mutex
	state   GateState
	gate    domain.GateKind
	waiting domain.Status
	handle  *scope.Handle
	err     error
}

// NewApprovalGate creates an idle gate. Polling timers belong to sc.
func NewApprovalGate(sc *scope.Scope, projectID string, reader StatusReader, applier ExternalStatusApplier, interval time.Duration, metrics *observability.Metrics, logger *zap.Logger, onResolve func(GateResolution)) *ApprovalGate {
	return &ApprovalGate{
		projectID: projectID,
		scope:     sc,
		reader:    reader,
		applier:   applier,
		interval:  interval,
		metrics:   metrics,
		logger:    observability.ProjectLogger(logger, projectID),
		onResolve: onResolve,
		state:     GateIdle,
	}
}

// Arm starts polling for a change away from status. Re-arming replaces the
// previous poll.
func (g *ApprovalGate) Arm(status domain.Status) {
	gate, ok := domain.GateFor(status)
	if !ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.handle != nil {
		g.handle.Stop()
	}
	g.state = GateAwaiting
	g.gate = gate
	g.waiting = status
	g.err = nil
	g.handle = g.scope.Every(g.interval, g.poll)

	g.logger.Debug("approval gate armed",
		zap.String("gate", string(gate)),
		zap.Duration("interval", g.interval),
	)
}

// poll returns false to stop the ticker.
func (g *ApprovalGate) poll(ctx context.Context) bool {
	g.mu.Lock()
	if g.state != GateAwaiting {
		g.mu.Unlock()
		return false
	}
	waiting, gate := g.waiting, g.gate
	g.mu.Unlock()

	status, err := g.reader.GetProjectStatus(ctx, g.projectID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		g.metrics.IncrPoll("error")
		g.logger.Warn("approval poll failed", zap.String("gate", string(gate)), zap.Error(err))
		return true
	}
	if status == waiting {
		g.metrics.IncrPoll("unchanged")
		return true
	}

	state, err := g.applier.ApplyExternalStatus(ctx, status)
	if err != nil && !domain.IsRejection(status) {
		// Retry on the next tick; the stored status is not going anywhere.
		g.metrics.IncrPoll("error")
		g.logger.Warn("adopting external status failed", zap.String("status", string(status)), zap.Error(err))
		return true
	}

	res := GateResolution{Gate: gate, From: waiting, To: status, State: state}
	if domain.IsRejection(status) {
		res.Err = &domain.ErrRejected{ProjectID: g.projectID}
		g.metrics.IncrPoll("rejected")
		g.logger.Info("project rejected by manager", zap.String("gate", string(gate)))
	} else {
		g.metrics.IncrPoll("changed")
		g.logger.Info("approval gate resolved",
			zap.String("gate", string(gate)),
			zap.String("status", string(status)),
		)
	}

	g.mu.Lock()
	if g.state != GateAwaiting || g.waiting != waiting {
		// Stopped or re-armed while the read was in flight.
		g.mu.Unlock()
		return false
	}
	g.state = GateResolved
	g.err = res.Err
	g.handle = nil
	g.mu.Unlock()

	if g.onResolve != nil {
		g.onResolve(res)
	}
	return false
}

// State returns the gate position.
func (g *ApprovalGate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Gate returns the kind of the last armed gate.
func (g *ApprovalGate) Gate() domain.GateKind {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gate
}

// Err returns the terminal error of a resolved gate, if any.
func (g *ApprovalGate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Stop cancels polling and returns the gate to idle.
func (g *ApprovalGate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.handle != nil {
		g.handle.Stop()
		g.handle = nil
	}
	if g.state == GateAwaiting {
		g.state = GateIdle
	}
}
