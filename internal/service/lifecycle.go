package service

import (
	"context"
	"sync"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/observability"
	"github.com/boddenberg/tradeflow-bfa-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var lifecycleTracer = otel.Tracer("service/lifecycle")

// LifecycleStore is what the controller needs from persistence.
type LifecycleStore interface {
	port.ProjectStore
	port.HistoryStore
}

// LifecycleState is the step view of a project at one point in time.
type LifecycleState struct {
	Status         domain.Status `json:"status"`
	CurrentStep    int           `json:"currentStep"`
	MaxStepReached int           `json:"maxStepReached"`
}

// LifecycleController owns one project's status and wizard position.
// Every mutating call is all-or-nothing: in-memory state changes only after
// the store accepted the write.
type LifecycleController struct {
	mu             sync.Mutex
	project        *domain.Project
	currentStep    int
	maxStepReached int

	store    LifecycleStore
	metrics  *observability.Metrics
	logger   *zap.Logger
	observer func(LifecycleState)
	now      func() time.Time
}

// NewLifecycleController seeds the controller from a loaded project.
// The ceiling is the larger of the persisted ceiling and the step the
// persisted state justifies.
func NewLifecycleController(project *domain.Project, store LifecycleStore, metrics *observability.Metrics, logger *zap.Logger) (*LifecycleController, error) {
	allowed, err := domain.AllowedStep(project)
	if err != nil {
		return nil, err
	}

	maxStep := max(project.MaxStepReached, allowed)
	current := project.CurrentStep
	if current < domain.MinStep {
		current = allowed
	}
	current = min(current, maxStep)

	return &LifecycleController{
		project:        project.Clone(),
		currentStep:    current,
		maxStepReached: maxStep,
		store:          store,
		metrics:        metrics,
		logger:         observability.ProjectLogger(logger, project.ID),
		now:            time.Now,
	}, nil
}

// SetObserver registers a callback invoked after every state change.
func (c *LifecycleController) SetObserver(fn func(LifecycleState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

// State returns the current step view.
func (c *LifecycleController) State() LifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Project returns a copy of the in-memory project.
func (c *LifecycleController) Project() *domain.Project {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.project.Clone()
	p.CurrentStep = c.currentStep
	p.MaxStepReached = c.maxStepReached
	return p
}

func (c *LifecycleController) stateLocked() LifecycleState {
	return LifecycleState{
		Status:         c.project.Status,
		CurrentStep:    c.currentStep,
		MaxStepReached: c.maxStepReached,
	}
}

// Advance moves the project to newStatus on behalf of the client.
// Repeating a call whose status is already current is a no-op, so a failed
// call can be retried with the same arguments.
func (c *LifecycleController) Advance(ctx context.Context, newStatus domain.Status, changedBy, comment string) (LifecycleState, error) {
	ctx, span := lifecycleTracer.Start(ctx, "LifecycleController.Advance")
	defer span.End()
	span.SetAttributes(
		attribute.String("project.id", c.project.ID),
		attribute.String("status.to", string(newStatus)),
	)

	start := time.Now()
	defer func() { c.metrics.RecordDuration("lifecycle.advance", time.Since(start)) }()

	return c.locked(func() (LifecycleState, bool, error) {
		return c.advanceLocked(ctx, newStatus, changedBy, comment)
	})
}

func (c *LifecycleController) advanceLocked(ctx context.Context, newStatus domain.Status, changedBy, comment string) (LifecycleState, bool, error) {
	from := c.project.Status
	if newStatus == from {
		return c.stateLocked(), false, nil
	}
	if _, err := domain.StepForStatus(newStatus); err != nil {
		c.metrics.IncrTransitionFailure("unknown_status")
		return c.stateLocked(), false, err
	}
	if domain.IsDecision(from, newStatus) {
		c.metrics.IncrTransitionFailure("manager_decision")
		c.logger.Warn("advance: client attempted a manager decision",
			zap.String("from", string(from)),
			zap.String("to", string(newStatus)),
			zap.String("changed_by", changedBy),
		)
		return c.stateLocked(), false, &domain.ErrInvalidTransition{From: from, To: newStatus, Reason: "awaiting a manager decision"}
	}
	if !domain.CanTransition(from, newStatus) {
		c.metrics.IncrTransitionFailure("invalid_transition")
		return c.stateLocked(), false, &domain.ErrInvalidTransition{From: from, To: newStatus}
	}
	if missing := domain.RequirementsFor(c.project, newStatus); len(missing) > 0 {
		c.metrics.IncrTransitionFailure("validation")
		return c.stateLocked(), false, &domain.ErrValidationSet{Target: newStatus, Fields: missing}
	}

	current, maxStep, err := c.stepsFor(newStatus)
	if err != nil {
		return c.stateLocked(), false, err
	}

	err = c.store.UpdateProject(ctx, c.project.ID, map[string]any{
		"status":           newStatus,
		"current_step":     current,
		"max_step_reached": maxStep,
	})
	if err != nil {
		c.metrics.IncrTransitionFailure("persistence")
		c.logger.Error("advance: project update failed",
			zap.String("from", string(from)),
			zap.String("to", string(newStatus)),
			zap.Error(err),
		)
		return c.stateLocked(), false, &domain.ErrPersistence{Op: "update_project", Err: err}
	}

	row := &domain.ProjectStatusHistory{
		ProjectID:      c.project.ID,
		Status:         newStatus,
		PreviousStatus: from,
		Step:           current,
		ChangedBy:      changedBy,
		Comment:        comment,
		CreatedAt:      c.now().UTC(),
	}
	if err := c.store.AppendHistory(ctx, row); err != nil {
		c.metrics.IncrTransitionFailure("persistence")
		c.logger.Error("advance: history append failed, reverting status",
			zap.String("from", string(from)),
			zap.String("to", string(newStatus)),
			zap.Error(err),
		)
		revertErr := c.store.UpdateProject(ctx, c.project.ID, map[string]any{
			"status":           from,
			"current_step":     c.currentStep,
			"max_step_reached": c.maxStepReached,
		})
		if revertErr != nil {
			// The retry of this same Advance rewrites the row and appends the history.
			c.logger.Error("advance: revert failed", zap.Error(revertErr))
		}
		return c.stateLocked(), false, &domain.ErrPersistence{Op: "append_history", Err: err}
	}

	c.project.Status = newStatus
	c.currentStep, c.maxStepReached = current, maxStep
	c.metrics.IncrTransition(newStatus, "client")
	c.logger.Info("status advanced",
		zap.String("from", string(from)),
		zap.String("to", string(newStatus)),
		zap.Int("current_step", current),
		zap.Int("max_step_reached", maxStep),
		zap.String("changed_by", changedBy),
	)

	return c.stateLocked(), true, nil
}

// ApplyExternalStatus adopts a status written by a trusted external actor,
// such as a manager approving from the chat. Reachability and field
// requirements are not checked and no history row is written.
func (c *LifecycleController) ApplyExternalStatus(ctx context.Context, status domain.Status) (LifecycleState, error) {
	ctx, span := lifecycleTracer.Start(ctx, "LifecycleController.ApplyExternalStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("project.id", c.project.ID),
		attribute.String("status.to", string(status)),
	)

	return c.locked(func() (LifecycleState, bool, error) {
		return c.adoptLocked(ctx, status, c.project.Receipts)
	})
}

// Refresh re-reads the stored project and adopts its status and receipts
// with external-status semantics.
func (c *LifecycleController) Refresh(ctx context.Context) (LifecycleState, error) {
	ctx, span := lifecycleTracer.Start(ctx, "LifecycleController.Refresh")
	defer span.End()

	fresh, err := c.store.GetProject(ctx, c.project.ID)
	if err != nil {
		return c.State(), &domain.ErrPersistence{Op: "get_project", Err: err}
	}

	return c.locked(func() (LifecycleState, bool, error) {
		return c.adoptLocked(ctx, fresh.Status, fresh.Receipts)
	})
}

func (c *LifecycleController) adoptLocked(ctx context.Context, status domain.Status, receipts map[string]string) (LifecycleState, bool, error) {
	prev := c.project.Clone()
	c.project.Status = status
	c.project.Receipts = receipts

	current, maxStep, err := c.stepsFor(status)
	if err != nil {
		c.project = prev
		return c.stateLocked(), false, err
	}
	if status == prev.Status && current == c.currentStep && maxStep == c.maxStepReached {
		c.project = prev
		c.project.Receipts = receipts
		return c.stateLocked(), false, nil
	}

	// The external actor already wrote the status; only the step columns are ours.
	err = c.store.UpdateProject(ctx, c.project.ID, map[string]any{
		"current_step":     current,
		"max_step_reached": maxStep,
	})
	if err != nil {
		c.project = prev
		c.logger.Error("external status: step update failed",
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return c.stateLocked(), false, &domain.ErrPersistence{Op: "update_project", Err: err}
	}

	c.currentStep, c.maxStepReached = current, maxStep
	if status != prev.Status {
		c.metrics.IncrTransition(status, "external")
		c.logger.Info("external status adopted",
			zap.String("from", string(prev.Status)),
			zap.String("to", string(status)),
			zap.Int("current_step", current),
		)
	}

	return c.stateLocked(), true, nil
}

// stepsFor computes the step pair for c.project moved to status. The ceiling
// never drops, and the current step never drops below where the user already is.
func (c *LifecycleController) stepsFor(status domain.Status) (current, maxStep int, err error) {
	p := c.project.Clone()
	p.Status = status
	allowed, err := domain.AllowedStep(p)
	if err != nil {
		return 0, 0, err
	}
	maxStep = max(c.maxStepReached, allowed)
	current = max(c.currentStep, allowed)
	return min(current, maxStep), maxStep, nil
}

// GoTo moves the wizard to a step the user has already unlocked.
// Steps outside [MinStep, maxStepReached] are ignored and false is returned.
func (c *LifecycleController) GoTo(step int) bool {
	ok := true
	c.locked(func() (LifecycleState, bool, error) {
		if step < domain.MinStep || step > c.maxStepReached {
			ok = false
			return c.stateLocked(), false, nil
		}
		if step == c.currentStep {
			return c.stateLocked(), false, nil
		}
		c.currentStep = step
		return c.stateLocked(), true, nil
	})
	return ok
}

// ============================================================
// Draft field updates
// ============================================================

// editable reports whether client-owned fields may still change.
func editable(s domain.Status) bool {
	return s == domain.StatusDraft || s == domain.StatusInProgress
}

// SetCompanyData replaces the client's company fields.
func (c *LifecycleController) SetCompanyData(ctx context.Context, data domain.CompanyData) error {
	return c.update(ctx, "company_data", map[string]any{"company_data": data}, func(p *domain.Project) {
		p.CompanyData = data
	})
}

// SeedCompanyData fills only the empty company fields. Used by document analysis.
func (c *LifecycleController) SeedCompanyData(ctx context.Context, seed func(*domain.CompanyData) bool) (bool, error) {
	c.mu.Lock()
	data := c.project.CompanyData
	c.mu.Unlock()

	if !seed(&data) {
		return false, nil
	}
	return true, c.SetCompanyData(ctx, data)
}

// Payment is the client's payment step selection.
type Payment struct {
	Method       string               `json:"payment_method"`
	Currency     string               `json:"currency,omitempty"`
	Amount       float64              `json:"amount"`
	SupplierData *domain.SupplierData `json:"supplier_data,omitempty"`
}

// SetPayment stores the payment method, amount and optionally supplier requisites.
func (c *LifecycleController) SetPayment(ctx context.Context, pay Payment) error {
	switch pay.Method {
	case domain.PaymentBankTransfer, domain.PaymentCard, domain.PaymentCrypto:
	default:
		return &domain.ErrValidation{Field: "payment_method", Message: "unsupported payment method"}
	}

	updates := map[string]any{
		"payment_method": pay.Method,
		"amount":         pay.Amount,
	}
	if pay.Currency != "" {
		updates["currency"] = pay.Currency
	}
	if pay.SupplierData != nil {
		updates["supplier_data"] = *pay.SupplierData
	}
	return c.update(ctx, "payment", updates, func(p *domain.Project) {
		p.PaymentMethod = pay.Method
		p.Amount = pay.Amount
		if pay.Currency != "" {
			p.Currency = pay.Currency
		}
		if pay.SupplierData != nil {
			p.SupplierData = *pay.SupplierData
		}
	})
}

// SetSpecificationID backfills the reference to the first committed line item.
func (c *LifecycleController) SetSpecificationID(ctx context.Context, id string) error {
	c.mu.Lock()
	same := c.project.SpecificationID == id
	c.mu.Unlock()
	if same {
		return nil
	}
	return c.update(ctx, "specification_id", map[string]any{"specification_id": id}, func(p *domain.Project) {
		p.SpecificationID = id
	})
}

func (c *LifecycleController) update(ctx context.Context, field string, updates map[string]any, apply func(*domain.Project)) error {
	ctx, span := lifecycleTracer.Start(ctx, "LifecycleController.update")
	defer span.End()
	span.SetAttributes(attribute.String("field", field))

	_, err := c.locked(func() (LifecycleState, bool, error) {
		// The specification back-reference follows the items; the other
		// client-owned fields lock on submission.
		if field != "specification_id" && !editable(c.project.Status) {
			return c.stateLocked(), false, &domain.ErrValidation{Field: field, Message: "cannot be changed after submission"}
		}

		if err := c.store.UpdateProject(ctx, c.project.ID, updates); err != nil {
			c.logger.Error("draft update failed", zap.String("field", field), zap.Error(err))
			return c.stateLocked(), false, &domain.ErrPersistence{Op: "update_" + field, Err: err}
		}
		apply(c.project)
		return c.stateLocked(), true, nil
	})
	return err
}

// locked runs fn under the mutex and calls the observer after releasing it.
func (c *LifecycleController) locked(fn func() (LifecycleState, bool, error)) (LifecycleState, error) {
	c.mu.Lock()
	state, changed, err := fn()
	obs := c.observer
	c.mu.Unlock()

	if changed && obs != nil {
		obs(state)
	}
	return state, err
}
