package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/cache"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/observability"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/resilience"
	"github.com/boddenberg/tradeflow-bfa-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var hydrationTracer = otel.Tracer("service/hydration")

// HydrationPipeline initializes a draft from exactly one source, chosen by
// signal precedence: project > cart > supplier > template > manual.
type HydrationPipeline struct {
	store     port.Store
	specs     *Specifications
	templates port.Cache[*domain.Template]
	suppliers port.Cache[*domain.Supplier]
	timeout   time.Duration
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewHydrationPipeline creates the pipeline. Templates and suppliers are
// read through the given caches.
func NewHydrationPipeline(
	store port.Store,
	specs *Specifications,
	templates port.Cache[*domain.Template],
	suppliers port.Cache[*domain.Supplier],
	timeout time.Duration,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *HydrationPipeline {
	return &HydrationPipeline{
		store:     store,
		specs:     specs,
		templates: templates,
		suppliers: suppliers,
		timeout:   timeout,
		metrics:   metrics,
		logger:    logger,
	}
}

// Hydrate builds the draft for userID. Competing signals are resolved by
// precedence and logged, never rejected. The whole load is bounded by the
// configured timeout and surfaces *domain.ErrTimeout when it runs out.
func (h *HydrationPipeline) Hydrate(ctx context.Context, userID string, signals domain.HydrationSignals) (*domain.Draft, error) {
	ctx, span := hydrationTracer.Start(ctx, "HydrationPipeline.Hydrate")
	defer span.End()

	source := signals.Select()
	span.SetAttributes(attribute.String("hydration.source", string(source)))

	if present := signals.Present(); len(present) > 1 {
		kinds := make([]string, len(present))
		for i, k := range present {
			kinds[i] = string(k)
		}
		h.metrics.IncrHydrationConflict()
		h.logger.Warn("conflicting hydration signals, using precedence",
			zap.Strings("signals", kinds),
			zap.String("selected", string(source)),
		)
	}

	start := time.Now()
	defer func() { h.metrics.RecordDuration("hydration", time.Since(start)) }()

	var draft *domain.Draft
	err := resilience.WithTimeout(ctx, h.timeout, "hydrate_"+string(source), func(ctx context.Context) error {
		var err error
		switch source {
		case domain.SourceProject:
			draft, err = h.fromProject(ctx, userID, signals.ProjectID)
		case domain.SourceCart:
			draft, err = h.fromCart(ctx, userID, signals.CartID)
		case domain.SourceSupplier:
			draft, err = h.fromSupplier(ctx, userID, signals.SupplierID)
		case domain.SourceTemplate:
			draft, err = h.fromTemplate(ctx, userID, signals.TemplateID)
		default:
			draft, err = h.manual(ctx, userID)
		}
		return err
	})
	if err != nil {
		h.logger.Error("hydration failed", zap.String("source", string(source)), zap.Error(err))
		return nil, err
	}

	draft.Source = source
	h.metrics.IncrHydration(source)
	h.logger.Info("draft hydrated",
		zap.String("source", string(source)),
		zap.String("project_id", draft.Project.ID),
		zap.Int("items", len(draft.Items)),
		zap.Int("max_step_reached", draft.MaxStepReached),
	)
	return draft, nil
}

// fromProject resumes an existing project. Project and client items are
// fetched concurrently.
func (h *HydrationPipeline) fromProject(ctx context.Context, userID, projectID string) (*domain.Draft, error) {
	var (
		project *domain.Project
		items   []domain.SpecificationItem
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := h.store.GetProject(gCtx, projectID)
		if err != nil {
			return fmt.Errorf("project fetch: %w", err)
		}
		project = p
		return nil
	})
	g.Go(func() error {
		rows, err := h.specs.List(gCtx, projectID, domain.RoleClient)
		if err != nil {
			return fmt.Errorf("specification fetch: %w", err)
		}
		items = rows
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if project.UserID != "" && project.UserID != userID {
		return nil, &domain.ErrForbidden{Action: "open project " + projectID}
	}

	allowed, err := domain.AllowedStep(project)
	if err != nil {
		return nil, err
	}
	maxStep := max(project.MaxStepReached, allowed)
	current := project.CurrentStep
	if current < domain.MinStep {
		current = allowed
	}
	return newDraft(project, items, min(current, maxStep), maxStep), nil
}

// fromCart starts a project from a cart batch. The specification step is
// unlocked immediately.
func (h *HydrationPipeline) fromCart(ctx context.Context, userID, cartID string) (*domain.Draft, error) {
	cart, err := h.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, fmt.Errorf("cart fetch: %w", err)
	}
	if cart.UserID != "" && cart.UserID != userID {
		return nil, &domain.ErrForbidden{Action: "use cart " + cartID}
	}

	p := &domain.Project{
		UserID:   userID,
		Currency: currencyOr(cart.Currency, defaultCurrency),
	}
	if cart.SupplierID != "" {
		// Supplier requisites are a convenience; a missing supplier still yields a usable draft.
		if s, err := h.supplier(ctx, cart.SupplierID); err != nil {
			h.logger.Warn("cart supplier unavailable", zap.String("supplier_id", cart.SupplierID), zap.Error(err))
		} else {
			applySupplier(p, s)
		}
	}

	return h.create(ctx, p, h.sourceItems("cart", cartID, cart.Items, p.Currency), 1, 2)
}

// fromSupplier starts an empty project addressed to one supplier.
func (h *HydrationPipeline) fromSupplier(ctx context.Context, userID, supplierID string) (*domain.Draft, error) {
	s, err := h.supplier(ctx, supplierID)
	if err != nil {
		return nil, fmt.Errorf("supplier fetch: %w", err)
	}

	p := &domain.Project{UserID: userID, Currency: currencyOr(s.Currency, defaultCurrency)}
	applySupplier(p, s)
	return h.create(ctx, p, nil, 1, 1)
}

// fromTemplate starts a project from a saved template. When the template
// already satisfies the company requirements the specification step is unlocked.
func (h *HydrationPipeline) fromTemplate(ctx context.Context, userID, templateID string) (*domain.Draft, error) {
	tpl, hit, err := cache.GetOrLoad(h.templates, templateID, func() (*domain.Template, error) {
		return h.store.GetTemplate(ctx, templateID)
	})
	if err != nil {
		return nil, fmt.Errorf("template fetch: %w", err)
	}
	h.recordCache("template", hit)
	if tpl.UserID != "" && tpl.UserID != userID {
		return nil, &domain.ErrForbidden{Action: "use template " + templateID}
	}

	p := &domain.Project{
		UserID:        userID,
		TemplateID:    tpl.ID,
		Currency:      currencyOr(tpl.Currency, defaultCurrency),
		PaymentMethod: tpl.PaymentMethod,
	}
	if tpl.CompanyData != nil {
		p.CompanyData = *tpl.CompanyData
	}
	if tpl.SupplierID != "" {
		if s, err := h.supplier(ctx, tpl.SupplierID); err != nil {
			h.logger.Warn("template supplier unavailable", zap.String("supplier_id", tpl.SupplierID), zap.Error(err))
		} else {
			applySupplier(p, s)
			if tpl.PaymentMethod != "" {
				p.PaymentMethod = tpl.PaymentMethod
			}
		}
	}

	p.Status = domain.StatusDraft
	maxStep := 1
	if len(domain.RequirementsFor(p, domain.StatusInProgress)) == 0 {
		maxStep = 2
	}
	return h.create(ctx, p, h.sourceItems("template", templateID, tpl.Items, p.Currency), 1, maxStep)
}

func (h *HydrationPipeline) manual(ctx context.Context, userID string) (*domain.Draft, error) {
	return h.create(ctx, &domain.Project{UserID: userID, Currency: defaultCurrency}, nil, 1, 1)
}

// create persists a new draft project with its client items and backfills
// the specification reference and amount.
func (h *HydrationPipeline) create(ctx context.Context, p *domain.Project, items []domain.SpecificationItem, current, maxStep int) (*domain.Draft, error) {
	p.Status = domain.StatusDraft
	p.CurrentStep, p.MaxStepReached = current, maxStep

	created, err := h.store.CreateProject(ctx, p)
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "create_project", Err: err}
	}
	if len(items) == 0 {
		return newDraft(created, []domain.SpecificationItem{}, current, maxStep), nil
	}

	for i := range items {
		items[i].ProjectID = created.ID
		items[i].Role = domain.RoleClient
	}
	batchID, rows, err := h.specs.InsertMany(ctx, items)
	if err != nil {
		return nil, err
	}

	var amount float64
	for _, r := range rows {
		amount += r.Total
	}
	err = h.store.UpdateProject(ctx, created.ID, map[string]any{
		"specification_id": batchID,
		"amount":           amount,
	})
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "update_project", Err: err}
	}
	created.SpecificationID = batchID
	created.Amount = amount

	return newDraft(created, rows, current, maxStep), nil
}

func (h *HydrationPipeline) supplier(ctx context.Context, id string) (*domain.Supplier, error) {
	s, hit, err := cache.GetOrLoad(h.suppliers, id, func() (*domain.Supplier, error) {
		return h.store.GetSupplier(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	h.recordCache("supplier", hit)
	return s, nil
}

func (h *HydrationPipeline) recordCache(name string, hit bool) {
	if hit {
		h.metrics.IncrCacheHit(name)
		return
	}
	h.metrics.IncrCacheMiss(name)
}

func newDraft(p *domain.Project, items []domain.SpecificationItem, current, maxStep int) *domain.Draft {
	p.CurrentStep, p.MaxStepReached = current, maxStep
	return &domain.Draft{
		Project:        p,
		Items:          items,
		CurrentStep:    current,
		MaxStepReached: maxStep,
	}
}

// applySupplier copies requisites and picks the payment method when the
// supplier accepts exactly one.
func applySupplier(p *domain.Project, s *domain.Supplier) {
	p.SupplierData = s.ToSupplierData()
	if len(s.PaymentMethods) == 1 {
		p.PaymentMethod = s.PaymentMethods[0]
	}
	if p.Currency == "" {
		p.Currency = s.Currency
	}
}

// normalizeSourceItems projects loosely shaped source items into client
// rows. Missing fields get explicit defaults; negative or non-finite
// quantities and prices are replaced by the same defaults. It returns the
// number of replaced values.
func normalizeSourceItems(src []domain.SourceItem, currency string) ([]domain.SpecificationItem, int) {
	out := make([]domain.SpecificationItem, 0, len(src))
	replaced := 0
	for i, s := range src {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			name = fmt.Sprintf("Item %d", i+1)
		}
		qty := 1.0
		if s.Quantity != nil {
			if validAmount(*s.Quantity) {
				qty = *s.Quantity
			} else {
				replaced++
			}
		}
		price := 0.0
		if s.Price != nil {
			if validAmount(*s.Price) {
				price = *s.Price
			} else {
				replaced++
			}
		}
		unit := strings.TrimSpace(s.Unit)
		if unit == "" {
			unit = domain.DefaultUnit
		}
		out = append(out, domain.SpecificationItem{
			Role:     domain.RoleClient,
			ItemName: name,
			ItemCode: s.Code,
			ImageURL: s.ImageURL,
			Quantity: qty,
			Unit:     unit,
			Price:    price,
			Currency: currencyOr(s.Currency, currency),
		}.WithTotal())
	}
	return out, replaced
}

func validAmount(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0)
}

// sourceItems normalizes the items of one hydration source before anything is persisted.
func (h *HydrationPipeline) sourceItems(source, id string, src []domain.SourceItem, currency string) []domain.SpecificationItem {
	items, replaced := normalizeSourceItems(src, currency)
	if replaced > 0 {
		h.logger.Warn("hydration: invalid source amounts replaced by defaults",
			zap.String("source", source),
			zap.String("source_id", id),
			zap.Int("replaced", replaced),
		)
	}
	return items
}

func currencyOr(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return strings.ToUpper(v)
	}
	return fallback
}
